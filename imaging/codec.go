package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Stage says where an input failed.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageDecode Stage = "decode"
)

// InputError is a caller-correctable problem with the image input.
type InputError struct {
	Stage Stage
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("imaging: %s input: %v", e.Stage, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

var (
	ErrEmptyInput        = errors.New("empty image data")
	ErrInputTooLarge     = errors.New("image data exceeds size limit")
	ErrTooManyPixels     = errors.New("image dimensions exceed pixel limit")
	ErrUnsupportedFormat = errors.New("imaging: unsupported output format")
)

// Output formats. All are lossless so Decode(Encode(b)) == b.
const (
	FormatPNG  = "png"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// DefaultMaxPixels matches the decompression-bomb threshold of common
// imaging libraries (about 179 megapixels).
const DefaultMaxPixels int64 = 178956970

// Codec decodes image inputs. URL inputs are fetched with its HTTP client.
type Codec struct {
	client    *http.Client
	maxBytes  int64
	maxPixels int64
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxPixels caps width*height of decoded images. Zero or negative
// disables the cap.
func WithMaxPixels(n int64) CodecOption {
	return func(c *Codec) { c.maxPixels = n }
}

// NewCodec returns a Codec. maxBytes caps fetched bodies and decoded base64
// payloads; zero or negative disables the cap. Decoded images are limited to
// DefaultMaxPixels unless WithMaxPixels says otherwise.
func NewCodec(client *http.Client, maxBytes int64, opts ...CodecOption) *Codec {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Codec{client: client, maxBytes: maxBytes, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decode turns a job's image field into an RGB buffer. The first matching
// rule wins: http(s) URL, data:image URL, raw base64.
func (c *Codec) Decode(ctx context.Context, source string) (*Buffer, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err := c.fetch(ctx, source)
		if err != nil {
			return nil, &InputError{Stage: StageFetch, Err: err}
		}
		return c.decodeBytes(data)
	}

	payload := source
	if strings.HasPrefix(source, "data:image") {
		_, after, found := strings.Cut(source, ",")
		if !found {
			return nil, &InputError{Stage: StageDecode, Err: errors.New("data URL has no payload")}
		}
		payload = after
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, &InputError{Stage: StageDecode, Err: err}
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, &InputError{Stage: StageDecode, Err: ErrInputTooLarge}
	}
	return c.decodeBytes(data)
}

func (c *Codec) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, ErrInputTooLarge
	}
	return data, nil
}

func (c *Codec) decodeBytes(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, &InputError{Stage: StageDecode, Err: ErrEmptyInput}
	}

	// The header is checked first so a small payload declaring a huge
	// raster is refused before anything is allocated for it.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &InputError{Stage: StageDecode, Err: err}
	}
	if c.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > c.maxPixels {
		return nil, &InputError{Stage: StageDecode, Err: fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &InputError{Stage: StageDecode, Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &InputError{Stage: StageDecode, Err: ErrInvalidDimensions}
	}
	return FromImage(img), nil
}

// decodeBase64 accepts the padded standard alphabet, falling back to the
// unpadded form. Embedded whitespace and line breaks are ignored.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// Encode serializes b losslessly and returns plain base64 (no data-URL prefix).
// An empty format means PNG.
func Encode(b *Buffer, format string) (string, error) {
	data, err := EncodeBytes(b, format)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeBytes is Encode without the base64 step.
func EncodeBytes(b *Buffer, format string) ([]byte, error) {
	if b == nil || b.Width <= 0 || b.Height <= 0 || len(b.Pix) != b.Width*b.Height*3 {
		return nil, ErrInvalidDimensions
	}

	var out bytes.Buffer
	img := b.Image()

	var err error
	switch strings.ToLower(format) {
	case "", FormatPNG:
		err = png.Encode(&out, img)
	case FormatBMP:
		err = bmp.Encode(&out, img)
	case FormatTIFF, "tif":
		err = tiff.Encode(&out, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("imaging: encode %s: %w", format, err)
	}
	return out.Bytes(), nil
}
