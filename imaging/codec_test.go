package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func pngBytes(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 30, A: 255})
			} else {
				img.Set(x, y, color.NRGBA{R: 5, G: 250, B: 90, A: 255})
			}
		}
	}
	return img
}

func TestCodec_DecodeDispatch(t *testing.T) {
	raw := pngBytes(t, checker(4, 3))
	std := base64.StdEncoding.EncodeToString(raw)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Write(raw)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	codec := NewCodec(server.Client(), 0)

	tests := []struct {
		name   string
		source string
	}{
		{"raw base64", std},
		{"unpadded base64", strings.TrimRight(std, "=")},
		{"wrapped base64", std[:10] + "\n" + std[10:]},
		{"data url", "data:image/png;base64," + std},
		{"http url", server.URL + "/ok.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := codec.Decode(context.Background(), tt.source)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if buf.Width != 4 || buf.Height != 3 || buf.Mode != ModeRGB {
				t.Errorf("got %dx%d %s, want 4x3 RGB", buf.Width, buf.Height, buf.Mode)
			}
			if got := buf.Pix[:3]; !bytes.Equal(got, []byte{200, 10, 30}) {
				t.Errorf("first pixel = %v, want [200 10 30]", got)
			}
		})
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/text":
			w.Write([]byte("not an image"))
		case "/big":
			w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	codec := NewCodec(server.Client(), 32)

	tests := []struct {
		name   string
		source string
		stage  Stage
	}{
		{"malformed base64", "!!!not-base64!!!", StageDecode},
		{"base64 of non-image", base64.StdEncoding.EncodeToString([]byte("hello")), StageDecode},
		{"data url without comma", "data:image/png;base64", StageDecode},
		{"oversized payload", base64.StdEncoding.EncodeToString(make([]byte, 33)), StageDecode},
		{"http 404", server.URL + "/missing", StageFetch},
		{"http body too large", server.URL + "/big", StageFetch},
		{"http non-image body", server.URL + "/text", StageDecode},
		{"unreachable host", "http://127.0.0.1:1/x.png", StageFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(context.Background(), tt.source)
			var inputErr *InputError
			if !errors.As(err, &inputErr) {
				t.Fatalf("Decode() error = %v, want *InputError", err)
			}
			if inputErr.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q (err: %v)", inputErr.Stage, tt.stage, err)
			}
		})
	}
}

// withDeclaredSize rewrites the IHDR chunk of a PNG so its header claims
// w x h while the pixel data stays tiny.
func withDeclaredSize(t *testing.T, raw []byte, w, h uint32) []byte {
	t.Helper()
	if len(raw) < 33 || string(raw[12:16]) != "IHDR" {
		t.Fatalf("not a PNG with a leading IHDR chunk")
	}
	out := append([]byte(nil), raw...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestCodec_RejectsDecompressionBomb(t *testing.T) {
	bomb := withDeclaredSize(t, pngBytes(t, image.NewGray(image.Rect(0, 0, 1, 1))), 40000, 40000)
	if len(bomb) > 1024 {
		t.Fatalf("payload is %d bytes, want a tiny header-only image", len(bomb))
	}

	_, err := NewCodec(nil, 50<<20).Decode(context.Background(), base64.StdEncoding.EncodeToString(bomb))
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("Decode() error = %v, want *InputError", err)
	}
	if inputErr.Stage != StageDecode {
		t.Errorf("Stage = %q, want %q", inputErr.Stage, StageDecode)
	}
	if !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("Decode() error = %v, want ErrTooManyPixels", err)
	}
}

func TestCodec_MaxPixels(t *testing.T) {
	source := base64.StdEncoding.EncodeToString(pngBytes(t, checker(20, 10)))

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{"under limit", 201, false},
		{"at limit", 200, false},
		{"over limit", 199, true},
		{"disabled", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := NewCodec(nil, 0, WithMaxPixels(tt.limit)).Decode(context.Background(), source)
			if tt.wantErr {
				if !errors.Is(err, ErrTooManyPixels) {
					t.Fatalf("Decode() error = %v, want ErrTooManyPixels", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if buf.Width != 20 || buf.Height != 10 {
				t.Errorf("got %dx%d, want 20x10", buf.Width, buf.Height)
			}
		})
	}
}

func TestCodec_DropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	source := base64.StdEncoding.EncodeToString(pngBytes(t, img))

	buf, err := NewCodec(nil, 0).Decode(context.Background(), source)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(buf.Pix) != 3 {
		t.Fatalf("len(Pix) = %d, want 3", len(buf.Pix))
	}
	if !bytes.Equal(buf.Pix, []byte{10, 20, 30}) {
		t.Errorf("Pix = %v, want straight color [10 20 30]", buf.Pix)
	}
}

func TestCodec_DecodesJPEG(t *testing.T) {
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, checker(16, 8), nil); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	buf, err := NewCodec(nil, 0).Decode(context.Background(), base64.StdEncoding.EncodeToString(jpg.Bytes()))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if buf.Width != 16 || buf.Height != 8 {
		t.Errorf("got %dx%d, want 16x8", buf.Width, buf.Height)
	}
}

func TestEncode_RoundTripProperty(t *testing.T) {
	codec := NewCodec(nil, 0)
	rapid.Check(t, func(rt *rapid.T) {
		w := rapid.IntRange(1, 24).Draw(rt, "width")
		h := rapid.IntRange(1, 24).Draw(rt, "height")
		pix := make([]byte, w*h*3)
		for i := range pix {
			pix[i] = byte(rapid.IntRange(0, 255).Draw(rt, "sample"))
		}
		format := rapid.SampledFrom([]string{FormatPNG, FormatBMP, FormatTIFF, ""}).Draw(rt, "format")

		in := &Buffer{Pix: pix, Width: w, Height: h, Mode: ModeRGB}
		encoded, err := Encode(in, format)
		if err != nil {
			rt.Fatalf("Encode(%q) error = %v", format, err)
		}
		out, err := codec.Decode(context.Background(), encoded)
		if err != nil {
			rt.Fatalf("Decode() error = %v", err)
		}
		if out.Width != w || out.Height != h {
			rt.Fatalf("size = %dx%d, want %dx%d", out.Width, out.Height, w, h)
		}
		if !bytes.Equal(out.Pix, in.Pix) {
			rt.Fatalf("pixels changed through %q round trip", format)
		}
	})
}

func TestEncode_Errors(t *testing.T) {
	good := &Buffer{Pix: make([]byte, 12), Width: 2, Height: 2, Mode: ModeRGB}
	if _, err := Encode(good, "jpeg"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Encode(jpeg) error = %v, want ErrUnsupportedFormat", err)
	}
	bad := &Buffer{Pix: make([]byte, 5), Width: 2, Height: 2}
	if _, err := Encode(bad, FormatPNG); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("Encode(short pix) error = %v, want ErrInvalidDimensions", err)
	}
	s, err := Encode(good, "PNG")
	if err != nil || strings.HasPrefix(s, "data:") {
		t.Errorf("Encode(PNG) = %q, %v; want plain base64", s[:min(len(s), 16)], err)
	}
}

func TestResize(t *testing.T) {
	src := FromImage(checker(10, 6))

	out, err := Resize(src, 20, 12)
	if err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if out.Width != 20 || out.Height != 12 || len(out.Pix) != 20*12*3 {
		t.Errorf("Resize() = %dx%d (%d bytes), want 20x12", out.Width, out.Height, len(out.Pix))
	}

	same, _ := Resize(src, 10, 6)
	if same != src {
		t.Error("Resize to the same size should return the input")
	}

	if _, err := Resize(src, 0, 5); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("Resize(0,5) error = %v, want ErrInvalidDimensions", err)
	}
}
