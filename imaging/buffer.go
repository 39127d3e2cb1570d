// Package imaging decodes job image inputs into RGB buffers and encodes
// generated buffers back to base64.
package imaging

import (
	"errors"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ModeRGB is the only pixel mode produced by this package.
const ModeRGB = "RGB"

var ErrInvalidDimensions = errors.New("imaging: invalid dimensions")

// Buffer is a packed 8-bit RGB raster, row-major, 3 bytes per pixel.
// Buffers returned by Decode are not modified afterwards.
type Buffer struct {
	Pix    []byte
	Width  int
	Height int
	Mode   string
}

// NewBuffer allocates a black RGB buffer.
func NewBuffer(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	return &Buffer{
		Pix:    make([]byte, width*height*3),
		Width:  width,
		Height: height,
		Mode:   ModeRGB,
	}, nil
}

// FromImage converts any image to RGB. Alpha is dropped without compositing,
// so a translucent pixel keeps its straight (non-premultiplied) color.
func FromImage(img image.Image) *Buffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := &Buffer{Pix: make([]byte, w*h*3), Width: w, Height: h, Mode: ModeRGB}

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			out := buf.Pix[y*w*3:]
			for x := 0; x < w; x++ {
				copy(out[x*3:x*3+3], row[x*4:x*4+3])
			}
		}
		return buf
	case *image.RGBA:
		if src.Opaque() {
			for y := 0; y < h; y++ {
				row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
				out := buf.Pix[y*w*3:]
				for x := 0; x < w; x++ {
					copy(out[x*3:x*3+3], row[x*4:x*4+3])
				}
			}
			return buf
		}
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			buf.Pix[i] = c.R
			buf.Pix[i+1] = c.G
			buf.Pix[i+2] = c.B
			i += 3
		}
	}
	return buf
}

// Image returns an opaque NRGBA view of the buffer for encoders and scalers.
func (b *Buffer) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	for p, q := 0, 0; p < len(b.Pix); p, q = p+3, q+4 {
		img.Pix[q] = b.Pix[p]
		img.Pix[q+1] = b.Pix[p+1]
		img.Pix[q+2] = b.Pix[p+2]
		img.Pix[q+3] = 0xff
	}
	return img
}

// Resize scales the buffer to width x height with Catmull-Rom filtering.
// Resizing to the current size returns b unchanged.
func Resize(b *Buffer, width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if width == b.Width && height == b.Height {
		return b, nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	src := b.Image()
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromImage(dst), nil
}
