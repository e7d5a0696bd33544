// Package images turns uploaded bytes into a decoded 3-channel image.
//
// Uploads are size checked while they are read, so an oversized request is
// rejected after at most MaxImageSize+1 bytes, never after buffering all of it.
package images

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	// imaging registers jpeg, png, gif, bmp and tiff
	_ "golang.org/x/image/webp"
)

const (
	MaxImageSize = 10 << 20
	Channels     = 3

	// MaxPixels rejects images whose decoded size would dwarf the upload,
	// at the same bound PIL treats as a decompression bomb.
	MaxPixels = 2 * 89478485
)

var (
	ErrEmptyPayload    = errors.New("empty file")
	ErrPayloadTooLarge = errors.Errorf("file too large (max %s)", humanize.IBytes(MaxImageSize))
)

// DecodeError is returned when the payload is not a readable image.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to load image: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Validate checks an already buffered payload.
func Validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if len(data) > MaxImageSize {
		return ErrPayloadTooLarge
	}
	return nil
}

// ReadLimited reads an upload, stopping as soon as it is known to exceed
// MaxImageSize. Errors from the underlying reader are returned unchanged.
func ReadLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	if n > MaxImageSize {
		return nil, ErrPayloadTooLarge
	}
	data := buf.Bytes()
	if err := Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodedImage is a packed RGB image, 3 bytes per pixel, row major.
type DecodedImage struct {
	Width  int
	Height int
	Pix    []byte
}

// Decode reads the header first and refuses images above MaxPixels before
// any pixel memory is allocated.
func Decode(data []byte) (*DecodedImage, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, &DecodeError{Cause: errors.Errorf("image size %dx%d exceeds the limit of %s pixels",
			cfg.Width, cfg.Height, humanize.Comma(MaxPixels))}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Cause: errors.New("image has no pixels")}
	}
	return FromImage(img), nil
}

// FromImage converts any image to packed RGB. Palette and greyscale images
// are expanded, alpha is dropped from the straight (non-premultiplied) colour.
func FromImage(img image.Image) *DecodedImage {
	src := imaging.Clone(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	d := &DecodedImage{
		Width:  w,
		Height: h,
		Pix:    make([]byte, w*h*Channels),
	}
	for y := 0; y < h; y++ {
		in := src.Pix[y*src.Stride : y*src.Stride+w*4]
		out := d.Pix[y*w*Channels : (y+1)*w*Channels]
		for x := 0; x < w; x++ {
			out[x*3] = in[x*4]
			out[x*3+1] = in[x*4+1]
			out[x*3+2] = in[x*4+2]
		}
	}
	return d
}

func (d *DecodedImage) ColorModel() color.Model {
	return color.RGBAModel
}

func (d *DecodedImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.Width, d.Height)
}

func (d *DecodedImage) At(x, y int) color.Color {
	if !image.Pt(x, y).In(d.Bounds()) {
		return color.RGBA{}
	}
	i := (y*d.Width + x) * Channels
	return color.RGBA{R: d.Pix[i], G: d.Pix[i+1], B: d.Pix[i+2], A: 0xff}
}

// NRGBA returns an opaque copy that the resampling code can scan directly.
func (d *DecodedImage) NRGBA() *image.NRGBA {
	dst := image.NewNRGBA(d.Bounds())
	for i, j := 0, 0; i < len(d.Pix); i, j = i+3, j+4 {
		dst.Pix[j] = d.Pix[i]
		dst.Pix[j+1] = d.Pix[i+1]
		dst.Pix[j+2] = d.Pix[i+2]
		dst.Pix[j+3] = 0xff
	}
	return dst
}
