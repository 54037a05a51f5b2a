package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// RawImage is a decoded submission photograph. Its pixels are private and
// never modified; preprocessing works on copies.
type RawImage struct {
	pix    *image.RGBA
	format string
}

// DecodeRawImage decodes PNG, JPEG, GIF, BMP, TIFF or WebP bytes
func DecodeRawImage(data []byte) (*RawImage, error) {
	if len(data) == 0 {
		return nil, errors.NewInvalidImageError("", "empty image data", nil)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewInvalidImageError("", "image cannot be decoded", err)
	}

	raw, err := NewRawImage(img)
	if err != nil {
		return nil, err
	}
	raw.format = format
	return raw, nil
}

// NewRawImage copies img into a RawImage
func NewRawImage(img image.Image) (*RawImage, error) {
	if img == nil {
		return nil, errors.NewInvalidImageError("", "no image", nil)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.NewInvalidImageError("", fmt.Sprintf("zero-area image %dx%d", b.Dx(), b.Dy()), nil)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &RawImage{pix: rgba, format: "memory"}, nil
}

// Width returns the image width in pixels
func (r *RawImage) Width() int { return r.pix.Rect.Dx() }

// Height returns the image height in pixels
func (r *RawImage) Height() int { return r.pix.Rect.Dy() }

// Format is the decoder name ("png", "jpeg", ...), or "memory"
func (r *RawImage) Format() string { return r.format }

// rgbaCopy returns a fresh copy of the RGBA pixel buffer
func (r *RawImage) rgbaCopy() []byte {
	out := make([]byte, len(r.pix.Pix))
	copy(out, r.pix.Pix)
	return out
}

func (r *RawImage) empty() bool {
	return r == nil || r.pix == nil || r.pix.Rect.Empty()
}
