package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/dunamismax/canvasflow/internal/imageformat"
)

var (
	ErrDecode        = errors.New("decode image")
	ErrEncode        = errors.New("encode image")
	ErrMissingSource = errors.New("source image is required")
)

type ColorMode int

const (
	ColorRGB ColorMode = iota
	ColorRGBA
	ColorPalette
	ColorGray
)

func (m ColorMode) String() string {
	switch m {
	case ColorRGBA:
		return "rgba"
	case ColorPalette:
		return "palette"
	case ColorGray:
		return "gray"
	default:
		return "rgb"
	}
}

// SourceImage is a decoded input. HasAlpha is derived once at decode time
// and never recomputed.
type SourceImage struct {
	Image     image.Image
	Width     int
	Height    int
	ColorMode ColorMode
	Format    imageformat.Format
	HasAlpha  bool
}

// Renderer is the pixel buffer capability the compositor is built on.
// Buffers returned by one method may be passed to any other; inputs are
// never modified.
type Renderer interface {
	Decode(data []byte) (SourceImage, error)
	Resample(src image.Image, width, height int) image.Image
	Convert(src image.Image, mode ColorMode) image.Image
	NewCanvas(width, height int, alpha bool, fill color.Color) image.Image
	Composite(dst, src image.Image, at image.Point, useAlpha bool) image.Image
	Encode(img image.Image, policy imageformat.Policy) ([]byte, error)
}

func newSourceImage(img image.Image, format imageformat.Format) (SourceImage, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return SourceImage{}, fmt.Errorf("%w: source image has invalid dimensions %dx%d", ErrDecode, bounds.Dx(), bounds.Dy())
	}

	mode, hasAlpha := inspectColor(img)
	return SourceImage{
		Image:     img,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		ColorMode: mode,
		Format:    format,
		HasAlpha:  hasAlpha,
	}, nil
}

type opaquer interface {
	Opaque() bool
}

// inspectColor classifies the colour model and reports whether any
// transparency is present. Go decoders return RGBA buffers for plain RGB
// files too, so those are scanned rather than trusted by type.
func inspectColor(img image.Image) (ColorMode, bool) {
	switch src := img.(type) {
	case *image.Paletted:
		for _, c := range src.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return ColorPalette, true
			}
		}
		return ColorPalette, false
	case *image.Gray, *image.Gray16:
		return ColorGray, false
	case *image.YCbCr, *image.CMYK:
		return ColorRGB, false
	case opaquer:
		// Alpha is judged by pixel coverage, not by the channel's presence:
		// a fully opaque RGBA file is treated as RGB and keeps its format.
		if src.Opaque() {
			return ColorRGB, false
		}
		return ColorRGBA, true
	default:
		return ColorRGBA, true
	}
}
