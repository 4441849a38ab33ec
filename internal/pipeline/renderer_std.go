package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/canvasflow/internal/imageformat"
	_ "golang.org/x/image/webp"
)

type stdlibRenderer struct{}

func (stdlibRenderer) Decode(data []byte) (SourceImage, error) {
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return SourceImage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return newSourceImage(img, imageformat.Parse(name))
}

func (stdlibRenderer) Resample(src image.Image, width, height int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return imaging.Clone(src)
	}
	return imaging.Resize(src, width, height, imaging.Lanczos)
}

func (stdlibRenderer) Convert(src image.Image, mode ColorMode) image.Image {
	switch mode {
	case ColorRGB:
		return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
			c.A = 0xff
			return c
		})
	case ColorGray:
		return imaging.Grayscale(src)
	default:
		return imaging.Clone(src)
	}
}

func (stdlibRenderer) NewCanvas(width, height int, alpha bool, fill color.Color) image.Image {
	c := color.NRGBAModel.Convert(fill).(color.NRGBA)
	if !alpha {
		c.A = 0xff
	}
	return imaging.New(width, height, c)
}

func (stdlibRenderer) Composite(dst, src image.Image, at image.Point, useAlpha bool) image.Image {
	if useAlpha {
		return imaging.Overlay(dst, src, at, 1.0)
	}
	return imaging.Paste(dst, src, at)
}

func (stdlibRenderer) Encode(img image.Image, policy imageformat.Policy) ([]byte, error) {
	var buf bytes.Buffer

	switch policy.Format {
	case imageformat.JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: qualityOrDefault(policy.Quality)}); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncode, err)
		}
	case imageformat.PNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if policy.Optimize {
			encoder.CompressionLevel = png.BestCompression
		}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
	case imageformat.WEBP:
		if err := encodeWebP(&buf, img, qualityOrDefault(policy.Quality)); err != nil {
			return nil, fmt.Errorf("%w: webp: %v", ErrEncode, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported output format %q", ErrEncode, policy.Format)
	}

	return buf.Bytes(), nil
}

func qualityOrDefault(quality int) int {
	if quality <= 0 || quality > 100 {
		return imageformat.DefaultQuality
	}
	return quality
}
