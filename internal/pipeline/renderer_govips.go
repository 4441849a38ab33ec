//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/canvasflow/internal/imageformat"
)

// govipsRenderer decodes and encodes through libvips. Geometry work stays on
// the imaging buffers of the embedded stdlib renderer.
type govipsRenderer struct {
	stdlibRenderer
}

func (r govipsRenderer) Decode(data []byte) (SourceImage, error) {
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return SourceImage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer ref.Close()

	raw, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return SourceImage{}, fmt.Errorf("%w: bridge to png: %v", ErrDecode, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return SourceImage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return newSourceImage(img, formatFromVips(vips.DetermineImageType(data)))
}

func (r govipsRenderer) Encode(img image.Image, policy imageformat.Policy) ([]byte, error) {
	var raw bytes.Buffer
	bridge := png.Encoder{CompressionLevel: png.NoCompression}
	if err := bridge.Encode(&raw, img); err != nil {
		return nil, fmt.Errorf("%w: bridge to png: %v", ErrEncode, err)
	}

	ref, err := vips.NewImageFromBuffer(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: load bridge image: %v", ErrEncode, err)
	}
	defer ref.Close()

	switch policy.Format {
	case imageformat.JPEG:
		params := vips.NewJpegExportParams()
		params.Quality = qualityOrDefault(policy.Quality)
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncode, err)
		}
		return data, nil
	case imageformat.WEBP:
		params := vips.NewWebpExportParams()
		params.Quality = qualityOrDefault(policy.Quality)
		data, _, err := ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("%w: webp: %v", ErrEncode, err)
		}
		return data, nil
	case imageformat.PNG:
		params := vips.NewPngExportParams()
		if policy.Optimize {
			params.Compression = 9
		}
		data, _, err := ref.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unsupported output format %q", ErrEncode, policy.Format)
	}
}

func formatFromVips(t vips.ImageType) imageformat.Format {
	switch t {
	case vips.ImageTypeJPEG:
		return imageformat.JPEG
	case vips.ImageTypePNG:
		return imageformat.PNG
	case vips.ImageTypeWEBP:
		return imageformat.WEBP
	default:
		return imageformat.Unknown
	}
}
