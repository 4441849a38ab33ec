package imageformat

import "strings"

type Format string

const (
	Unknown Format = ""
	JPEG    Format = "jpeg"
	PNG     Format = "png"
	WEBP    Format = "webp"
)

// DefaultQuality is used for every lossy encode.
const DefaultQuality = 95

// Parse maps a decoder or user supplied format name to a Format.
func Parse(name string) Format {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpeg", "jpg":
		return JPEG
	case "png":
		return PNG
	case "webp":
		return WEBP
	default:
		return Unknown
	}
}

func (f Format) Extension() string {
	if f == Unknown {
		return string(PNG)
	}
	return string(f)
}

func (f Format) MediaType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	default:
		return "image/png"
	}
}

type Policy struct {
	Format    Format
	Quality   int
	Optimize  bool
	MediaType string
}

// Select picks the output encoding. Anything with transparency is written as
// PNG; opaque images keep a supported original format and fall back to PNG.
func Select(hasAlpha bool, original Format) Policy {
	format := PNG
	if !hasAlpha {
		switch original {
		case JPEG, PNG, WEBP:
			format = original
		}
	}

	policy := Policy{
		Format:    format,
		MediaType: format.MediaType(),
	}
	switch format {
	case JPEG, WEBP:
		policy.Quality = DefaultQuality
	case PNG:
		policy.Optimize = true
	}
	return policy
}
