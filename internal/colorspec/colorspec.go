// Package colorspec resolves background colour strings such as "white",
// "#ff0000" or "rgb(12, 34, 56)".
package colorspec

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

var ErrInvalidColor = errors.New("invalid color")

// Default is used when no colour is supplied.
const Default = "white"

func Parse(in string) (color.NRGBA, error) {
	s := strings.ToLower(strings.TrimSpace(in))
	if s == "" {
		s = Default
	}

	if strings.HasPrefix(s, "#") {
		return parseHex(in, s[1:])
	}
	if strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba(") {
		return parseFunctional(in, s)
	}

	named, ok := colornames.Map[strings.ReplaceAll(s, " ", "")]
	if !ok {
		return color.NRGBA{}, fmt.Errorf("%w: unknown color name %q", ErrInvalidColor, in)
	}
	return color.NRGBA{R: named.R, G: named.G, B: named.B, A: named.A}, nil
}

func parseHex(raw, digits string) (color.NRGBA, error) {
	switch len(digits) {
	case 3, 4:
		expanded := make([]byte, 0, len(digits)*2)
		for i := 0; i < len(digits); i++ {
			expanded = append(expanded, digits[i], digits[i])
		}
		digits = string(expanded)
	case 6, 8:
	default:
		return color.NRGBA{}, fmt.Errorf("%w: %q must have 3, 4, 6 or 8 hex digits", ErrInvalidColor, raw)
	}

	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q is not hexadecimal", ErrInvalidColor, raw)
	}
	if len(digits) == 6 {
		v = v<<8 | 0xff
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

func parseFunctional(raw, s string) (color.NRGBA, error) {
	open := strings.IndexByte(s, '(')
	if !strings.HasSuffix(s, ")") {
		return color.NRGBA{}, fmt.Errorf("%w: %q is missing a closing parenthesis", ErrInvalidColor, raw)
	}
	name := s[:open]
	parts := strings.Split(s[open+1:len(s)-1], ",")

	want := 3
	if name == "rgba" {
		want = 4
	}
	if len(parts) != want {
		return color.NRGBA{}, fmt.Errorf("%w: %q expects %d components", ErrInvalidColor, raw, want)
	}

	var channels [4]uint8
	channels[3] = 0xff
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 255 {
			return color.NRGBA{}, fmt.Errorf("%w: %q component %d must be 0-255", ErrInvalidColor, raw, i+1)
		}
		channels[i] = uint8(n)
	}
	return color.NRGBA{R: channels[0], G: channels[1], B: channels[2], A: channels[3]}, nil
}
