package colorspec

import (
	"errors"
	"image/color"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{"", color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{"white", color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{"Black", color.NRGBA{A: 255}},
		{"#FF0000", color.NRGBA{R: 255, A: 255}},
		{"#0f0", color.NRGBA{G: 255, A: 255}},
		{"#0000ff80", color.NRGBA{B: 255, A: 0x80}},
		{"#1238", color.NRGBA{R: 0x11, G: 0x22, B: 0x33, A: 0x88}},
		{"rgb(12, 34, 56)", color.NRGBA{R: 12, G: 34, B: 56, A: 255}},
		{"rgba(1,2,3,0)", color.NRGBA{R: 1, G: 2, B: 3}},
		{"  lightgray ", color.NRGBA{R: 211, G: 211, B: 211, A: 255}},
	}

	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q): expected %+v, got %+v", tc.in, tc.want, got)
		}
	}
}

func TestParseRejectsUnresolvable(t *testing.T) {
	for _, in := range []string{
		"not-a-colour",
		"#12",
		"#zzzzzz",
		"rgb(1,2)",
		"rgb(1,2,300)",
		"rgba(1,2,3",
	} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidColor) {
			t.Fatalf("Parse(%q): expected ErrInvalidColor, got %v", in, err)
		}
	}
}
