package geometry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidDimension = errors.New("invalid dimension")
	ErrDegenerateScale  = errors.New("degenerate scale")
)

// MaxSide bounds every width and height the solver accepts or produces. It is
// the largest side JPEG can encode, and keeps all cross products well inside
// int64.
const MaxSide = 65535

type Mode string

const (
	ModeFitInBox        Mode = "fit_in_box"
	ModeFixedInnerWidth Mode = "fixed_inner_width"
	ModeMaskOnCanvas    Mode = "mask_on_canvas"
)

// Placement describes where resampled content lands on the final canvas.
//
// For every mode PaddingLeft+NewWidth+PaddingRight == CanvasWidth and
// PaddingTop+NewHeight+PaddingBottom == CanvasHeight. When the leftover on
// an axis is odd the extra pixel is on the trailing side.
type Placement struct {
	Mode Mode

	// Scale is zero in mask mode, where nothing is resampled.
	Scale float64

	OriginalWidth  int
	OriginalHeight int
	NewWidth       int
	NewHeight      int
	CanvasWidth    int
	CanvasHeight   int

	OffsetLeft int
	OffsetTop  int

	PaddingLeft   int
	PaddingRight  int
	PaddingTop    int
	PaddingBottom int

	Adjusted bool
	Reasons  []string
}

func (p *Placement) center() {
	p.OffsetLeft = (p.CanvasWidth - p.NewWidth) / 2
	p.OffsetTop = (p.CanvasHeight - p.NewHeight) / 2
	p.PaddingLeft = p.OffsetLeft
	p.PaddingTop = p.OffsetTop
	p.PaddingRight = p.CanvasWidth - p.NewWidth - p.OffsetLeft
	p.PaddingBottom = p.CanvasHeight - p.NewHeight - p.OffsetTop
}

func (p *Placement) adjust(reason string) {
	p.Adjusted = true
	p.Reasons = append(p.Reasons, reason)
}

// Message joins the adjustment reasons the way they are reported to callers.
func (p Placement) Message() string {
	return strings.Join(p.Reasons, "; ")
}

// Headers renders the placement as response metadata.
func (p Placement) Headers() map[string]string {
	h := map[string]string{
		"X-Scaled-Image-Size": size(p.NewWidth, p.NewHeight),
		"X-Canvas-Size":       size(p.CanvasWidth, p.CanvasHeight),
		"X-Padding-Left":      strconv.Itoa(p.PaddingLeft),
		"X-Padding-Right":     strconv.Itoa(p.PaddingRight),
		"X-Padding-Top":       strconv.Itoa(p.PaddingTop),
		"X-Padding-Bottom":    strconv.Itoa(p.PaddingBottom),
		"X-Adjusted":          strconv.FormatBool(p.Adjusted),
	}
	if p.Mode != ModeMaskOnCanvas {
		h["X-Original-Size"] = size(p.OriginalWidth, p.OriginalHeight)
		h["X-Scale-Factor"] = fmt.Sprintf("%.4f", p.Scale)
	}
	if p.Adjusted {
		h["X-Message"] = p.Message()
	}
	return h
}

func size(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

func checkDimensions(fields ...dimension) error {
	for _, f := range fields {
		switch {
		case f.value <= 0:
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidDimension, f.name, f.value)
		case f.value > MaxSide:
			return fmt.Errorf("%w: %s must be <= %d, got %d", ErrInvalidDimension, f.name, MaxSide, f.value)
		}
	}
	return nil
}

type dimension struct {
	name  string
	value int
}
