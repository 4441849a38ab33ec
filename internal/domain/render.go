package domain

import (
	"fmt"
	"strings"

	"github.com/dunamismax/canvasflow/internal/geometry"
)

// RenderSpec is the wire form of a compositor target.
type RenderSpec struct {
	Mode            string `json:"mode"`
	TargetWidth     int    `json:"target_width,omitempty"`
	TargetHeight    int    `json:"target_height,omitempty"`
	InnerWidth      int    `json:"inner_width,omitempty"`
	CanvasWidth     int    `json:"canvas_width,omitempty"`
	CanvasHeight    int    `json:"canvas_height,omitempty"`
	MaskWidth       int    `json:"mask_width,omitempty"`
	MaskHeight      int    `json:"mask_height,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
}

func (r RenderSpec) Target() (geometry.Target, error) {
	var target geometry.Target
	switch geometry.Mode(strings.ToLower(strings.TrimSpace(r.Mode))) {
	case geometry.ModeFitInBox:
		target = geometry.FitInBox{Width: r.TargetWidth, Height: r.TargetHeight}
	case geometry.ModeFixedInnerWidth:
		target = geometry.FixedInnerWidth{InnerWidth: r.InnerWidth, CanvasWidth: r.CanvasWidth}
	case geometry.ModeMaskOnCanvas:
		target = geometry.MaskOnCanvas{
			CanvasWidth:  r.CanvasWidth,
			CanvasHeight: r.CanvasHeight,
			MaskWidth:    r.MaskWidth,
			MaskHeight:   r.MaskHeight,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, r.Mode)
	}

	if err := target.Validate(); err != nil {
		return nil, err
	}
	return target, nil
}

// NeedsSource reports whether the mode resamples an input image.
func (r RenderSpec) NeedsSource() bool {
	return geometry.Mode(strings.ToLower(strings.TrimSpace(r.Mode))) != geometry.ModeMaskOnCanvas
}
