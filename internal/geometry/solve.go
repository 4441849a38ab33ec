package geometry

import "fmt"

// Target selects one of the three placement strategies.
type Target interface {
	Mode() Mode
	Validate() error
	solve(origW, origH int) (Placement, error)
}

type FitInBox struct {
	Width  int
	Height int
}

func (FitInBox) Mode() Mode { return ModeFitInBox }

func (t FitInBox) Validate() error {
	return checkDimensions(dimension{"target_width", t.Width}, dimension{"target_height", t.Height})
}

func (t FitInBox) solve(origW, origH int) (Placement, error) {
	return SolveFitInBox(origW, origH, t.Width, t.Height)
}

type FixedInnerWidth struct {
	InnerWidth  int
	CanvasWidth int
}

func (FixedInnerWidth) Mode() Mode { return ModeFixedInnerWidth }

func (t FixedInnerWidth) Validate() error {
	return checkDimensions(dimension{"inner_width", t.InnerWidth}, dimension{"canvas_width", t.CanvasWidth})
}

func (t FixedInnerWidth) solve(origW, origH int) (Placement, error) {
	return SolveFixedInnerWidth(origW, origH, t.InnerWidth, t.CanvasWidth)
}

type MaskOnCanvas struct {
	CanvasWidth  int
	CanvasHeight int
	MaskWidth    int
	MaskHeight   int
}

func (MaskOnCanvas) Mode() Mode { return ModeMaskOnCanvas }

func (t MaskOnCanvas) Validate() error {
	return checkDimensions(
		dimension{"canvas_width", t.CanvasWidth},
		dimension{"canvas_height", t.CanvasHeight},
		dimension{"mask_width", t.MaskWidth},
		dimension{"mask_height", t.MaskHeight},
	)
}

func (t MaskOnCanvas) solve(_, _ int) (Placement, error) {
	return SolveMaskOnCanvas(t.CanvasWidth, t.CanvasHeight, t.MaskWidth, t.MaskHeight)
}

// Solve computes the placement for target. origW and origH are ignored in
// mask mode.
func Solve(target Target, origW, origH int) (Placement, error) {
	if target == nil {
		return Placement{}, fmt.Errorf("%w: target is required", ErrInvalidDimension)
	}
	return target.solve(origW, origH)
}

// SolveFitInBox scales the original to fit inside the target box without
// distortion and centres it. The canvas is always exactly the target box.
func SolveFitInBox(origW, origH, targetW, targetH int) (Placement, error) {
	if err := checkDimensions(
		dimension{"original_width", origW},
		dimension{"original_height", origH},
		dimension{"target_width", targetW},
		dimension{"target_height", targetH},
	); err != nil {
		return Placement{}, err
	}

	// targetW/origW <= targetH/origH, cross-multiplied to stay exact.
	widthBound := int64(targetW)*int64(origH) <= int64(targetH)*int64(origW)

	var newW, newH int
	var scale float64
	if widthBound {
		scale = float64(targetW) / float64(origW)
		newW = targetW
		newH = int(int64(origH) * int64(targetW) / int64(origW))
	} else {
		scale = float64(targetH) / float64(origH)
		newW = int(int64(origW) * int64(targetH) / int64(origH))
		newH = targetH
	}
	if newW < 1 || newH < 1 {
		return Placement{}, fmt.Errorf("%w: %dx%d into %dx%d yields %dx%d", ErrDegenerateScale, origW, origH, targetW, targetH, newW, newH)
	}

	p := Placement{
		Mode:           ModeFitInBox,
		Scale:          scale,
		OriginalWidth:  origW,
		OriginalHeight: origH,
		NewWidth:       newW,
		NewHeight:      newH,
		CanvasWidth:    targetW,
		CanvasHeight:   targetH,
	}
	p.center()
	return p, nil
}

// SolveFixedInnerWidth scales the original to exactly innerW pixels wide and
// centres it horizontally on a canvas of canvasW, growing the canvas when it
// is narrower than the content. There is no vertical padding.
func SolveFixedInnerWidth(origW, origH, innerW, canvasW int) (Placement, error) {
	if err := checkDimensions(
		dimension{"original_width", origW},
		dimension{"original_height", origH},
		dimension{"inner_width", innerW},
		dimension{"canvas_width", canvasW},
	); err != nil {
		return Placement{}, err
	}

	newH := roundHalfEven(int64(origH)*int64(innerW), int64(origW))
	if newH < 1 {
		newH = 1
	}
	if newH > MaxSide {
		return Placement{}, fmt.Errorf("%w: %dx%d at inner_width %d is %d tall, limit %d", ErrInvalidDimension, origW, origH, innerW, newH, MaxSide)
	}

	p := Placement{
		Mode:           ModeFixedInnerWidth,
		Scale:          float64(innerW) / float64(origW),
		OriginalWidth:  origW,
		OriginalHeight: origH,
		NewWidth:       innerW,
		NewHeight:      newH,
		CanvasWidth:    canvasW,
		CanvasHeight:   newH,
	}
	if canvasW < innerW {
		p.CanvasWidth = innerW
		p.adjust(fmt.Sprintf("canvas_width %d is smaller than inner_width %d; canvas widened to %d", canvasW, innerW, innerW))
	}
	p.center()
	return p, nil
}

// SolveMaskOnCanvas centres a mask rectangle on the canvas, clamping each
// mask axis independently to the canvas.
func SolveMaskOnCanvas(canvasW, canvasH, maskW, maskH int) (Placement, error) {
	if err := checkDimensions(
		dimension{"canvas_width", canvasW},
		dimension{"canvas_height", canvasH},
		dimension{"mask_width", maskW},
		dimension{"mask_height", maskH},
	); err != nil {
		return Placement{}, err
	}

	p := Placement{
		Mode:         ModeMaskOnCanvas,
		NewWidth:     maskW,
		NewHeight:    maskH,
		CanvasWidth:  canvasW,
		CanvasHeight: canvasH,
	}
	if maskW > canvasW {
		p.NewWidth = canvasW
		p.adjust("mask_width cannot exceed canvas_width; clamped to canvas")
	}
	if maskH > canvasH {
		p.NewHeight = canvasH
		p.adjust("mask_height cannot exceed canvas_height; clamped to canvas")
	}
	p.center()
	return p, nil
}

// roundHalfEven returns num/den rounded to the nearest integer, ties to even.
// num and den must be positive.
func roundHalfEven(num, den int64) int {
	q, r := num/den, num%den
	switch {
	case 2*r > den:
		q++
	case 2*r == den && q%2 == 1:
		q++
	}
	return int(q)
}
