package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/dunamismax/canvasflow/internal/colorspec"
	"github.com/dunamismax/canvasflow/internal/geometry"
	"github.com/dunamismax/canvasflow/internal/imageformat"
)

// DefaultMaxCanvasPixels caps the area of one output canvas, about 200 MB
// of NRGBA.
const DefaultMaxCanvasPixels = 50_000_000

// Compositor places source images on constrained canvases. It holds no
// per-request state and is safe for concurrent use.
type Compositor struct {
	renderer  Renderer
	maxPixels int64
}

type CompositorOption func(*Compositor)

// WithMaxCanvasPixels overrides DefaultMaxCanvasPixels. Values <= 0 keep the
// default.
func WithMaxCanvasPixels(n int64) CompositorOption {
	return func(c *Compositor) {
		if n > 0 {
			c.maxPixels = n
		}
	}
}

func NewCompositor(renderer Renderer, opts ...CompositorOption) *Compositor {
	c := &Compositor{renderer: renderer, maxPixels: DefaultMaxCanvasPixels}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDefaultCompositor uses the renderer selected at build time.
func NewDefaultCompositor(opts ...CompositorOption) (*Compositor, error) {
	renderer, err := newRenderer()
	if err != nil {
		return nil, fmt.Errorf("build renderer: %w", err)
	}
	return NewCompositor(renderer, opts...), nil
}

type RenderRequest struct {
	Target geometry.Target
	// Source holds the encoded input. Unused in mask mode.
	Source []byte
	// Background is a colour string; empty means white. Unused in mask mode.
	Background string
}

type Result struct {
	Data      []byte
	Format    imageformat.Format
	MediaType string
	Placement geometry.Placement
}

// Canvas is a composed but not yet encoded image.
type Canvas struct {
	Image        image.Image
	Placement    geometry.Placement
	HasAlpha     bool
	SourceFormat imageformat.Format
}

// Render decodes, composes and encodes in one call. It either returns a
// complete Result or an error, never partial output.
func (c *Compositor) Render(ctx context.Context, req RenderRequest) (Result, error) {
	if req.Target == nil {
		return Result{}, fmt.Errorf("%w: target is required", geometry.ErrInvalidDimension)
	}
	if err := req.Target.Validate(); err != nil {
		return Result{}, err
	}
	if w, h, ok := fixedCanvas(req.Target); ok {
		if err := c.checkArea(w, h); err != nil {
			return Result{}, err
		}
	}

	var (
		src        *SourceImage
		background color.Color = color.White
	)
	if req.Target.Mode() != geometry.ModeMaskOnCanvas {
		bg, err := colorspec.Parse(req.Background)
		if err != nil {
			return Result{}, err
		}
		background = bg

		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if len(req.Source) == 0 {
			return Result{}, ErrMissingSource
		}
		decoded, err := c.renderer.Decode(req.Source)
		if err != nil {
			return Result{}, err
		}
		src = &decoded
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	canvas, err := c.Compose(req.Target, src, background)
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	policy := imageformat.Select(canvas.HasAlpha, canvas.SourceFormat)
	data, err := c.renderer.Encode(canvas.Image, policy)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Data:      data,
		Format:    policy.Format,
		MediaType: policy.MediaType,
		Placement: canvas.Placement,
	}, nil
}

// Compose solves the placement for target and draws the canvas. src may be
// nil in mask mode, where background is ignored.
func (c *Compositor) Compose(target geometry.Target, src *SourceImage, background color.Color) (Canvas, error) {
	if target == nil {
		return Canvas{}, fmt.Errorf("%w: target is required", geometry.ErrInvalidDimension)
	}
	if target.Mode() == geometry.ModeMaskOnCanvas {
		return c.composeMask(target)
	}
	if src == nil || src.Image == nil {
		return Canvas{}, ErrMissingSource
	}

	placement, err := geometry.Solve(target, src.Width, src.Height)
	if err != nil {
		return Canvas{}, err
	}
	if err := c.checkArea(placement.CanvasWidth, placement.CanvasHeight); err != nil {
		return Canvas{}, err
	}

	resampled := c.renderer.Resample(src.Image, placement.NewWidth, placement.NewHeight)
	canvas := c.renderer.NewCanvas(placement.CanvasWidth, placement.CanvasHeight, src.HasAlpha, background)
	at := image.Pt(placement.OffsetLeft, placement.OffsetTop)

	if src.HasAlpha {
		canvas = c.renderer.Composite(canvas, resampled, at, true)
	} else {
		canvas = c.renderer.Composite(canvas, c.renderer.Convert(resampled, ColorRGB), at, false)
	}

	return Canvas{
		Image:        canvas,
		Placement:    placement,
		HasAlpha:     src.HasAlpha,
		SourceFormat: src.Format,
	}, nil
}

func (c *Compositor) composeMask(target geometry.Target) (Canvas, error) {
	placement, err := geometry.Solve(target, 0, 0)
	if err != nil {
		return Canvas{}, err
	}
	if err := c.checkArea(placement.CanvasWidth, placement.CanvasHeight); err != nil {
		return Canvas{}, err
	}

	canvas := c.renderer.NewCanvas(placement.CanvasWidth, placement.CanvasHeight, false, color.White)
	mask := c.renderer.NewCanvas(placement.NewWidth, placement.NewHeight, false, color.Black)
	canvas = c.renderer.Composite(canvas, mask, image.Pt(placement.OffsetLeft, placement.OffsetTop), false)

	return Canvas{
		Image:        canvas,
		Placement:    placement,
		SourceFormat: imageformat.PNG,
	}, nil
}

// checkArea rejects canvases the renderer should never be asked to allocate.
func (c *Compositor) checkArea(width, height int) error {
	limit := c.maxPixels
	if limit <= 0 {
		limit = DefaultMaxCanvasPixels
	}
	if area := int64(width) * int64(height); area > limit {
		return fmt.Errorf("%w: canvas %dx%d is %d pixels, limit %d", geometry.ErrInvalidDimension, width, height, area, limit)
	}
	return nil
}

// fixedCanvas reports the canvas size of targets that do not depend on the
// source, so oversized requests fail before decoding.
func fixedCanvas(target geometry.Target) (int, int, bool) {
	switch t := target.(type) {
	case geometry.FitInBox:
		return t.Width, t.Height, true
	case geometry.MaskOnCanvas:
		return t.CanvasWidth, t.CanvasHeight, true
	}
	return 0, 0, false
}
