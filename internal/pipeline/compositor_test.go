package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/dunamismax/canvasflow/internal/colorspec"
	"github.com/dunamismax/canvasflow/internal/geometry"
	"github.com/dunamismax/canvasflow/internal/imageformat"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

func TestRenderFitInBoxKeepsJPEG(t *testing.T) {
	compositor := NewCompositor(stdlibRenderer{})
	source := solidJPEG(t, 800, 600, red)

	res, err := compositor.Render(context.Background(), RenderRequest{
		Target:     geometry.FitInBox{Width: 400, Height: 400},
		Source:     source,
		Background: "#00ff00",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if res.Format != imageformat.JPEG || res.MediaType != "image/jpeg" {
		t.Fatalf("expected jpeg output, got %s (%s)", res.Format, res.MediaType)
	}
	p := res.Placement
	if p.Scale != 0.5 || p.NewWidth != 400 || p.NewHeight != 300 || p.OffsetTop != 50 || p.PaddingBottom != 50 {
		t.Fatalf("unexpected placement: %+v", p)
	}

	out := decode(t, res.Data)
	if out.Bounds().Dx() != 400 || out.Bounds().Dy() != 400 {
		t.Fatalf("expected 400x400 canvas, got %v", out.Bounds())
	}
	assertNear(t, out, 200, 10, green, 40)
	assertNear(t, out, 200, 390, green, 40)
	assertNear(t, out, 200, 200, red, 40)
}

func TestRenderAlphaSourceBlendsAndForcesPNG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 50; x < 100; x++ {
			src.SetNRGBA(x, y, blue)
		}
	}

	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target:     geometry.FitInBox{Width: 200, Height: 100},
		Source:     encodePNG(t, src),
		Background: "red",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if res.Format != imageformat.PNG {
		t.Fatalf("expected png for alpha source, got %s", res.Format)
	}
	if res.Placement.Scale != 1 || res.Placement.OffsetLeft != 50 || res.Placement.PaddingRight != 50 {
		t.Fatalf("unexpected placement: %+v", res.Placement)
	}

	out := decode(t, res.Data)
	assertExact(t, out, 10, 50, red)
	assertExact(t, out, 60, 50, red)
	assertExact(t, out, 140, 50, blue)
	assertExact(t, out, 190, 50, red)
}

func TestRenderPaletteTransparencyCountsAsAlpha(t *testing.T) {
	palette := color.Palette{color.NRGBA{}, green}
	src := image.NewPaletted(image.Rect(0, 0, 10, 10), palette)
	for x := 0; x < 10; x++ {
		src.SetColorIndex(x, 9, 1)
	}

	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target:     geometry.FitInBox{Width: 10, Height: 10},
		Source:     encodePNG(t, src),
		Background: "white",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Format != imageformat.PNG {
		t.Fatalf("expected png, got %s", res.Format)
	}

	out := decode(t, res.Data)
	assertExact(t, out, 5, 0, white)
	assertExact(t, out, 5, 9, green)
}

func TestRenderFixedInnerWidthGrowsCanvas(t *testing.T) {
	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target: geometry.FixedInnerWidth{InnerWidth: 300, CanvasWidth: 200},
		Source: encodePNG(t, solid(150, 200, blue)),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	p := res.Placement
	if !p.Adjusted || p.CanvasWidth != 300 || p.CanvasHeight != 400 || p.OffsetLeft != 0 || p.Scale != 2 {
		t.Fatalf("unexpected placement: %+v", p)
	}
	if res.Format != imageformat.PNG {
		t.Fatalf("expected png to be kept, got %s", res.Format)
	}

	out := decode(t, res.Data)
	if out.Bounds().Dx() != 300 || out.Bounds().Dy() != 400 {
		t.Fatalf("expected 300x400 output, got %v", out.Bounds())
	}
	assertNear(t, out, 150, 200, blue, 2)
}

func TestRenderFixedInnerWidthPadsWithBackground(t *testing.T) {
	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target:     geometry.FixedInnerWidth{InnerWidth: 50, CanvasWidth: 151},
		Source:     encodePNG(t, solid(100, 50, blue)),
		Background: "black",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	p := res.Placement
	if p.Adjusted || p.OffsetLeft != 50 || p.PaddingRight != 51 || p.CanvasHeight != 25 {
		t.Fatalf("unexpected placement: %+v", p)
	}

	out := decode(t, res.Data)
	assertExact(t, out, 49, 12, black)
	assertNear(t, out, 75, 12, blue, 2)
	assertExact(t, out, 100, 12, black)
}

func TestRenderMaskOnCanvas(t *testing.T) {
	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target:     geometry.MaskOnCanvas{CanvasWidth: 500, CanvasHeight: 500, MaskWidth: 600, MaskHeight: 400},
		Background: "not-a-colour",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if res.Format != imageformat.PNG || res.MediaType != "image/png" {
		t.Fatalf("expected png mask, got %s", res.Format)
	}
	p := res.Placement
	if !p.Adjusted || p.NewWidth != 500 || p.NewHeight != 400 || p.OffsetLeft != 0 || p.OffsetTop != 50 {
		t.Fatalf("unexpected placement: %+v", p)
	}

	out := decode(t, res.Data)
	assertExact(t, out, 250, 49, white)
	assertExact(t, out, 250, 50, black)
	assertExact(t, out, 0, 250, black)
	assertExact(t, out, 250, 449, black)
	assertExact(t, out, 250, 450, white)
}

func TestRenderAlreadyFittedIsPixelIdentical(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 140, A: 255})
		}
	}

	res, err := NewCompositor(stdlibRenderer{}).Render(context.Background(), RenderRequest{
		Target: geometry.FitInBox{Width: 64, Height: 48},
		Source: encodePNG(t, src),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	p := res.Placement
	if p.Scale != 1 || p.OffsetLeft != 0 || p.OffsetTop != 0 {
		t.Fatalf("expected identity placement, got %+v", p)
	}

	out := decode(t, res.Data)
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			want := color.NRGBAModel.Convert(src.At(x, y))
			got := color.NRGBAModel.Convert(out.At(x, y))
			if want != got {
				t.Fatalf("pixel (%d,%d): expected %+v, got %+v", x, y, want, got)
			}
		}
	}
}

func TestRenderErrors(t *testing.T) {
	compositor := NewCompositor(stdlibRenderer{})
	source := encodePNG(t, solid(10, 10, blue))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		req  RenderRequest
		want error
	}{
		{"nil target", context.Background(), RenderRequest{Source: source}, geometry.ErrInvalidDimension},
		{"zero width", context.Background(), RenderRequest{Target: geometry.FitInBox{Width: 0, Height: 10}, Source: source}, geometry.ErrInvalidDimension},
		{"bad colour", context.Background(), RenderRequest{Target: geometry.FitInBox{Width: 10, Height: 10}, Source: source, Background: "#12"}, colorspec.ErrInvalidColor},
		{"missing source", context.Background(), RenderRequest{Target: geometry.FitInBox{Width: 10, Height: 10}}, ErrMissingSource},
		{"garbage source", context.Background(), RenderRequest{Target: geometry.FitInBox{Width: 10, Height: 10}, Source: []byte("not an image")}, ErrDecode},
		{"degenerate", context.Background(), RenderRequest{Target: geometry.FitInBox{Width: 10, Height: 10}, Source: encodePNG(t, solid(1000, 1, blue))}, geometry.ErrDegenerateScale},
		{"canceled", canceled, RenderRequest{Target: geometry.FitInBox{Width: 10, Height: 10}, Source: source}, context.Canceled},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := compositor.Render(tc.ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res.Data != nil {
				t.Fatal("expected no output on failure")
			}
		})
	}
}

func TestRenderRejectsOversizedCanvasBeforeAllocating(t *testing.T) {
	tall := encodePNG(t, solid(10, 200, blue))

	tests := []struct {
		name  string
		limit int64
		req   RenderRequest
	}{
		{"mask side overflow", 0, RenderRequest{Target: geometry.MaskOnCanvas{CanvasWidth: geometry.MaxSide * 1024, CanvasHeight: geometry.MaxSide * 1024, MaskWidth: 1, MaskHeight: 1}}},
		{"mask over default area", 0, RenderRequest{Target: geometry.MaskOnCanvas{CanvasWidth: 60000, CanvasHeight: 60000, MaskWidth: 1, MaskHeight: 1}}},
		{"fit box over limit is rejected before decode", 10_000, RenderRequest{Target: geometry.FitInBox{Width: 200, Height: 200}, Source: []byte("not an image")}},
		{"derived height over limit", 10_000, RenderRequest{Target: geometry.FixedInnerWidth{InnerWidth: 100, CanvasWidth: 100}, Source: tall}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recordingRenderer{}
			res, err := NewCompositor(rec, WithMaxCanvasPixels(tc.limit)).Render(context.Background(), tc.req)
			if !errors.Is(err, geometry.ErrInvalidDimension) {
				t.Fatalf("expected ErrInvalidDimension, got %v", err)
			}
			if res.Data != nil || rec.canvases != 0 {
				t.Fatalf("expected no canvas allocation, got %d canvases", rec.canvases)
			}
		})
	}

	res, err := NewCompositor(stdlibRenderer{}, WithMaxCanvasPixels(10_000)).Render(context.Background(), RenderRequest{
		Target: geometry.MaskOnCanvas{CanvasWidth: 100, CanvasHeight: 100, MaskWidth: 10, MaskHeight: 10},
	})
	if err != nil || res.Placement.CanvasWidth != 100 {
		t.Fatalf("canvas at the limit must render, got %+v err=%v", res.Placement, err)
	}
}

func TestComposeUsesAlphaOnlyWhenSourceHasIt(t *testing.T) {
	rec := &recordingRenderer{}
	compositor := NewCompositor(rec)

	opaque, err := stdlibRenderer{}.Decode(encodePNG(t, solid(20, 10, blue)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opaque.HasAlpha || opaque.ColorMode != ColorRGB {
		t.Fatalf("expected opaque rgb source, got %+v", opaque)
	}
	if _, err := compositor.Compose(geometry.FitInBox{Width: 10, Height: 10}, &opaque, white); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !rec.converted || rec.useAlpha || rec.alphaCanvas {
		t.Fatalf("opaque source must be converted and pasted on an opaque canvas: %+v", rec)
	}

	rec.reset()
	translucent := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	translucent.SetNRGBA(0, 0, color.NRGBA{R: 10, A: 10})
	alpha, err := stdlibRenderer{}.Decode(encodePNG(t, translucent))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !alpha.HasAlpha || alpha.ColorMode != ColorRGBA {
		t.Fatalf("expected rgba source with alpha, got %+v", alpha)
	}
	if _, err := compositor.Compose(geometry.FitInBox{Width: 10, Height: 10}, &alpha, white); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if rec.converted || !rec.useAlpha || !rec.alphaCanvas {
		t.Fatalf("alpha source must be blended on an alpha canvas: %+v", rec)
	}
	if rec.resampledTo != image.Pt(10, 5) {
		t.Fatalf("expected resample to 10x5, got %v", rec.resampledTo)
	}
}

func TestInspectColor(t *testing.T) {
	tests := []struct {
		name      string
		img       image.Image
		wantMode  ColorMode
		wantAlpha bool
	}{
		{"opaque rgba", solid(2, 2, red), ColorRGB, false},
		{"gray", image.NewGray(image.Rect(0, 0, 2, 2)), ColorGray, false},
		{"ycbcr", image.NewYCbCr(image.Rect(0, 0, 2, 2), image.YCbCrSubsampleRatio420), ColorRGB, false},
		{"opaque nrgba channel", opaqueNRGBA(2, 2), ColorRGB, false},
		{"transparent nrgba", image.NewNRGBA(image.Rect(0, 0, 2, 2)), ColorRGBA, true},
		{"opaque palette", image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{red, blue}), ColorPalette, false},
		{"palette with transparent entry", image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{red, color.NRGBA{}}), ColorPalette, true},
	}

	for _, tc := range tests {
		mode, alpha := inspectColor(tc.img)
		if mode != tc.wantMode || alpha != tc.wantAlpha {
			t.Fatalf("%s: expected (%s,%v), got (%s,%v)", tc.name, tc.wantMode, tc.wantAlpha, mode, alpha)
		}
	}
}

func opaqueNRGBA(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

type recordingRenderer struct {
	stdlibRenderer
	converted   bool
	useAlpha    bool
	alphaCanvas bool
	canvases    int
	resampledTo image.Point
}

func (r *recordingRenderer) reset() {
	*r = recordingRenderer{}
}

func (r *recordingRenderer) Resample(src image.Image, width, height int) image.Image {
	r.resampledTo = image.Pt(width, height)
	return r.stdlibRenderer.Resample(src, width, height)
}

func (r *recordingRenderer) Convert(src image.Image, mode ColorMode) image.Image {
	r.converted = true
	return r.stdlibRenderer.Convert(src, mode)
}

func (r *recordingRenderer) NewCanvas(width, height int, alpha bool, fill color.Color) image.Image {
	r.alphaCanvas = alpha
	r.canvases++
	return r.stdlibRenderer.NewCanvas(width, height, alpha, fill)
}

func (r *recordingRenderer) Composite(dst, src image.Image, at image.Point, useAlpha bool) image.Image {
	r.useAlpha = useAlpha
	return r.stdlibRenderer.Composite(dst, src, at, useAlpha)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func solidJPEG(t testing.TB, w, h int, c color.Color) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solid(w, h, c), &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img
}

func assertExact(t *testing.T, img image.Image, x, y int, want color.NRGBA) {
	t.Helper()

	got := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	if got != want {
		t.Fatalf("pixel (%d,%d): expected %+v, got %+v", x, y, want, got)
	}
}

func assertNear(t *testing.T, img image.Image, x, y int, want color.NRGBA, tolerance int) {
	t.Helper()

	got := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	for _, pair := range [][2]uint8{{got.R, want.R}, {got.G, want.G}, {got.B, want.B}} {
		d := int(pair[0]) - int(pair[1])
		if d < -tolerance || d > tolerance {
			t.Fatalf("pixel (%d,%d): expected about %+v, got %+v", x, y, want, got)
		}
	}
}
