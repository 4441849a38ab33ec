package domain

import (
	"errors"
	"testing"

	"github.com/dunamismax/canvasflow/internal/geometry"
)

func TestCreateJobRequestValidate(t *testing.T) {
	fit := RenderSpec{Mode: "fit_in_box", TargetWidth: 400, TargetHeight: 400}

	valid := CreateJobRequest{SourceType: SourceTypeS3Presigned, Render: fit}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingSourceType := CreateJobRequest{Render: fit}
	if err := missingSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for missing source_type")
	}

	missingObjectKey := CreateJobRequest{SourceType: SourceTypeLocalFile, Render: fit}
	if err := missingObjectKey.Validate(); err == nil {
		t.Fatal("expected validation error for local_file object_key")
	}

	for _, key := range []string{"/etc/passwd", "../outside.png", "inputs/../../outside.png"} {
		escaping := CreateJobRequest{SourceType: SourceTypeLocalFile, ObjectKey: key, Render: fit}
		if err := escaping.Validate(); err == nil {
			t.Fatalf("expected validation error for object_key %q", key)
		}
	}
	nested := CreateJobRequest{SourceType: SourceTypeLocalFile, ObjectKey: "batch-7/input.png", Render: fit}
	if err := nested.Validate(); err != nil {
		t.Fatalf("expected nested relative object_key to validate: %v", err)
	}

	unsupportedSourceType := CreateJobRequest{SourceType: "http_url", Render: fit}
	if err := unsupportedSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported source_type")
	}

	badDimension := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Render:     RenderSpec{Mode: "fixed_inner_width", InnerWidth: 0, CanvasWidth: 10},
	}
	if err := badDimension.Validate(); !errors.Is(err, geometry.ErrInvalidDimension) {
		t.Fatalf("expected ErrInvalidDimension, got %v", err)
	}

	mask := CreateJobRequest{
		Render: RenderSpec{Mode: "mask_on_canvas", CanvasWidth: 500, CanvasHeight: 500, MaskWidth: 600, MaskHeight: 400},
	}
	if err := mask.Validate(); err != nil {
		t.Fatalf("expected mask request without source to be valid, got %v", err)
	}
	if got := mask.NormalizedSourceType(); got != SourceTypeNone {
		t.Fatalf("expected source_type none for masks, got %s", got)
	}

	maskWithSource := mask
	maskWithSource.SourceType = SourceTypeS3Presigned
	if err := maskWithSource.Validate(); err == nil {
		t.Fatal("expected validation error for mask render with a source")
	}
}

func TestRenderSpecTarget(t *testing.T) {
	target, err := RenderSpec{Mode: "Fit_In_Box", TargetWidth: 10, TargetHeight: 20}.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got, ok := target.(geometry.FitInBox); !ok || got.Width != 10 || got.Height != 20 {
		t.Fatalf("unexpected target %#v", target)
	}

	if _, err := (RenderSpec{Mode: "rotate"}).Target(); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}
