package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/geometry"
	"github.com/dunamismax/canvasflow/internal/pipeline"
	"github.com/dunamismax/canvasflow/internal/queue"
	"github.com/dunamismax/canvasflow/internal/store"
	"github.com/dunamismax/canvasflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Status:     domain.JobStatusProcessing,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "input.png",
		Render:     domain.RenderSpec{Mode: "fit_in_box", TargetWidth: 20, TargetHeight: 25},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-1", "fit_in_box", pipeline.JobResult{
		SourceBytes: 1_000,
		Output:      domain.JobOutput{Width: 20, Height: 25, Bytes: 700},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.Mode != "fit_in_box" {
		t.Fatalf("expected mode=fit_in_box, got %s", usageStore.log.Mode)
	}
	if usageStore.log.PixelsProcessed != 500 {
		t.Fatalf("expected pixels_processed=500, got %d", usageStore.log.PixelsProcessed)
	}
	if usageStore.log.BytesSaved != 300 {
		t.Fatalf("expected bytes_saved=300, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-2", "mask_on_canvas", pipeline.JobResult{
		Output: domain.JobOutput{Width: 5, Height: 5, Bytes: 200},
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usageStore.log.UserID)
	}
	if usageStore.log.BytesSaved != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestHandleRenderCanvasCompletesMaskJob(t *testing.T) {
	s, jobStore, hooks := newTestServer(t)
	seedJob(t, jobStore, "mask-1", domain.SourceTypeNone)

	task := renderTask(t, queue.RenderCanvasPayload{
		JobID:      "mask-1",
		SourceType: domain.SourceTypeNone,
		WebhookURL: "https://hooks.test/done",
		Render: domain.RenderSpec{
			Mode:         "mask_on_canvas",
			CanvasWidth:  40,
			CanvasHeight: 20,
			MaskWidth:    50,
			MaskHeight:   10,
		},
	})

	if err := s.handleRenderCanvas(context.Background(), task); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	job, ok, err := jobStore.Get(context.Background(), "mask-1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusSucceeded || job.Output == nil {
		t.Fatalf("expected succeeded job with output, got %+v", job)
	}
	if job.Output.Format != "png" || job.Output.Width != 40 || job.Output.Height != 20 {
		t.Fatalf("unexpected output %+v", job.Output)
	}
	if job.Output.Metadata["X-Adjusted"] != "true" {
		t.Fatalf("expected clamp to be recorded, got %v", job.Output.Metadata)
	}
	if _, err := os.Stat(job.Output.Path); err != nil {
		t.Fatalf("expected rendered file on disk: %v", err)
	}

	logs := jobStore.UsageLogs()
	if len(logs) != 1 || logs[0].PixelsProcessed != 800 || logs[0].Mode != "mask_on_canvas" {
		t.Fatalf("unexpected usage logs %+v", logs)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one completed webhook, got %v", hooks.events)
	}
	if body := hooks.bodies[0]; body.Output == nil || body.Output.Path != job.Output.Path || body.Mode != "mask_on_canvas" {
		t.Fatalf("unexpected completed event body %+v", body)
	}
	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`canvasflow_worker_jobs_total{mode="mask_on_canvas",status="succeeded"} 1`,
		`canvasflow_worker_canvas_adjusted_total{mode="mask_on_canvas"} 1`,
		`canvasflow_usage_pixels_processed_total 800`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestHandleRenderCanvasSkipsRetryForMissingSource(t *testing.T) {
	s, jobStore, hooks := newTestServer(t)
	seedJob(t, jobStore, "job-missing", domain.SourceTypeLocalFile)

	task := renderTask(t, queue.RenderCanvasPayload{
		JobID:      "job-missing",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "absent.png",
		WebhookURL: "https://hooks.test/done",
		Render:     domain.RenderSpec{Mode: "fit_in_box", TargetWidth: 10, TargetHeight: 10},
	})

	err := s.handleRenderCanvas(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-missing")
	if job.Status != domain.JobStatusFailed || job.Error == "" {
		t.Fatalf("expected failed job with reason, got %+v", job)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected one failed webhook, got %v", hooks.events)
	}
	if body := hooks.bodies[0]; body.Error == "" || body.Output != nil {
		t.Fatalf("unexpected failed event body %+v", body)
	}
}

func TestHandleRenderCanvasSkipsRetryForEscapingSource(t *testing.T) {
	s, jobStore, _ := newTestServer(t)
	seedJob(t, jobStore, "job-escape", domain.SourceTypeLocalFile)

	task := renderTask(t, queue.RenderCanvasPayload{
		JobID:      "job-escape",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "../../etc/passwd",
		Render:     domain.RenderSpec{Mode: "fit_in_box", TargetWidth: 10, TargetHeight: 10},
	})

	err := s.handleRenderCanvas(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-escape")
	if job.Status != domain.JobStatusFailed || !strings.Contains(job.Error, "escapes") {
		t.Fatalf("expected failed job naming the escape, got %+v", job)
	}
}

func TestHandleRenderCanvasSkipsRetryForOversizedCanvas(t *testing.T) {
	s, jobStore, _ := newTestServer(t)
	seedJob(t, jobStore, "job-huge", domain.SourceTypeNone)

	task := renderTask(t, queue.RenderCanvasPayload{
		JobID:      "job-huge",
		SourceType: domain.SourceTypeNone,
		Render:     domain.RenderSpec{Mode: "mask_on_canvas", CanvasWidth: 60000, CanvasHeight: 60000, MaskWidth: 10, MaskHeight: 10},
	})

	err := s.handleRenderCanvas(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-huge")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %+v", job)
	}
}

func TestHandleRenderCanvasRejectsBadPayload(t *testing.T) {
	s, _, _ := newTestServer(t)
	err := s.handleRenderCanvas(context.Background(), asynq.NewTask(queue.TypeRenderCanvas, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestHandleRenderCanvasKeepsJobOnWebhookFailure(t *testing.T) {
	s, jobStore, hooks := newTestServer(t)
	hooks.err = errors.New("endpoint down")
	seedJob(t, jobStore, "mask-2", domain.SourceTypeNone)

	task := renderTask(t, queue.RenderCanvasPayload{
		JobID:      "mask-2",
		SourceType: domain.SourceTypeNone,
		WebhookURL: "https://hooks.test/done",
		Render: domain.RenderSpec{
			Mode:         "mask_on_canvas",
			CanvasWidth:  8,
			CanvasHeight: 8,
			MaskWidth:    4,
			MaskHeight:   4,
		},
	})

	if err := s.handleRenderCanvas(context.Background(), task); err != nil {
		t.Fatalf("webhook failures must not fail the job: %v", err)
	}
	job, _, _ := jobStore.Get(context.Background(), "mask-2")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s", job.Status)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("render stage: %w", geometry.ErrDegenerateScale), true},
		{fmt.Errorf("fetch stage: %w", os.ErrNotExist), true},
		{fmt.Errorf("render stage: %w", pipeline.ErrDecode), true},
		{fmt.Errorf("render stage: %w", pipeline.ErrEncode), true},
		{fmt.Errorf("fetch stage: %w", pipeline.ErrSourceOutsideRoot), true},
		{fmt.Errorf("render stage: %w", geometry.ErrInvalidDimension), true},
		{fmt.Errorf("render spec: %w", domain.ErrUnsupportedMode), true},
		{errors.New("connection reset by peer"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Fatalf("isPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func newTestServer(t *testing.T) (*Server, *store.MemoryJobStore, *captureWebhooks) {
	t.Helper()

	compositor, err := pipeline.NewDefaultCompositor()
	if err != nil {
		t.Fatalf("build compositor: %v", err)
	}

	jobStore := store.NewMemoryJobStore()
	hooks := &captureWebhooks{}
	s := &Server{
		logger:        log.New(io.Discard, "", 0),
		sem:           make(chan struct{}, 1),
		processor:     pipeline.NewLocalProcessor(compositor, t.TempDir(), t.TempDir()),
		webhookClient: hooks,
		jobStore:      jobStore,
		usageStore:    jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("canvasflow/worker-test"),
	}
	return s, jobStore, hooks
}

func seedJob(t *testing.T, jobStore *store.MemoryJobStore, id, sourceType string) {
	t.Helper()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         id,
		Status:     domain.JobStatusQueued,
		SourceType: sourceType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func renderTask(t *testing.T, payload queue.RenderCanvasPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewRenderCanvasTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}

type captureWebhooks struct {
	events []string
	bodies []webhook.JobEvent
	err    error
}

func (c *captureWebhooks) Send(_ context.Context, _, event string, payload any) error {
	c.events = append(c.events, event)
	if body, ok := payload.(webhook.JobEvent); ok {
		c.bodies = append(c.bodies, body)
	}
	return c.err
}
