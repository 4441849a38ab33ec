package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/canvasflow/internal/colorspec"
	"github.com/dunamismax/canvasflow/internal/config"
	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/geometry"
	"github.com/dunamismax/canvasflow/internal/pipeline"
	"github.com/dunamismax/canvasflow/internal/queue"
	"github.com/dunamismax/canvasflow/internal/storage"
	"github.com/dunamismax/canvasflow/internal/store"
	"github.com/dunamismax/canvasflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     jobProcessor
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.JobResult, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dependencies are the collaborators a worker renders with. Storage may be
// nil, in which case only local_file sources work and outputs are written
// under the configured local output directory.
type Dependencies struct {
	Compositor *pipeline.Compositor
	Storage    *storage.Client
	Webhook    *webhook.Client
	JobStore   store.JobStore
	UsageStore store.UsageStore
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	deps Dependencies,
) (*Server, error) {
	if deps.Compositor == nil {
		return nil, fmt.Errorf("compositor is required")
	}
	if deps.JobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	fetcher := pipeline.SourceFetcher{Local: pipeline.LocalFileFetcher{Root: workerCfg.LocalInputDir}}
	var emitter pipeline.Emitter = pipeline.LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir}
	if deps.Storage != nil {
		fetcher.Object = pipeline.ObjectStoreFetcher{Storage: deps.Storage}
		emitter = pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: pipeline.DefaultOutputPrefix}
	}

	usageStore := deps.UsageStore
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.JobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var sender webhookSender
	if deps.Webhook != nil {
		sender = deps.Webhook
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:     pipeline.NewProcessor(fetcher, deps.Compositor, emitter),
		webhookClient: sender,
		jobStore:      deps.JobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("canvasflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderCanvas, s.handleRenderCanvas)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderCanvas(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRenderCanvasPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	mode := strings.ToLower(strings.TrimSpace(payload.Render.Mode))

	ctx, span := s.tracer.Start(ctx, "worker.render_canvas", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("canvas.mode", mode),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(mode, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(mode, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s mode=%s source_type=%s object_key=%s",
		payload.JobID,
		mode,
		payload.SourceType,
		payload.ObjectKey,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Render:     payload.Render,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")

		permanent := isPermanent(err)
		if !permanent && !finalAttempt(ctx) {
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			s.metrics.jobRetries.WithLabelValues(mode).Inc()
			outcome = domain.JobStatusQueued
			return fmt.Errorf("render job %s: %w", payload.JobID, err)
		}

		s.failJob(ctx, payload.JobID, err)
		s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, webhook.JobEvent{
			JobID:       payload.JobID,
			Status:      domain.JobStatusFailed,
			Mode:        mode,
			SourceType:  payload.SourceType,
			ObjectKey:   payload.ObjectKey,
			Error:       err.Error(),
			RequestedAt: payload.RequestedAt,
			FinishedAt:  time.Now().UTC(),
		})
		if permanent {
			return fmt.Errorf("render job %s: %w: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("render job %s: %w", payload.JobID, err)
	}

	s.logger.Printf(
		"Rendered job_id=%s format=%s canvas=%dx%d adjusted=%s path=%s",
		payload.JobID,
		result.Output.Format,
		result.Output.Width,
		result.Output.Height,
		result.Output.Metadata["X-Adjusted"],
		result.Output.Path,
	)
	if _, err := s.jobStore.Complete(ctx, payload.JobID, result.Output); err != nil {
		s.logger.Printf("job completion update failed job_id=%s err=%v", payload.JobID, err)
	}
	s.metrics.outputBytesTotal.WithLabelValues(result.Output.Format).Add(float64(result.Output.Bytes))
	if result.Output.Metadata["X-Adjusted"] == "true" {
		s.metrics.canvasAdjusted.WithLabelValues(mode).Inc()
	}
	s.recordUsage(ctx, payload.JobID, mode, result, time.Since(startedAt))

	s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, webhook.JobEvent{
		JobID:       payload.JobID,
		Status:      domain.JobStatusSucceeded,
		Mode:        mode,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		Output:      &result.Output,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

// isPermanent reports whether retrying err would fail the same way.
func isPermanent(err error) bool {
	for _, target := range []error{
		geometry.ErrInvalidDimension,
		geometry.ErrDegenerateScale,
		colorspec.ErrInvalidColor,
		pipeline.ErrDecode,
		pipeline.ErrEncode,
		pipeline.ErrMissingSource,
		pipeline.ErrUnsupportedSourceType,
		pipeline.ErrSourceOutsideRoot,
		domain.ErrUnsupportedMode,
		storage.ErrObjectTooLarge,
		os.ErrNotExist,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// finalAttempt is true outside asynq or once the retry budget is spent.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) failJob(ctx context.Context, jobID string, cause error) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Fail(ctx, jobID, cause.Error()); err != nil {
		s.logger.Printf("job failure update failed job_id=%s err=%v", jobID, err)
	}
}

// dispatchWebhook delivers event and only logs failures. The job outcome is
// already stored, so a lost callback never re-runs the render.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderCanvasPayload, event string, body webhook.JobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}

func (s *Server) recordUsage(ctx context.Context, jobID, mode string, result pipeline.JobResult, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	var userID string
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok {
			userID = job.UserID
		}
	}

	usage := domain.NewUsageLog(userID, jobID, mode, result.Output, result.SourceBytes, computeDuration, time.Now())
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(usage.BytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
}
