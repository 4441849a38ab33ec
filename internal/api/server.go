package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/id"
	"github.com/dunamismax/canvasflow/internal/pipeline"
	"github.com/dunamismax/canvasflow/internal/queue"
	"github.com/dunamismax/canvasflow/internal/storage"
	"github.com/dunamismax/canvasflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 32 << 20

type Server struct {
	logger                *log.Logger
	compositor            *pipeline.Compositor
	queueClient           JobEnqueuer
	jobStore              store.JobStore
	storage               ObjectStorage
	presignTTL            time.Duration
	maxUploadBytes        int64
	localInput            pipeline.LocalFileFetcher
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type JobEnqueuer interface {
	EnqueueRenderCanvas(ctx context.Context, payload queue.RenderCanvasPayload) (*asynq.TaskInfo, error)
}

type ObjectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	Logger     *log.Logger
	Compositor *pipeline.Compositor
	Queue      JobEnqueuer
	JobStore   store.JobStore
	// Storage may be nil when object storage is disabled.
	Storage        ObjectStorage
	PresignTTL     time.Duration
	MaxUploadBytes int64
	// LocalInputDir is the directory local_file object keys resolve against.
	LocalInputDir string
	// RateLimiter may be nil to disable rate limiting.
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.JobStore == nil {
		opts.JobStore = store.NewMemoryJobStore()
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		compositor:            opts.Compositor,
		queueClient:           opts.Queue,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		maxUploadBytes:        opts.MaxUploadBytes,
		localInput:            pipeline.LocalFileFetcher{Root: opts.LocalInputDir},
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("canvasflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHub)
	s.mux.HandleFunc("GET /choose", s.handleChoose)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("GET /resize", s.handleResizerRoot)
	s.mux.HandleFunc("GET /resize/{$}", s.handleResizerRoot)
	s.mux.HandleFunc("POST /resize/resize", s.handleResize)
	s.mux.HandleFunc("POST /resize/centered-width", s.handleCenteredWidth)
	s.mux.HandleFunc("GET /mask", s.handleMaskRoot)
	s.mux.HandleFunc("POST /generate-mask", s.handleGenerateMask)

	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"renderer": pipeline.Backend,
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := req.NormalizedSourceType()
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	switch sourceType {
	case domain.SourceTypeNone:
		objectKey = ""
	case domain.SourceTypeS3Presigned:
		objectKey = storage.UploadKey(jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("generate presigned url failed job_id=%s err=%v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Render:     req.Render,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"mode":   job.Render.Mode,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue is unavailable")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrSourceOutsideRoot) || errors.Is(err, pipeline.ErrUnsupportedSourceType) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	payload := queue.RenderCanvasPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Render:      job.Render,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueRenderCanvas(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeError(w, http.StatusConflict, "job already started")
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

type jobResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	SourceType  string            `json:"source_type"`
	ObjectKey   string            `json:"object_key,omitempty"`
	Render      domain.RenderSpec `json:"render"`
	Output      *domain.JobOutput `json:"output,omitempty"`
	DownloadURL string            `json:"download_url,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		Render:     job.Render,
		Output:     job.Output,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Output != nil && strings.HasPrefix(job.Output.Path, pipeline.DefaultOutputPrefix+"/") {
		url, err := s.storage.PresignedGetURL(r.Context(), job.Output.Path, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign download failed job_id=%s err=%v", job.ID, err)
		} else {
			resp.DownloadURL = url
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeNone:
		return nil
	case domain.SourceTypeLocalFile:
		if _, err := s.localInput.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, pipeline.ErrSourceOutsideRoot) || errors.Is(err, pipeline.ErrUnsupportedSourceType) {
				return err
			}
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
