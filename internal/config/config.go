package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	API       APIConfig
	Render    RenderConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
	PresignTTL     time.Duration
}

type RenderConfig struct {
	// MaxCanvasPixels caps the output canvas area for sync and async renders.
	MaxCanvasPixels int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	TaskTimeout   time.Duration
	// Retention keeps finished tasks so a second start of the same job
	// conflicts instead of rendering twice.
	Retention time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions builds go-redis options for the same server the queue uses.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	// LocalInputDir confines local_file sources for both the API and worker.
	LocalInputDir  string
	LocalOutputDir string
	MetricsAddr    string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	// DSN selects the Postgres store. Empty means in-memory.
	DSN string
}

type RateLimitConfig struct {
	Enabled    bool
	Requests   int
	Window     time.Duration
	UserHeader string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:           env("CANVASFLOW_API_ADDR", ":8080"),
			MaxUploadBytes: int64(envInt("CANVASFLOW_MAX_UPLOAD_BYTES", 32<<20)),
			PresignTTL:     envDuration("CANVASFLOW_PRESIGN_TTL", 15*time.Minute),
		},
		Render: RenderConfig{
			MaxCanvasPixels: int64(envInt("CANVASFLOW_MAX_CANVAS_PIXELS", 50_000_000)),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 5),
			TaskTimeout:   envDuration("QUEUE_TASK_TIMEOUT", 3*time.Minute),
			Retention:     envDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalInputDir:  env("WORKER_LOCAL_INPUT_DIR", "./.canvasflow-input"),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.canvasflow-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Enabled:   envBool("MINIO_ENABLED", true),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "canvasflow-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:    envBool("RATE_LIMIT_ENABLED", false),
			Requests:   envInt("RATE_LIMIT_REQUESTS", 60),
			Window:     envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserHeader: env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Tracing: TracingConfig{
			Exporter:     strings.ToLower(env("OTEL_TRACES_EXPORTER", "none")),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 30*time.Second),
		},
	}
}

// Validate rejects settings that would only fail later at first use.
func (c Config) Validate() error {
	var errs []error
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("CANVASFLOW_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Render.MaxCanvasPixels <= 0 {
		errs = append(errs, errors.New("CANVASFLOW_MAX_CANVAS_PIXELS must be positive"))
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		errs = append(errs, errors.New("ASYNC_QUEUE must not be empty"))
	}
	if c.Queue.MaxRetry < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RETRY must not be negative, got %d", c.Queue.MaxRetry))
	}
	if c.Worker.Concurrency < 1 || c.Worker.MaxActiveJobs < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY and WORKER_MAX_ACTIVE_JOBS must be at least 1"))
	}
	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Bucket) == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MINIO_ENABLED is set"))
	}
	if c.RateLimit.Enabled && c.RateLimit.Requests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.RateLimit.Requests))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(c.Tracing.OTLPEndpoint) == "" {
			errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("OTEL_TRACES_EXPORTER %q is not one of none, stdout, otlp", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1], got %g", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
