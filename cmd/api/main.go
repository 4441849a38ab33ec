package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/canvasflow/internal/api"
	"github.com/dunamismax/canvasflow/internal/config"
	"github.com/dunamismax/canvasflow/internal/pipeline"
	"github.com/dunamismax/canvasflow/internal/queue"
	"github.com/dunamismax/canvasflow/internal/ratelimit"
	"github.com/dunamismax/canvasflow/internal/storage"
	"github.com/dunamismax/canvasflow/internal/store"
	"github.com/dunamismax/canvasflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "canvasflow-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("renderer startup failed: %v", err)
	}
	logger.Printf("renderer backend=%s", pipeline.Backend)
	defer pipeline.Shutdown()

	compositor, err := pipeline.NewDefaultCompositor(pipeline.WithMaxCanvasPixels(cfg.Render.MaxCanvasPixels))
	if err != nil {
		logger.Fatalf("compositor init failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name,
		queue.WithMaxRetry(cfg.Queue.MaxRetry),
		queue.WithTimeout(cfg.Queue.TaskTimeout),
		queue.WithRetention(cfg.Queue.Retention),
	)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres store init failed: %v", err)
		}
		defer pgStore.Close()
		jobStore = pgStore
	}

	opts := api.Options{
		Logger:                logger,
		Compositor:            compositor,
		Queue:                 queueClient,
		JobStore:              jobStore,
		PresignTTL:            cfg.API.PresignTTL,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		LocalInputDir:         cfg.Worker.LocalInputDir,
		RateLimitUserIDHeader: cfg.RateLimit.UserHeader,
	}

	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("storage init failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatalf("storage bucket check failed: %v", err)
		}
		opts.Storage = storageClient
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled requests=%d window=%s header=%s", cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.UserHeader)
	}

	app := api.NewServer(opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
