package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	render JSONB NOT NULL,
	object_key TEXT NOT NULL DEFAULT '',
	output JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	pixels_processed BIGINT NOT NULL,
	bytes_saved BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	renderJSON, err := json.Marshal(job.Render)
	if err != nil {
		return fmt.Errorf("marshal job render spec: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO render_jobs (id, user_id, status, source_type, webhook_url, render, object_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		renderJSON,
		job.ObjectKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, status, source_type, webhook_url, render, object_key, output, error, created_at, updated_at
		 FROM render_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		job        domain.Job
		renderJSON []byte
		outputJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&renderJSON,
		&job.ObjectKey,
		&outputJSON,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(renderJSON, &job.Render); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job render spec: %w", err)
	}
	if len(outputJSON) > 0 {
		var output domain.JobOutput
		if err := json.Unmarshal(outputJSON, &output); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job output: %w", err)
		}
		job.Output = &output
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id, "update job status",
		`UPDATE render_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id string, output domain.JobOutput) (domain.Job, error) {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job output: %w", err)
	}
	return s.exec(ctx, id, "complete job",
		`UPDATE render_jobs
		 SET status = $1, output = $2, error = '', updated_at = $3
		 WHERE id = $4`,
		domain.JobStatusSucceeded, outputJSON, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Fail(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.exec(ctx, id, "fail job",
		`UPDATE render_jobs
		 SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4`,
		domain.JobStatusFailed, reason, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) exec(ctx context.Context, id, op, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, mode, pixels_processed, bytes_saved, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID,
		usage.JobID,
		usage.Mode,
		usage.PixelsProcessed,
		usage.BytesSaved,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
