package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeNone        = "none"
	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

var ErrUnsupportedMode = errors.New("unsupported render mode")

type CreateJobRequest struct {
	SourceType string     `json:"source_type"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	Render     RenderSpec `json:"render"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Render     RenderSpec
	ObjectKey  string
	Output     *JobOutput
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobOutput records where a rendered canvas was written and how it was placed.
type JobOutput struct {
	Path      string            `json:"path"`
	Format    string            `json:"format"`
	MediaType string            `json:"media_type"`
	Bytes     int               `json:"bytes"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r CreateJobRequest) Validate() error {
	if _, err := r.Render.Target(); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if !r.Render.NeedsSource() {
		if sourceType != "" && sourceType != SourceTypeNone {
			return fmt.Errorf("source_type must be empty or %q for mask renders", SourceTypeNone)
		}
		return nil
	}

	switch sourceType {
	case "":
		return errors.New("source_type is required")
	case SourceTypeLocalFile:
		if strings.TrimSpace(r.ObjectKey) == "" {
			return errors.New("object_key is required for source_type=local_file")
		}
		if !filepath.IsLocal(filepath.FromSlash(r.ObjectKey)) {
			return errors.New("object_key must be a relative path inside the local input directory")
		}
	case SourceTypeS3Presigned:
	default:
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	return nil
}

// NormalizedSourceType folds mask renders onto SourceTypeNone.
func (r CreateJobRequest) NormalizedSourceType() string {
	if !r.Render.NeedsSource() {
		return SourceTypeNone
	}
	return strings.ToLower(strings.TrimSpace(r.SourceType))
}
