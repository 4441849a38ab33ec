package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRenderCanvas = "canvas:render"

type RenderCanvasPayload struct {
	JobID       string            `json:"job_id"`
	SourceType  string            `json:"source_type"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	ObjectKey   string            `json:"object_key,omitempty"`
	Render      domain.RenderSpec `json:"render"`
	RequestedAt time.Time         `json:"requested_at"`
}

func NewRenderCanvasTask(payload RenderCanvasPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderCanvas, body), nil
}

func ParseRenderCanvasPayload(task *asynq.Task) (RenderCanvasPayload, error) {
	var payload RenderCanvasPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderCanvasPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	return payload, nil
}
