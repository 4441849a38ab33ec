package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	DefaultMaxRetry  = 5
	DefaultTimeout   = 3 * time.Minute
	DefaultRetention = 24 * time.Hour
)

// Client enqueues render tasks. Task IDs are job IDs, so a job can only be
// queued once while its task is retained.
type Client struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	timeout   time.Duration
	retention time.Duration
}

type Option func(*Client)

func WithMaxRetry(n int) Option {
	return func(c *Client) { c.maxRetry = n }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetention keeps finished tasks for d so duplicate starts still conflict.
func WithRetention(d time.Duration) Option {
	return func(c *Client) { c.retention = d }
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, opts ...Option) *Client {
	c := &Client{
		client:    asynq.NewClient(redisOpt),
		queue:     queueName,
		maxRetry:  DefaultMaxRetry,
		timeout:   DefaultTimeout,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) EnqueueRenderCanvas(ctx context.Context, payload RenderCanvasPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderCanvasTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task, c.taskOptions(payload.JobID)...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s for job %s: %w", TypeRenderCanvas, payload.JobID, err)
	}
	return info, nil
}

func (c *Client) taskOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	}
	if c.retention > 0 {
		opts = append(opts, asynq.Retention(c.retention))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
