package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderSignature = "X-Canvasflow-Signature"
	HeaderTimestamp = "X-Canvasflow-Timestamp"
	HeaderEvent     = "X-Canvasflow-Event"
	HeaderDelivery  = "X-Canvasflow-Delivery"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

var ErrStaleSignature = errors.New("webhook timestamp outside tolerance")

// JobEvent is the body of every job.* delivery.
type JobEvent struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	Mode        string            `json:"mode"`
	SourceType  string            `json:"source_type"`
	ObjectKey   string            `json:"object_key,omitempty"`
	Output      *domain.JobOutput `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
		now:            time.Now,
	}
}

// Send POSTs payload as JSON to endpoint, retrying transport errors and
// retryable statuses with exponential backoff. Every attempt carries the same
// delivery ID so receivers can deduplicate.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, Sign(c.signingSecret, timestamp, body))
	headers.Set(HeaderEvent, event)
	headers.Set(HeaderDelivery, id.WithPrefix("dlv"))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, err := c.attempt(ctx, endpoint, headers, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm permanentError
		if attempt == c.maxAttempts || errors.As(err, &perm) {
			break
		}

		if wait <= 0 {
			wait = backoff
			backoff = min(backoff*2, c.maxBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(wait, c.maxBackoff)):
		}
	}

	return fmt.Errorf("webhook delivery %s failed: %w", event, lastErr)
}

// permanentError stops the retry loop.
type permanentError struct {
	status int
	err    error
}

func (e permanentError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("webhook returned status=%d", e.status)
}

func (e permanentError) Unwrap() error { return e.err }

// attempt performs one delivery. A positive wait is the receiver's requested
// Retry-After.
func (c *Client) attempt(ctx context.Context, endpoint string, headers http.Header, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, permanentError{err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header = headers.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	default:
		return 0, permanentError{status: resp.StatusCode}
	}
}

func retryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Sign computes the signature header value for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// VerifyAt is Verify plus a replay window: the timestamp must be within
// tolerance of now.
func VerifyAt(secret, timestamp string, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse webhook timestamp: %w", err)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < -tolerance || age > tolerance {
		return fmt.Errorf("%w: age %s", ErrStaleSignature, age)
	}
	if !Verify(secret, timestamp, body, signature) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}
