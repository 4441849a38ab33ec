package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestClientTaskOptions(t *testing.T) {
	c := NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "renders", WithMaxRetry(2), WithTimeout(time.Minute))
	defer c.Close()

	got := map[asynq.OptionType]any{}
	for _, opt := range c.taskOptions("job-9") {
		got[opt.Type()] = opt.Value()
	}

	if got[asynq.QueueOpt] != "renders" {
		t.Fatalf("expected queue renders, got %v", got[asynq.QueueOpt])
	}
	if got[asynq.TaskIDOpt] != "job-9" {
		t.Fatalf("expected task id job-9, got %v", got[asynq.TaskIDOpt])
	}
	if got[asynq.MaxRetryOpt] != 2 {
		t.Fatalf("expected max retry 2, got %v", got[asynq.MaxRetryOpt])
	}
	if got[asynq.TimeoutOpt] != time.Minute {
		t.Fatalf("expected timeout 1m, got %v", got[asynq.TimeoutOpt])
	}
	if got[asynq.RetentionOpt] != DefaultRetention {
		t.Fatalf("expected default retention, got %v", got[asynq.RetentionOpt])
	}

	noRetention := NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, "renders", WithRetention(0))
	defer noRetention.Close()
	for _, opt := range noRetention.taskOptions("job-9") {
		if opt.Type() == asynq.RetentionOpt {
			t.Fatal("retention option must be omitted when disabled")
		}
	}
}
