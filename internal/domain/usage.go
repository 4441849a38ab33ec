package domain

import (
	"strings"
	"time"
)

// AnonymousUser owns jobs created without a user header.
const AnonymousUser = "anonymous"

// UsageLog is the metering record written once per successful render.
type UsageLog struct {
	UserID          string
	JobID           string
	Mode            string
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}

// NewUsageLog meters a finished render. Pixels count the whole output
// canvas, bytes saved never goes negative and compute time is at least 1ms.
func NewUsageLog(userID, jobID, mode string, output JobOutput, sourceBytes int, elapsed time.Duration, at time.Time) UsageLog {
	if strings.TrimSpace(userID) == "" {
		userID = AnonymousUser
	}

	return UsageLog{
		UserID:          userID,
		JobID:           jobID,
		Mode:            mode,
		PixelsProcessed: int64(output.Width) * int64(output.Height),
		BytesSaved:      max(int64(sourceBytes-output.Bytes), 0),
		ComputeTimeMS:   max(elapsed.Milliseconds(), 1),
		CreatedAt:       at.UTC(),
	}
}
