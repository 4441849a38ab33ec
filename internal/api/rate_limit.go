package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/canvasflow/internal/domain"
	"github.com/dunamismax/canvasflow/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cost := requestCost(r)
		if cost == 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = domain.AnonymousUser
		}
		subject = subject + ":" + routeLabel(r.URL.Path)

		decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
		if err != nil {
			s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(max(1, ceilSeconds(decision.RetryAfter))))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// requestCost is the number of tokens a request consumes. Synchronous
// renders do the pixel work inline and cost more than job bookkeeping.
func requestCost(r *http.Request) int64 {
	if r.Method == http.MethodGet {
		return 0
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/resize/"):
		return 2
	case r.URL.Path == "/generate-mask":
		return 1
	case strings.HasPrefix(r.URL.Path, "/v1/jobs"):
		return 1
	default:
		return 0
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
