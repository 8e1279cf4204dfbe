package ratelimit

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/slotmarket/slot-engine/internal/metrics"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key fits in its bucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type Config struct {
	// Burst is the bucket size.
	Burst int
	// Refill adds one token per interval.
	Refill time.Duration
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Refill <= 0 {
		c.Refill = 12 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "slots:checkout"
	}
	return c
}

// Middleware rejects requests whose key has run out of tokens. Requests with
// an empty key and limiter errors pass through.
func Middleware(l Limiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				log.Printf("level=error event=ratelimit_unavailable key=%s err=%q", key, err.Error())
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			metrics.Default().IncCounter("slots_checkout_rate_limited_total", nil)
			log.Printf("level=info event=checkout_rate_limited key=%s retry_after_s=%d", key, secs)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    "rate_limited",
					"message": "too many checkout attempts",
				},
			})
		})
	}
}
