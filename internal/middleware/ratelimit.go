package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/worklog/guard/internal/service"
)

// KeyFunc selects the identity a request is counted against
type KeyFunc func(*http.Request) string

// RateLimit limits requests in category, counted per identity returned by keyFn
func (m *Middleware) RateLimit(category string, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := m.limiter.Apply(r.Context(), category, keyFn(r))
			if err != nil {
				var rlErr *service.RateLimitError
				if errors.As(err, &rlErr) {
					retry := retryAfterSeconds(rlErr.RetryAfter)
					w.Header().Set("Retry-After", strconv.Itoa(retry))
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rlErr.Limit))
					w.Header().Set("X-RateLimit-Remaining", "0")
					writeErrorWithDetails(w, http.StatusTooManyRequests, "rate_limit_exceeded",
						"Too many requests. Please try again later.",
						map[string]interface{}{"retryAfterSeconds": retry})
					return
				}
				// Misconfigured category: let the request through rather than fail every call
				m.log.Error().Err(err).Str("category", category).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetIn).Unix(), 10))

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// IPKey counts requests per client address
func IPKey(r *http.Request) string {
	return ClientIP(r)
}
