package api

import (
	"net"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	apperrors "github.com/balance-sentinel/internal/errors"
)

// RateLimiter manages per-client rate limiting for API requests. Idle clients
// are forgotten after an hour.
type RateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	limit    rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
}

// NewRateLimiter creates a new rate limiter. requestsPerHour <= 0 disables it.
func NewRateLimiter(requestsPerHour int) *RateLimiter {
	limit := rate.Inf
	if requestsPerHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(requestsPerHour))
	}
	return &RateLimiter{
		limiters:  cache.New(time.Hour, 10*time.Minute),
		limit:     limit,
		burstSize: 10, // Allow bursts of 10 requests
	}
}

// getLimiter returns the rate limiter for a client
func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.limiters.Get(client); ok {
		limiter := v.(*rate.Limiter)
		rl.limiters.SetDefault(client, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters.SetDefault(client, limiter)
	return limiter
}

// clientKey identifies the caller by the first X-Forwarded-For hop or the
// remote IP
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds is the time until the limiter frees one token, rounded up
func retryAfterSeconds(limiter *rate.Limiter) int {
	r := limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	if delay <= 0 {
		return 1
	}
	return int(math.Ceil(delay.Seconds()))
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientKey(r))

			if !limiter.Allow() {
				retryAfter := retryAfterSeconds(limiter)
				rlErr := apperrors.NewRateLimitError(retryAfter)
				rlErr.Details["burst"] = limiter.Burst()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondServiceError(w, rlErr)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
