package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"krapi.io/krapi/pkg/socket"
)

// RateLimiter applies a token bucket per credential (or per client address
// for public routes). Buckets are created lazily and never expire; the
// credential space is small enough that this is fine for a single process.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps sustained requests with the
// given burst per caller. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = rate.NewLimiter(r.rps, r.burst)
		r.buckets[key] = b
	}
	return b
}

// Middleware rejects callers exceeding their bucket with 429 and the
// structured error envelope.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.rps <= 0 {
			c.Next()
			return
		}
		key := c.GetHeader("Authorization")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if key == "" {
			key = c.ClientIP()
		}
		if !r.bucket(key).Allow() {
			writeError(c, http.StatusTooManyRequests,
				socket.Newf(socket.KindForbidden, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
