package httpmiddleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"messmeal/internal/auth"
	"messmeal/internal/metrics"
)

// Limiter is an in-memory per-key token bucket; keys are the signed-in subject when
// known, otherwise the client IP.
type Limiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	state map[string]*rate.Limiter
}

// NewLimiter creates a limiter allowing perMinute requests with the given burst.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		state: make(map[string]*rate.Limiter),
	}
}

// GinMiddleware returns gin handler enforcing per-key limits. Mount it after auth so
// signed-in users behind one NAT are limited separately.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return l.middleware(keyFor)
}

// ByIP limits by client IP only, for routes that run before any token is checked.
func (l *Limiter) ByIP() gin.HandlerFunc {
	return l.middleware(ipKey)
}

func (l *Limiter) middleware(key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			metrics.RateLimitRejected.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.state[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.state[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func keyFor(c *gin.Context) string {
	if p, ok := auth.PrincipalFrom(c); ok {
		return "sub:" + p.ID
	}
	return ipKey(c)
}

func ipKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
