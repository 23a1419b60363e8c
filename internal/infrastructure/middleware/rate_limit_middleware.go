package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"confroom/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// adminLimiters hands out one token bucket per admin caller and forgets
// callers that have been idle for limiterIdleTTL.
type adminLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newAdminLimiters(limit rate.Limit, burst int) *adminLimiters {
	return &adminLimiters{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *adminLimiters) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *adminLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP is the host part of the peer address. The admin API listens on
// loopback by default, so forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware throttles the admin API per caller and caps
// the number of requests in flight. A zero rate disables throttling.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rps := cfg.Monitoring.RequestsPerSec
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	burst := cfg.Monitoring.Burst
	if burst <= 0 {
		burst = 1
	}
	limiters := newAdminLimiters(rate.Limit(rps), burst)

	var inflight chan struct{}
	if cfg.Monitoring.MaxConcurrent > 0 {
		inflight = make(chan struct{}, cfg.Monitoring.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !limiters.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many concurrent requests"})
				return
			}
		}
		c.Next()
	}
}
