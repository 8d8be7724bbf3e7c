package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "copilot2api-go/internal/errors"
	"copilot2api-go/internal/monitoring"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterTTL      = 15 * time.Minute
	limiterSweepGap = 2 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterCache holds per-key limiters and drops idle ones on insert.
type limiterCache struct {
	mu        sync.Mutex
	items     map[string]*limiterEntry
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
	newLim    func() *rate.Limiter
}

func newLimiterCache(ttl time.Duration, newLim func() *rate.Limiter) *limiterCache {
	return &limiterCache{items: make(map[string]*limiterEntry), ttl: ttl, now: time.Now, newLim: newLim}
}

func (c *limiterCache) get(key string) *rate.Limiter {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := c.newLim()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}
	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > limiterSweepGap {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	monitoring.RateLimitKeysGauge.Set(float64(len(c.items)))
	return lim
}

func (c *limiterCache) sweepLocked(now time.Time) {
	for k, e := range c.items {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.items, k)
		}
	}
	monitoring.RateLimitSweepsTotal.Inc()
}

func (c *limiterCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RateLimiter limits proxy callers per key (bearer or x-api-key, else client
// IP) behind a global guard five times the per-key rate.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	cache := newLimiterCache(limiterTTL, func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) })
	global := rate.NewLimiter(rate.Limit(rps*5), burst*5)
	return func(c *gin.Context) {
		if !global.Allow() {
			reject(c, "global", "Global rate limit exceeded")
			return
		}
		key := callerKey(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !cache.get(key).Allow() {
			reject(c, "key", "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, scope, msg string) {
	monitoring.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
	c.Header("Retry-After", "1")
	apperrors.New(http.StatusTooManyRequests, "local_rate_limit", "rate_limit_error", msg).Write(c.Writer)
	c.Abort()
}

func callerKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.GetHeader("X-Api-Key"))
}
