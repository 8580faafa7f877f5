// Package ratelimit throttles API callers with one token bucket per key.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/escrowd/internal/metrics"
)

// idleTTL is how long an unused bucket is kept before it is forgotten.
const idleTTL = 2 * time.Minute

// Config configures rate limiting.
type Config struct {
	RequestsPerMinute int           // sustained rate per key
	BurstSize         int           // tokens available at once
	CleanupInterval   time.Duration // how often idle buckets are swept
}

// DefaultConfig matches the server defaults.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 600, BurstSize: 50, CleanupInterval: time.Minute}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds a bucket per key and sweeps idle ones in the background.
type Limiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a limiter. Call Stop to end its sweeper.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		every:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   cfg.BurstSize,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep(cfg.CleanupInterval)
	return l
}

func (l *Limiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.forgetIdle(l.now().Add(-idleTTL))
		}
	}
}

func (l *Limiter) forgetIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the sweeper. It is idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket, reporting false when it is empty.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Middleware limits each request by the caller stored under callerKey, or by
// client IP when the request is anonymous. It must run after the caller is set.
func (l *Limiter) Middleware(callerKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if caller := c.GetString(callerKey); caller != "" {
			key = "caller:" + caller
		}
		if l.Allow(key) {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "too many requests",
			"retry_after": 1,
		})
	}
}
