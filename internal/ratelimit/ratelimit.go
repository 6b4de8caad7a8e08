// Package ratelimit throttles the credential endpoints per client address.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pharmcompound/pharmcompound-api/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client address.
	RequestsPerMinute int
	// BurstSize is how many requests a fresh client may make at once.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig suits login and registration traffic.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 20,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// New creates a limiter and starts its janitor goroutine; call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops clients whose bucket would have refilled completely anyway.
func (l *Limiter) evictIdle() {
	refill := time.Duration(float64(l.cfg.BurstSize) / float64(l.limit()) * float64(time.Second))
	cutoff := l.now().Add(-refill)

	l.mu.Lock()
	for key, c := range l.clients {
		if c.seen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}

// Stop ends the janitor goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) limit() rate.Limit {
	return rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
}

// Allow consumes a token for key. When it refuses, the second return value
// is how long until a token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.limit(), l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.seen = now
	l.mu.Unlock()

	r := c.bucket.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, wait := l.Allow(c.ClientIP())
		if !allowed {
			retryAfter := int(math.Ceil(wait.Seconds()))
			logging.L(c.Request.Context()).Warn("rate limit exceeded",
				"path", c.FullPath(), "client_ip", c.ClientIP())
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
