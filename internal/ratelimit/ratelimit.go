// Package ratelimit throttles API callers with one token bucket per identity.
//
// A caller is identified by the address it signs marketplace writes with
// (X-Caller-Address), then by the agent it reports sensor data for
// (X-Agent-ID), and only then by client IP. Many agents share a gateway IP,
// so IP keying alone would starve them.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/sensors"
	"github.com/agenthub/agenthub/internal/validation"
)

// Key kinds, used as the metrics label and as the bucket key prefix.
const (
	KindCaller = "caller"
	KindAgent  = "agent"
	KindIP     = "ip"
)

// Config sets the refill rate and bucket size.
type Config struct {
	Rate  float64       // tokens per second
	Burst int           // bucket capacity
	Idle  time.Duration // buckets untouched this long are dropped
}

// FromRPS builds a Config for RATE_LIMIT_RPS. A budget of n allows bursts
// of 2n. Non-positive values mean 10 rps.
func FromRPS(rps int) Config {
	if rps <= 0 {
		rps = 10
	}
	return Config{Rate: float64(rps), Burst: rps * 2, Idle: 2 * time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds the buckets. Safe for concurrent use.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// New starts a limiter and its sweeper.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.sweepLoop()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 2 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

// Stop ends the sweeper. Calling it twice is harmless.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(l.cfg.Idle / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.cfg.Idle)
	l.mu.Lock()
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()
}

// Allow takes one token from key's bucket. When the bucket is empty it
// reports false and how long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), seen: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.seen).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.cfg.Rate
		if b.tokens > float64(l.cfg.Burst) {
			b.tokens = float64(l.cfg.Burst)
		}
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.cfg.Rate <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.cfg.Rate * float64(time.Second))
	return false, wait
}

// Len reports how many buckets are live.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// KeyFor picks the identity a request is limited by.
func KeyFor(c *gin.Context) (kind, key string) {
	if v := strings.ToLower(strings.TrimSpace(c.GetHeader(validation.CallerHeader))); v != "" {
		return KindCaller, v
	}
	if v := strings.TrimSpace(c.GetHeader(sensors.AgentHeader)); v != "" {
		return KindAgent, v
	}
	return KindIP, c.ClientIP()
}

// Middleware rejects over-budget requests with 429. Paths under any of
// skipPrefixes are never limited.
func (l *Limiter) Middleware(skipPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range skipPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		kind, key := KeyFor(c)
		ok, wait := l.Allow(kind + ":" + key)
		if ok {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		secs := int(wait.Seconds())
		if wait%time.Second != 0 {
			secs++
		}
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests from this " + kind + ". Please slow down.",
			"retry_after": secs,
		})
	}
}
