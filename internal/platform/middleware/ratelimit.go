package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

func (b *tokenBucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill.Before(cutoff)
}

// Limiter keeps one token bucket per key. Routes key on the authenticated
// doctor, falling back to client IP.
type Limiter struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	config  RateLimitConfig
	calls   int
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	return &Limiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
	}
}

func (l *Limiter) getBucket(key string) *tokenBucket {
	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	l.calls++
	if l.calls%1024 == 0 {
		l.sweepLocked(time.Now().Add(-10 * time.Minute))
	}
	bucket = newTokenBucket(l.config.RequestsPerSecond, l.config.BurstSize)
	l.buckets[key] = bucket
	return bucket
}

func (l *Limiter) sweepLocked(cutoff time.Time) {
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.getBucket(key).allow()
}

// RetryAfter returns the whole seconds until key has a token again.
func (l *Limiter) RetryAfter(key string) int {
	return l.getBucket(key).retryAfter()
}

// RateLimit returns a rate limiting middleware with its own limiter.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return RateLimitWith(NewLimiter(cfg))
}

// RateLimitWith returns a rate limiting middleware backed by l.
func RateLimitWith(l *Limiter) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.config.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if doctorID, ok := c.Get("doctor_id").(int64); ok && doctorID > 0 {
				key = "doctor:" + strconv.FormatInt(doctorID, 10)
			}

			if !l.Allow(key) {
				c.Response().Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(key)))
				c.Response().Header().Set("X-RateLimit-Limit", limit)
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			return next(c)
		}
	}
}
