package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket used to throttle outbound Monitor API
// calls (spec §4.2) so a burst of heartbeats, status events, and slice
// PATCHes from many agents in a namespace cannot overwhelm the Monitor.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	MaxTokens  float64
	RefillRate float64
}

// DefaultRateLimiterConfig is a reasonable default for a single agent's
// Monitor API calls.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{MaxTokens: 10, RefillRate: 1}
}

// NewRateLimiter creates a RateLimiter whose bucket starts full.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		tokens:     cfg.MaxTokens,
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		waitTime := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// AcquireN blocks until n tokens are available, one at a time.
func (r *RateLimiter) AcquireN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := r.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Available returns the current number of available tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// MaxTokens returns the bucket capacity.
func (r *RateLimiter) MaxTokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxTokens
}

// RefillRate returns the current refill rate.
func (r *RateLimiter) RefillRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refillRate
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now

	tokensToAdd := elapsed.Seconds() * r.refillRate
	r.tokens = minFloat(r.maxTokens, r.tokens+tokensToAdd)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
