package gateway

import (
	"sync"
	"time"
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// RateLimit configures a ClientRateLimiter. Tokens refill at
// RequestsPerMinute; Burst is the bucket size.
type RateLimit struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
	MaxConcurrent     int `mapstructure:"max_concurrent"`
}

// DefaultRateLimit returns the per-client limits used when none are set.
func DefaultRateLimit() RateLimit {
	return RateLimit{RequestsPerMinute: 60, Burst: 20, MaxConcurrent: 10}
}

func (l RateLimit) withDefaults() RateLimit {
	d := DefaultRateLimit()
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = d.RequestsPerMinute
	}
	if l.Burst <= 0 {
		l.Burst = l.RequestsPerMinute
		if l.Burst > d.Burst {
			l.Burst = d.Burst
		}
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = d.MaxConcurrent
	}
	return l
}

// ClientRateLimiter is a per-client token bucket plus a cap on requests in
// flight.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limit              RateLimit
	tokens             float64
	lastRefill         time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// The bucket starts full.
func NewClientRateLimiterWithLimits(limit RateLimit) *ClientRateLimiter {
	limit = limit.withDefaults()
	return &ClientRateLimiter{
		limit:      limit,
		tokens:     float64(limit.Burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill must be called with mu held.
func (r *ClientRateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed.Minutes() * float64(r.limit.RequestsPerMinute)
	if ceiling := float64(r.limit.Burst); r.tokens > ceiling {
		r.tokens = ceiling
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.limit.MaxConcurrent {
		return false, reasonTooConcurrent
	}
	r.refill()
	if r.tokens < 1 {
		return false, reasonRateLimited
	}
	return true, ""
}

// RecordRequestStart takes a token and counts the request as in flight.
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	r.tokens--
	if r.tokens < 0 {
		r.tokens = 0
	}
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits swaps the limits. Tokens above the new burst are dropped.
func (r *ClientRateLimiter) UpdateLimits(limit RateLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	r.limit = limit.withDefaults()
	if ceiling := float64(r.limit.Burst); r.tokens > ceiling {
		r.tokens = ceiling
	}
}

// GetStats returns the whole tokens left and the requests in flight.
func (r *ClientRateLimiter) GetStats() (tokens, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return int(r.tokens), r.concurrentRequests
}
