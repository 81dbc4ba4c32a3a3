package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(limit RateLimit) (*ClientRateLimiter, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewClientRateLimiterWithLimits(limit)
	limiter.now = clock.Now
	limiter.lastRefill = clock.now
	return limiter, clock
}

func TestClientRateLimiter_CheckRequestAllowed(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter, _ := newTestLimiter(RateLimit{RequestsPerMinute: 60, Burst: 5, MaxConcurrent: 10})

		for i := 0; i < 5; i++ {
			allowed, reason := limiter.CheckRequestAllowed()
			assert.True(t, allowed)
			assert.Empty(t, reason)
			limiter.RecordRequestStart()
			limiter.RecordRequestEnd()
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter, _ := newTestLimiter(RateLimit{RequestsPerMinute: 60, Burst: 10, MaxConcurrent: 2})
		limiter.RecordRequestStart()
		limiter.RecordRequestStart()

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, reasonTooConcurrent, reason)
	})

	t.Run("should reject when the bucket is empty", func(t *testing.T) {
		limiter, _ := newTestLimiter(RateLimit{RequestsPerMinute: 60, Burst: 3, MaxConcurrent: 10})
		for i := 0; i < 3; i++ {
			limiter.RecordRequestStart()
			limiter.RecordRequestEnd()
		}

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, reasonRateLimited, reason)
	})

	t.Run("should refill at the configured rate", func(t *testing.T) {
		limiter, clock := newTestLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2, MaxConcurrent: 10})
		limiter.RecordRequestStart()
		limiter.RecordRequestStart()
		limiter.RecordRequestEnd()
		limiter.RecordRequestEnd()

		allowed, _ := limiter.CheckRequestAllowed()
		assert.False(t, allowed)

		clock.Advance(2 * time.Second)
		allowed, _ = limiter.CheckRequestAllowed()
		assert.True(t, allowed)

		clock.Advance(time.Hour)
		tokens, _ := limiter.GetStats()
		assert.Equal(t, 2, tokens)
	})
}

func TestClientRateLimiter_RecordRequestStartEnd(t *testing.T) {
	t.Run("should track concurrent requests", func(t *testing.T) {
		limiter, _ := newTestLimiter(DefaultRateLimit())

		limiter.RecordRequestStart()
		limiter.RecordRequestStart()
		_, concurrent := limiter.GetStats()
		assert.Equal(t, 2, concurrent)

		limiter.RecordRequestEnd()
		_, concurrent = limiter.GetStats()
		assert.Equal(t, 1, concurrent)
	})

	t.Run("should not go negative on concurrent count", func(t *testing.T) {
		limiter, _ := newTestLimiter(DefaultRateLimit())
		limiter.RecordRequestEnd()
		_, concurrent := limiter.GetStats()
		assert.Equal(t, 0, concurrent)
	})
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	t.Run("should clamp tokens to the new burst", func(t *testing.T) {
		limiter, _ := newTestLimiter(RateLimit{RequestsPerMinute: 60, Burst: 10, MaxConcurrent: 10})
		limiter.UpdateLimits(RateLimit{RequestsPerMinute: 60, Burst: 1, MaxConcurrent: 1})

		tokens, _ := limiter.GetStats()
		assert.Equal(t, 1, tokens)

		limiter.RecordRequestStart()
		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, reasonTooConcurrent, reason)
	})
}

func TestRateLimit_Defaults(t *testing.T) {
	t.Run("should fill zero fields", func(t *testing.T) {
		assert.Equal(t, DefaultRateLimit(), RateLimit{}.withDefaults())
	})

	t.Run("should cap the derived burst", func(t *testing.T) {
		assert.Equal(t, 5, RateLimit{RequestsPerMinute: 5}.withDefaults().Burst)
		assert.Equal(t, 20, RateLimit{RequestsPerMinute: 600}.withDefaults().Burst)
	})
}
