package gossip

import (
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
)

// RateLimiterConfig holds per-sender token bucket parameters.
type RateLimiterConfig struct {
	RatePerSecond float64
	Burst         int
}

// RateLimiter implements token bucket rate limiting per sender.
type RateLimiter struct {
	config  RateLimiterConfig
	buckets map[topology.NodeID]*tokenBucket
	mu      sync.Mutex
	now     func() time.Time
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
	capacity float64
	refill   float64 // tokens per second
}

// NewRateLimiter creates a rate limiter with the given budget.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RatePerSecond) * 2
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[topology.NodeID]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the sender, reporting whether the
// message fits the budget.
func (rl *RateLimiter) Allow(sender topology.NodeID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, exists := rl.buckets[sender]
	if !exists {
		bucket = &tokenBucket{
			tokens:   float64(rl.config.Burst),
			lastTime: now,
			capacity: float64(rl.config.Burst),
			refill:   rl.config.RatePerSecond,
		}
		rl.buckets[sender] = bucket
	}

	elapsed := now.Sub(bucket.lastTime).Seconds()
	bucket.tokens += elapsed * bucket.refill
	if bucket.tokens > bucket.capacity {
		bucket.tokens = bucket.capacity
	}
	bucket.lastTime = now

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		return true
	}
	return false
}

// Cleanup drops buckets idle longer than maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for sender, bucket := range rl.buckets {
		if bucket.lastTime.Before(cutoff) {
			delete(rl.buckets, sender)
		}
	}
}

// Tracked returns the number of senders with live buckets.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
