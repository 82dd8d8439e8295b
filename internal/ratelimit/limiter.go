// Package ratelimit provides per-key token buckets for request pacing and
// fixed-window hourly counters for trigger budgets. Counters are process
// local and advisory: deployments running several instances must externalize
// them to keep the stated limits.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures token bucket behavior.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Bucket is a token bucket.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket creates a token bucket that starts full.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token when one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens for elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// WaitTime returns how long until a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// Limiter manages token buckets for multiple keys (users, providers, runs).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a per-key limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow reports whether a request for the key may proceed, consuming a
// token when it does.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(key).Allow()
}

// WaitTime returns how long the key must wait before a request is allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	return l.getBucket(key).WaitTime()
}

// Reset drops the bucket for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}

	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}

	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}

// prune drops buckets that are near full, which marks them inactive.
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		bucket.mu.Lock()
		bucket.refill()
		nearFull := bucket.tokens >= bucket.maxTokens*0.9
		bucket.mu.Unlock()
		if nearFull {
			delete(l.buckets, key)
		}
	}
}

// HourlyCounter counts events per key in fixed wall-clock hour windows. The
// window resets when the hour rolls over, not on a sliding basis.
type HourlyCounter struct {
	mu     sync.Mutex
	counts map[string]int
	window time.Time
	now    func() time.Time
}

// NewHourlyCounter creates a counter. now may be nil to use the wall clock.
func NewHourlyCounter(now func() time.Time) *HourlyCounter {
	if now == nil {
		now = time.Now
	}
	return &HourlyCounter{
		counts: make(map[string]int),
		now:    now,
	}
}

// Increment bumps the key's count for the current hour and returns the new
// count.
func (c *HourlyCounter) Increment(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll()
	c.counts[key]++
	return c.counts[key]
}

// Count returns the key's count in the current hour window.
func (c *HourlyCounter) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roll()
	return c.counts[key]
}

// Exceeded reports whether the key has reached its hourly budget. A limit
// of zero or less means unlimited.
func (c *HourlyCounter) Exceeded(key string, limit int) bool {
	if limit <= 0 {
		return false
	}
	return c.Count(key) >= limit
}

// roll resets counts when the hour window changed. Caller holds the lock.
func (c *HourlyCounter) roll() {
	window := c.now().Truncate(time.Hour)
	if !window.Equal(c.window) {
		c.window = window
		c.counts = make(map[string]int)
	}
}
