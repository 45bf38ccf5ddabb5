package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens  float64
	updated time.Time
}

// MemoryLimiter is an in-process token bucket per key, refilled at rate
// tokens per second up to burst.
type MemoryLimiter struct {
	rate  float64
	burst float64
	idle  time.Duration // a bucket untouched this long is full again
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. burst is at least 1.
// Call Close to stop the sweep goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	burst = max(burst, 1)
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		idle:    time.Duration(float64(burst) / rate * float64(time.Second)),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweepLoop(min(max(m.idle, time.Second), time.Minute))
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, updated: now}
		m.buckets[key] = b
	}
	b.tokens = min(m.burst, b.tokens+now.Sub(b.updated).Seconds()*m.rate)
	b.updated = now

	if b.tokens < 1 {
		wait := (1 - b.tokens) / m.rate
		return Decision{RetryAfter: time.Duration(math.Ceil(wait * float64(time.Second)))}, nil
	}
	b.tokens--
	return Decision{Allowed: true}, nil
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets that have refilled completely; a fresh bucket is
// indistinguishable from them.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idle)
	for key, b := range m.buckets {
		if !b.updated.After(cutoff) {
			delete(m.buckets, key)
		}
	}
}
