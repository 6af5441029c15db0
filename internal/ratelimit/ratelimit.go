// Package ratelimit throttles requests per key. Memory keeps token buckets
// in-process; Redis shares fixed windows across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter decides whether key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Memory is a token bucket per key that refills max tokens per window.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
	ttl     time.Duration
	now     func() time.Time
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithIdleTTL sets how long an untouched bucket survives a sweep.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// NewMemory allows max requests per window for every key.
func NewMemory(max int, window time.Duration, opts ...MemoryOption) *Memory {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	m := &Memory{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
		ttl:     2 * window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(m.window/time.Duration(m.max)), m.max)}
		m.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	d := Decision{Allowed: allowed, Limit: m.max, Remaining: int(tokens)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if tokens < 1 {
		d.ResetAt = now.Add(time.Duration((1 - tokens) * float64(m.window) / float64(m.max)))
	} else {
		d.ResetAt = now
	}
	return d, nil
}

// Sweep drops buckets idle for longer than the TTL and returns how many.
func (m *Memory) Sweep() int {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}
