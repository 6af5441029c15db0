package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryAllowsBurstThenRefills(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	lim := NewMemory(3, time.Minute, WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(ctx, "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i, d, err)
		}
	}
	d, _ := lim.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatalf("fourth request should be throttled")
	}
	if d.RetryAfter(clk.Now()) <= 0 {
		t.Fatalf("expected a retry delay, got %+v", d)
	}
	if other, _ := lim.Allow(ctx, "10.0.0.2"); !other.Allowed {
		t.Fatalf("keys must not share buckets")
	}

	clk.Advance(21 * time.Second)
	if d, _ := lim.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Fatalf("one token should refill after a third of the window")
	}
}

func TestMemorySweepEvictsIdleKeys(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	lim := NewMemory(5, time.Minute, WithClock(clk.Now), WithIdleTTL(5*time.Minute))
	ctx := context.Background()
	_, _ = lim.Allow(ctx, "a")
	clk.Advance(4 * time.Minute)
	_, _ = lim.Allow(ctx, "b")
	clk.Advance(2 * time.Minute)

	if n := lim.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if lim.Len() != 1 {
		t.Fatalf("len = %d, want 1", lim.Len())
	}
}

func TestMemoryRunStopsOnCancel(t *testing.T) {
	lim := NewMemory(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lim.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRedisWindowKey(t *testing.T) {
	r := NewRedis(nil, "auth", 5, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 42, 0, time.UTC)
	key, reset := r.windowKey("10.0.0.1", now)
	want := "rate_limit:auth:10.0.0.1:1714564800"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
	if !reset.Equal(time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("reset = %v", reset)
	}
}

func TestRedisFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	d, err := NewRedis(client, "api", 2, time.Minute).Allow(context.Background(), "k")
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !d.Allowed {
		t.Fatalf("unreachable redis must not block requests")
	}
}
