package session_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lendpath.io/internal/session"
	"lendpath.io/internal/store/memstore"
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

func newManager(t *testing.T, opts ...session.Option) (*session.Manager, session.Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memstore.New().Sessions()
	opts = append([]session.Option{session.WithClock(c.Now)}, opts...)
	return session.NewManager(store, opts...), store, c
}

func issue(t *testing.T, m *session.Manager) session.Issued {
	t.Helper()
	issued, err := m.Create(context.Background(), session.CreateParams{UserID: "u1", OrganizationID: "o1", IP: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	return issued
}

func TestCreateStoresOnlyTokenHash(t *testing.T) {
	m, store, c := newManager(t)
	issued := issue(t, m)

	if !session.WellFormed(issued.Token) {
		t.Fatalf("token %q is not 64 hex chars", issued.Token)
	}
	if want := c.Now().Add(session.DefaultLifetime); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", issued.ExpiresAt, want)
	}
	s, err := store.Find(context.Background(), issued.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if s.TokenHash == issued.Token || s.TokenHash != session.HashToken(issued.Token) {
		t.Fatalf("stored hash %q does not match token", s.TokenHash)
	}
}

func TestTokenKeyHashesWithHMAC(t *testing.T) {
	secret := strings.Repeat("s", 40)
	m, store, _ := newManager(t, session.WithTokenKey(secret))
	ctx := context.Background()
	issued := issue(t, m)

	s, err := store.Find(ctx, issued.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(issued.Token))
	if want := hex.EncodeToString(mac.Sum(nil)); s.TokenHash != want {
		t.Fatalf("stored hash %q, want keyed %q", s.TokenHash, want)
	}
	if _, err := m.Validate(ctx, issued.Token); err != nil {
		t.Fatalf("validate with key: %v", err)
	}
	if got, err := m.Resolve(ctx, issued.Token); err != nil || got.ID != issued.SessionID {
		t.Fatalf("resolve: %v %v", got, err)
	}

	other := session.NewManager(store, session.WithTokenKey(strings.Repeat("t", 40)))
	if _, err := other.Validate(ctx, issued.Token); !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("a different key must not validate the token, got %v", err)
	}
	unkeyed := session.NewManager(store)
	if _, err := unkeyed.Validate(ctx, issued.Token); !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("an unkeyed manager must not validate the token, got %v", err)
	}
}

func TestValidateRejectsMalformedAndUnknown(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	for _, token := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("a", 64)} {
		if _, err := m.Validate(ctx, token); !errors.Is(err, session.ErrInvalidSession) {
			t.Fatalf("token %q: expected ErrInvalidSession, got %v", token, err)
		}
	}
}

func TestIdleTimeoutInvalidates(t *testing.T) {
	m, store, c := newManager(t)
	ctx := context.Background()
	issued := issue(t, m)

	c.Advance(29 * time.Minute)
	if _, err := m.Validate(ctx, issued.Token); err != nil {
		t.Fatalf("session should still be valid: %v", err)
	}
	if err := m.Touch(ctx, issued.SessionID); err != nil {
		t.Fatal(err)
	}
	c.Advance(30 * time.Minute)
	if _, err := m.Validate(ctx, issued.Token); !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("expected idle session to be rejected, got %v", err)
	}
	s, _ := store.Find(ctx, issued.SessionID)
	if s.IsActive || s.InvalidatedReason != session.ReasonTimeout {
		t.Fatalf("expected timeout invalidation, got active=%v reason=%q", s.IsActive, s.InvalidatedReason)
	}
}

func TestAbsoluteExpiryInvalidates(t *testing.T) {
	m, store, c := newManager(t, session.WithIdleTimeout(24*time.Hour))
	ctx := context.Background()
	issued := issue(t, m)

	c.Advance(session.DefaultLifetime)
	if _, err := m.Validate(ctx, issued.Token); !errors.Is(err, session.ErrInvalidSession) {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
	s, _ := store.Find(ctx, issued.SessionID)
	if s.InvalidatedReason != session.ReasonExpired {
		t.Fatalf("reason = %q, want expired", s.InvalidatedReason)
	}
}

func TestExtendNearExpiry(t *testing.T) {
	m, _, c := newManager(t, session.WithIdleTimeout(24*time.Hour))
	ctx := context.Background()
	issued := issue(t, m)

	s, err := m.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatal(err)
	}
	if extended, _ := m.ExtendIfNearExpiry(ctx, s); extended {
		t.Fatal("fresh session should not be extended")
	}
	c.Advance(session.DefaultLifetime - 10*time.Minute)
	s, err = m.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatal(err)
	}
	extended, err := m.ExtendIfNearExpiry(ctx, s)
	if err != nil || !extended {
		t.Fatalf("expected extension, got %v %v", extended, err)
	}
	c.Advance(time.Hour)
	if _, err := m.Validate(ctx, issued.Token); err != nil {
		t.Fatalf("extended session rejected: %v", err)
	}
}

func TestConcurrentInvalidateChangesOnce(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	issued := issue(t, m)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Invalidate(ctx, issued.SessionID, session.ReasonManual)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if changed != 1 {
		t.Fatalf("expected exactly one invalidation, got %d", changed)
	}
}

func TestInvalidateOthersKeepsCurrent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	keep := issue(t, m)
	issue(t, m)
	issue(t, m)

	n, err := m.InvalidateOthers(ctx, "u1", keep.SessionID, session.ReasonRevoked)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("closed %d sessions, want 2", n)
	}
	active, _ := m.ListActive(ctx, "u1")
	if len(active) != 1 || active[0].ID != keep.SessionID {
		t.Fatalf("unexpected active sessions: %+v", active)
	}
}

func TestSweepReportsCounts(t *testing.T) {
	var (
		mu       sync.Mutex
		observed = map[string]int64{}
	)
	m, _, c := newManager(t, session.WithSweepObserver(func(reason string, n int64) {
		mu.Lock()
		observed[reason] += n
		mu.Unlock()
	}))
	ctx := context.Background()
	idle := issue(t, m)
	c.Advance(20 * time.Minute)
	fresh := issue(t, m)
	c.Advance(15 * time.Minute)

	expired, timedOut, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 0 || timedOut != 1 {
		t.Fatalf("sweep = (%d, %d), want (0, 1)", expired, timedOut)
	}
	if observed["timeout"] != 1 {
		t.Fatalf("observer saw %v", observed)
	}
	if _, err := m.Validate(ctx, idle.Token); err == nil {
		t.Fatal("swept session still validates")
	}
	if _, err := m.Validate(ctx, fresh.Token); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	m, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunSweeper(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
