package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"lendpath.io/internal/ids"
)

// Manager implements the session lifecycle on top of a Store.
type Manager struct {
	store           Store
	now             func() time.Time
	rand            io.Reader
	log             *zap.Logger
	lifetime        time.Duration
	idle            time.Duration
	extendThreshold time.Duration
	observe         func(reason string, n int64)
	tokenKey        []byte
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithIdleTimeout sets the inactivity window used by both validation and the
// sweeper.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

func WithExtendThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.extendThreshold = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithSweepObserver is called with the number of sessions each sweep closed.
func WithSweepObserver(fn func(reason string, n int64)) Option {
	return func(m *Manager) { m.observe = fn }
}

// WithTokenKey keys stored token hashes with HMAC-SHA256 under secret, so a
// leaked sessions table cannot be matched against guessed tokens. Changing
// the secret invalidates every open session.
func WithTokenKey(secret string) Option {
	return func(m *Manager) {
		if secret != "" {
			m.tokenKey = []byte(secret)
		}
	}
}

func withRandom(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager constructs a Manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		now:             time.Now,
		rand:            rand.Reader,
		log:             zap.NewNop(),
		lifetime:        DefaultLifetime,
		idle:            DefaultIdleTimeout,
		extendThreshold: DefaultExtendThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IdleTimeout returns the configured inactivity window.
func (m *Manager) IdleTimeout() time.Duration { return m.idle }

// Lifetime returns the default absolute lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// CreateParams describes a new login.
type CreateParams struct {
	UserID         string
	OrganizationID string
	IP             string
	UserAgent      string
	DeviceInfo     string
	Lifetime       time.Duration
}

// Issued is returned once at creation. Token is never stored.
type Issued struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Create issues a new session token.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Issued, error) {
	if p.UserID == "" || p.OrganizationID == "" {
		return Issued{}, errors.New("session: user and organization are required")
	}
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.rand, raw); err != nil {
		return Issued{}, fmt.Errorf("session: generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = m.lifetime
	}
	now := m.now().UTC()
	s := &Session{
		ID:             ids.New(),
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		TokenHash:      m.hash(token),
		IPAddress:      p.IP,
		UserAgent:      truncate(p.UserAgent, 512),
		DeviceInfo:     truncate(p.DeviceInfo, 512),
		ExpiresAt:      now.Add(lifetime),
		LastActivity:   now,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Issued{}, fmt.Errorf("session: create: %w", err)
	}
	return Issued{SessionID: s.ID, Token: token, ExpiresAt: s.ExpiresAt}, nil
}

// Validate resolves a plaintext token to its active session. Expired and idle
// sessions are closed as a side effect and reported as ErrInvalidSession.
// Store failures are returned wrapped; callers must treat them as
// unauthenticated.
func (m *Manager) Validate(ctx context.Context, token string) (*Session, error) {
	if !WellFormed(token) {
		return nil, ErrInvalidSession
	}
	s, err := m.store.FindByTokenHash(ctx, m.hash(token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	if !s.IsActive {
		return nil, ErrInvalidSession
	}
	now := m.now().UTC()
	switch {
	case !now.Before(s.ExpiresAt):
		m.closeQuietly(ctx, s.ID, ReasonExpired, now)
		return nil, ErrInvalidSession
	case now.Sub(s.LastActivity) >= m.idle:
		m.closeQuietly(ctx, s.ID, ReasonTimeout, now)
		return nil, ErrInvalidSession
	}
	return s, nil
}

// Resolve finds the session behind token without lifetime checks. Used by
// logout, which must succeed even for stale tokens.
func (m *Manager) Resolve(ctx context.Context, token string) (*Session, error) {
	return m.store.FindByTokenHash(ctx, m.hash(token))
}

func (m *Manager) hash(token string) string {
	if len(m.tokenKey) == 0 {
		return HashToken(token)
	}
	mac := hmac.New(sha256.New, m.tokenKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) closeQuietly(ctx context.Context, id string, reason Reason, now time.Time) {
	if _, err := m.store.Invalidate(ctx, id, reason, now); err != nil {
		m.log.Warn("session invalidate failed", zap.String("session_id", id), zap.String("reason", string(reason)), zap.Error(err))
	}
}

// Touch records activity on the session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.store.Touch(ctx, id, m.now().UTC()); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// ExtendIfNearExpiry pushes the absolute expiry out by a full lifetime when
// less than the threshold remains. It reports whether it extended.
func (m *Manager) ExtendIfNearExpiry(ctx context.Context, s *Session) (bool, error) {
	now := m.now().UTC()
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= 0 || remaining >= m.extendThreshold {
		return false, nil
	}
	next := now.Add(m.lifetime)
	if err := m.store.Extend(ctx, s.ID, next); err != nil {
		return false, fmt.Errorf("session: extend: %w", err)
	}
	s.ExpiresAt = next
	return true, nil
}

// Invalidate closes one session. It is idempotent; the bool reports whether
// this call performed the transition.
func (m *Manager) Invalidate(ctx context.Context, id string, reason Reason) (bool, error) {
	changed, err := m.store.Invalidate(ctx, id, reason, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("session: invalidate: %w", err)
	}
	return changed, nil
}

// InvalidateUser closes every active session of a user.
func (m *Manager) InvalidateUser(ctx context.Context, userID string, reason Reason) (int64, error) {
	n, err := m.store.InvalidateUser(ctx, userID, reason, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("session: invalidate user: %w", err)
	}
	return n, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Find(ctx, id)
}

// ListActive returns the user's usable sessions.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	now := m.now().UTC()
	all, err := m.store.ListActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	out := all[:0]
	for _, s := range all {
		if s.Usable(now, m.idle) {
			out = append(out, s)
		}
	}
	return out, nil
}

// InvalidateOthers closes every active session of the user except keepID.
func (m *Manager) InvalidateOthers(ctx context.Context, userID, keepID string, reason Reason) (int64, error) {
	now := m.now().UTC()
	active, err := m.store.ListActiveByUser(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("session: list: %w", err)
	}
	var n int64
	for _, s := range active {
		if s.ID == keepID {
			continue
		}
		changed, err := m.store.Invalidate(ctx, s.ID, reason, now)
		if err != nil {
			return n, fmt.Errorf("session: invalidate: %w", err)
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// CleanupExpired closes sessions past their absolute expiry.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.InvalidateExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("session: cleanup expired: %w", err)
	}
	return n, nil
}

// TimeoutInactive closes sessions idle for at least idle. Zero uses the
// configured idle timeout.
func (m *Manager) TimeoutInactive(ctx context.Context, idle time.Duration) (int64, error) {
	if idle <= 0 {
		idle = m.idle
	}
	now := m.now().UTC()
	n, err := m.store.InvalidateIdle(ctx, now.Add(-idle), now)
	if err != nil {
		return 0, fmt.Errorf("session: timeout inactive: %w", err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
