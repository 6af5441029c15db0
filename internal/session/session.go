// Package session issues and validates opaque, database-backed session
// tokens. Only a hash of a token is ever persisted: SHA-256, or HMAC-SHA256
// when the Manager has a token key.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const (
	DefaultLifetime        = 8 * time.Hour
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultExtendThreshold = 30 * time.Minute
	DefaultSweepInterval   = 5 * time.Minute

	tokenBytes = 32
)

// Reason records why a session stopped being usable.
type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonExpired Reason = "expired"
	ReasonTimeout Reason = "timeout"
	ReasonRevoked Reason = "revoked"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrInvalidSession = errors.New("session: invalid or expired")
)

// Session is one persisted login.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	OrganizationID    string     `json:"organizationId"`
	TokenHash         string     `json:"-"`
	IPAddress         string     `json:"ipAddress,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
	DeviceInfo        string     `json:"deviceInfo,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	LastActivity      time.Time  `json:"lastActivity"`
	IsActive          bool       `json:"isActive"`
	InvalidatedReason Reason     `json:"invalidatedReason,omitempty"`
	InvalidatedAt     *time.Time `json:"invalidatedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Usable reports whether s may authenticate a request at now.
func (s *Session) Usable(now time.Time, idle time.Duration) bool {
	return s.IsActive && now.Before(s.ExpiresAt) && now.Sub(s.LastActivity) < idle
}

// Store persists sessions. Invalidation methods only touch active rows and
// report how many rows they changed.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Invalidate(ctx context.Context, id string, reason Reason, at time.Time) (bool, error)
	InvalidateUser(ctx context.Context, userID string, reason Reason, at time.Time) (int64, error)
	InvalidateExpired(ctx context.Context, now time.Time) (int64, error)
	InvalidateIdle(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// HashToken returns the hex SHA-256 of a plaintext token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether token has the shape of an issued token.
func WellFormed(token string) bool {
	if len(token) != 2*tokenBytes {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
