package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestCreateFailsWithoutEntropy(t *testing.T) {
	m := NewManager(nil, withRandom(failingReader{}))
	if _, err := m.Create(context.Background(), CreateParams{UserID: "u", OrganizationID: "o"}); err == nil {
		t.Fatal("expected error when the random source fails")
	}
}

func TestUsable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{IsActive: true, ExpiresAt: now.Add(time.Hour), LastActivity: now.Add(-10 * time.Minute)}
	if !s.Usable(now, 30*time.Minute) {
		t.Fatal("expected usable session")
	}
	if s.Usable(now, 10*time.Minute) {
		t.Fatal("idle window reached, session should not be usable")
	}
	s.IsActive = false
	if s.Usable(now, time.Hour) {
		t.Fatal("inactive session must not be usable")
	}
}

func TestHashTokenIsStable(t *testing.T) {
	a, b := HashToken("token"), HashToken("token")
	if a != b || len(a) != 64 {
		t.Fatalf("unexpected hashes %q %q", a, b)
	}
	if HashToken("other") == a {
		t.Fatal("different tokens share a hash")
	}
}
