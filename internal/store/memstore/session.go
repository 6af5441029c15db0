package memstore

import (
	"context"
	"sort"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/session"
)

type sessionStore struct{ db *DB }

func copySession(s session.Session) *session.Session {
	s.InvalidatedAt = copyTime(s.InvalidatedAt)
	return &s
}

func (s sessionStore) Create(_ context.Context, sess *session.Session) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.sessions[sess.ID]; ok {
		return apperr.Duplicate("Session already exists")
	}
	for _, existing := range s.db.sessions {
		if existing.TokenHash == sess.TokenHash {
			return apperr.Duplicate("Session already exists")
		}
	}
	s.db.sessions[sess.ID] = *copySession(*sess)
	return nil
}

func (s sessionStore) Find(_ context.Context, id string) (*session.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return copySession(sess), nil
}

func (s sessionStore) FindByTokenHash(_ context.Context, tokenHash string) (*session.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, sess := range s.db.sessions {
		if sess.TokenHash == tokenHash {
			return copySession(sess), nil
		}
	}
	return nil, session.ErrNotFound
}

func (s sessionStore) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]*session.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*session.Session{}
	for _, sess := range s.db.sessions {
		if sess.UserID == userID && sess.IsActive && sess.ExpiresAt.After(now) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (s sessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.IsActive && at.After(sess.LastActivity) {
		sess.LastActivity = at
		s.db.sessions[id] = sess
	}
	return nil
}

func (s sessionStore) Extend(_ context.Context, id string, expiresAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.IsActive && expiresAt.After(sess.ExpiresAt) {
		sess.ExpiresAt = expiresAt
		s.db.sessions[id] = sess
	}
	return nil
}

// invalidateWhere closes every active session for which match is true and returns
// the number closed. Callers hold the write lock.
func (s sessionStore) invalidateWhere(match func(session.Session) bool, reason session.Reason, at time.Time) int64 {
	var n int64
	for id, sess := range s.db.sessions {
		if !sess.IsActive || !match(sess) {
			continue
		}
		sess.IsActive = false
		sess.InvalidatedReason = reason
		sess.InvalidatedAt = &at
		s.db.sessions[id] = sess
		n++
	}
	return n
}

func (s sessionStore) Invalidate(_ context.Context, id string, reason session.Reason, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := s.invalidateWhere(func(sess session.Session) bool { return sess.ID == id }, reason, at)
	return n > 0, nil
}

func (s sessionStore) InvalidateUser(_ context.Context, userID string, reason session.Reason, at time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.invalidateWhere(func(sess session.Session) bool { return sess.UserID == userID }, reason, at), nil
}

func (s sessionStore) InvalidateExpired(_ context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.invalidateWhere(func(sess session.Session) bool { return !sess.ExpiresAt.After(now) }, session.ReasonExpired, now), nil
}

func (s sessionStore) InvalidateIdle(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.invalidateWhere(func(sess session.Session) bool { return !sess.LastActivity.After(cutoff) }, session.ReasonTimeout, now), nil
}
