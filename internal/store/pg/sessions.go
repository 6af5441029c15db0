package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/session"
)

type sessionStore struct{ q queryer }

const sessionColumns = `id, user_id, organization_id, token_hash, ip_address, user_agent, device_info,
	expires_at, last_activity, is_active, invalidated_reason, invalidated_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		s                session.Session
		ip, ua, dev, why sql.NullString
		invalidatedAt    sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.OrganizationID, &s.TokenHash, &ip, &ua, &dev,
		&s.ExpiresAt, &s.LastActivity, &s.IsActive, &why, &invalidatedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.IPAddress, s.UserAgent, s.DeviceInfo = ip.String, ua.String, dev.String
	s.InvalidatedReason = session.Reason(why.String)
	s.InvalidatedAt = timePtr(invalidatedAt)
	return &s, nil
}

func sessionNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	return apperr.FromDB(err)
}

func (st sessionStore) Create(ctx context.Context, s *session.Session) error {
	_, err := st.q.ExecContext(ctx, `
		insert into user_sessions (id, user_id, organization_id, token_hash, ip_address, user_agent, device_info,
			expires_at, last_activity, is_active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, s.OrganizationID, s.TokenHash, nullIfEmpty(s.IPAddress), nullIfEmpty(s.UserAgent),
		nullIfEmpty(s.DeviceInfo), s.ExpiresAt, s.LastActivity, s.IsActive, s.CreatedAt)
	return apperr.FromDB(err)
}

func (st sessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	s, err := scanSession(st.q.QueryRowContext(ctx, `select `+sessionColumns+` from user_sessions where id = $1`, id))
	if err != nil {
		return nil, sessionNotFound(err)
	}
	return s, nil
}

func (st sessionStore) FindByTokenHash(ctx context.Context, tokenHash string) (*session.Session, error) {
	s, err := scanSession(st.q.QueryRowContext(ctx,
		`select `+sessionColumns+` from user_sessions where token_hash = $1`, tokenHash))
	if err != nil {
		return nil, sessionNotFound(err)
	}
	return s, nil
}

func (st sessionStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*session.Session, error) {
	rows, err := st.q.QueryContext(ctx, `
		select `+sessionColumns+` from user_sessions
		where user_id = $1 and is_active and expires_at > $2
		order by last_activity desc`, userID, now)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*session.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, s)
	}
	return out, apperr.FromDB(rows.Err())
}

// Touch and Extend only move timestamps forward, so racing requests
// cannot roll activity back.
func (st sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	return st.forward(ctx, id, `
		update user_sessions set last_activity = $2
		where id = $1 and is_active and last_activity < $2`, at)
}

func (st sessionStore) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	return st.forward(ctx, id, `
		update user_sessions set expires_at = $2
		where id = $1 and is_active and expires_at < $2`, expiresAt)
}

func (st sessionStore) forward(ctx context.Context, id, query string, at time.Time) error {
	n, err := changed(ctx, st.q, query, id, at)
	if err != nil || n > 0 {
		return err
	}
	var exists bool
	err = st.q.QueryRowContext(ctx, `select exists (select 1 from user_sessions where id = $1)`, id).Scan(&exists)
	if err != nil {
		return apperr.FromDB(err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return nil
}

func (st sessionStore) Invalidate(ctx context.Context, id string, reason session.Reason, at time.Time) (bool, error) {
	n, err := changed(ctx, st.q, `
		update user_sessions set is_active = false, invalidated_reason = $2, invalidated_at = $3
		where id = $1 and is_active`, id, string(reason), at)
	return n == 1, err
}

func (st sessionStore) InvalidateUser(ctx context.Context, userID string, reason session.Reason, at time.Time) (int64, error) {
	return changed(ctx, st.q, `
		update user_sessions set is_active = false, invalidated_reason = $2, invalidated_at = $3
		where user_id = $1 and is_active`, userID, string(reason), at)
}

func (st sessionStore) InvalidateExpired(ctx context.Context, now time.Time) (int64, error) {
	return changed(ctx, st.q, `
		update user_sessions set is_active = false, invalidated_reason = $2, invalidated_at = $1
		where is_active and expires_at <= $1`, now, string(session.ReasonExpired))
}

func (st sessionStore) InvalidateIdle(ctx context.Context, cutoff, now time.Time) (int64, error) {
	return changed(ctx, st.q, `
		update user_sessions set is_active = false, invalidated_reason = $3, invalidated_at = $2
		where is_active and last_activity <= $1`, cutoff, now, string(session.ReasonTimeout))
}
