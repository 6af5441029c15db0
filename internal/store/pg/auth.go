package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/auth"
)

// authStore serves auth.Store. db is nil inside a transaction.
type authStore struct {
	q  queryer
	db *sql.DB
}

func (s authStore) Organizations(context.Context) auth.OrganizationStore { return orgStore{q: s.q} }
func (s authStore) Users(context.Context) auth.UserStore                 { return userStore{q: s.q} }
func (s authStore) Verifications(context.Context) auth.VerificationStore { return verificationStore{q: s.q} }
func (s authStore) Invitations(context.Context) auth.InvitationStore     { return invitationStore{q: s.q} }

func (s authStore) InTx(ctx context.Context, fn func(auth.Store) error) error {
	return inTx(ctx, s.db, s.q, func(q queryer) error {
		return fn(authStore{q: q})
	})
}

type orgStore struct{ q queryer }

const orgColumns = `id, name, slug, settings, is_active, created_at, updated_at`

func scanOrg(row interface{ Scan(...any) error }) (*auth.Organization, error) {
	var (
		org      auth.Organization
		settings []byte
	)
	if err := row.Scan(&org.ID, &org.Name, &org.Slug, &settings, &org.IsActive, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &org.Settings); err != nil {
			return nil, err
		}
	}
	return &org, nil
}

func (s orgStore) Create(ctx context.Context, org *auth.Organization) error {
	settings, err := jsonArg(org.Settings)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into organizations (id, name, slug, settings, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.Slug, settings, org.IsActive, org.CreatedAt, org.UpdatedAt)
	if uniqueOn(err, "slug") {
		return apperr.Duplicate("organization slug already exists").WithField("slug", org.Slug)
	}
	return apperr.FromDB(err)
}

func (s orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	org, err := scanOrg(s.q.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "organization")
	}
	return org, nil
}

func (s orgStore) FindBySlug(ctx context.Context, slug string) (*auth.Organization, error) {
	org, err := scanOrg(s.q.QueryRowContext(ctx, `select `+orgColumns+` from organizations where slug = $1`, slug))
	if err != nil {
		return nil, notFound(err, "organization")
	}
	return org, nil
}

func (s orgStore) List(ctx context.Context) ([]*auth.Organization, error) {
	rows, err := s.q.QueryContext(ctx, `select `+orgColumns+` from organizations order by name`)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*auth.Organization{}
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, org)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s orgStore) Update(ctx context.Context, org *auth.Organization) error {
	settings, err := jsonArg(org.Settings)
	if err != nil {
		return err
	}
	return exec(ctx, s.q, "organization", `
		update organizations set name = $2, settings = $3, is_active = $4, updated_at = $5
		where id = $1`,
		org.ID, org.Name, settings, org.IsActive, org.UpdatedAt)
}

type userStore struct{ q queryer }

const userColumns = `id, organization_id, email, password_hash, first_name, last_name, role,
	is_active, email_verified, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Role,
		&u.IsActive, &u.EmailVerified, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, organization_id, email, password_hash, first_name, last_name, role,
			is_active, email_verified, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.OrganizationID, u.Email, u.PasswordHash, u.FirstName, u.LastName, string(u.Role),
		u.IsActive, u.EmailVerified, u.CreatedAt, u.UpdatedAt)
	if uniqueOn(err, "email") {
		return apperr.Duplicate("email already registered").WithField("email", "already registered")
	}
	return apperr.FromDB(err)
}

func (s userStore) one(ctx context.Context, where string, args ...any) (*auth.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where `+where, args...))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.one(ctx, `id = $1`, id)
}

func (s userStore) FindInOrg(ctx context.Context, orgID, id string) (*auth.User, error) {
	return s.one(ctx, `organization_id = $1 and id = $2`, orgID, id)
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.one(ctx, `lower(email) = lower($1)`, email)
}

func (s userStore) ListByOrg(ctx context.Context, orgID string) ([]*auth.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+userColumns+` from users where organization_id = $1 order by created_at`, orgID)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, u)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return exec(ctx, s.q, "user",
		`update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
}

func (s userStore) UpdateRole(ctx context.Context, orgID, userID string, role auth.Role) error {
	return exec(ctx, s.q, "user",
		`update users set role = $3, updated_at = now() where organization_id = $1 and id = $2`,
		orgID, userID, string(role))
}

func (s userStore) Deactivate(ctx context.Context, orgID, userID string) error {
	return exec(ctx, s.q, "user",
		`update users set is_active = false, updated_at = now() where organization_id = $1 and id = $2`,
		orgID, userID)
}

func (s userStore) MarkVerified(ctx context.Context, userID string) error {
	return exec(ctx, s.q, "user",
		`update users set email_verified = true, updated_at = now() where id = $1`, userID)
}

func (s userStore) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return exec(ctx, s.q, "user", `update users set last_login_at = $2 where id = $1`, userID, at)
}

type verificationStore struct{ q queryer }

func (s verificationStore) Create(ctx context.Context, v *auth.EmailVerification) error {
	_, err := s.q.ExecContext(ctx, `
		insert into email_verifications (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)`,
		v.ID, v.UserID, v.TokenHash, v.ExpiresAt, v.CreatedAt)
	return apperr.FromDB(err)
}

func (s verificationStore) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.EmailVerification, error) {
	var (
		v    auth.EmailVerification
		used sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used_at, created_at
		from email_verifications where token_hash = $1`, tokenHash).
		Scan(&v.ID, &v.UserID, &v.TokenHash, &v.ExpiresAt, &used, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err, "verification token")
	}
	v.UsedAt = timePtr(used)
	return &v, nil
}

func (s verificationStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := changed(ctx, s.q,
		`update email_verifications set used_at = $2 where id = $1 and used_at is null`, id, at)
	return n == 1, err
}

type invitationStore struct{ q queryer }

const invitationColumns = `id, organization_id, email, role, token_hash, invited_by,
	expires_at, accepted_at, revoked_at, created_at`

func scanInvitation(row interface{ Scan(...any) error }) (*auth.Invitation, error) {
	var (
		inv               auth.Invitation
		accepted, revoked sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.TokenHash, &inv.InvitedBy,
		&inv.ExpiresAt, &accepted, &revoked, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	inv.AcceptedAt = timePtr(accepted)
	inv.RevokedAt = timePtr(revoked)
	return &inv, nil
}

func (s invitationStore) Create(ctx context.Context, inv *auth.Invitation) error {
	_, err := s.q.ExecContext(ctx, `
		insert into invitations (id, organization_id, email, role, token_hash, invited_by, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.OrganizationID, inv.Email, string(inv.Role), inv.TokenHash, inv.InvitedBy, inv.ExpiresAt, inv.CreatedAt)
	return apperr.FromDB(err)
}

func (s invitationStore) Find(ctx context.Context, orgID, id string) (*auth.Invitation, error) {
	inv, err := scanInvitation(s.q.QueryRowContext(ctx,
		`select `+invitationColumns+` from invitations where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "invitation")
	}
	return inv, nil
}

func (s invitationStore) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.Invitation, error) {
	inv, err := scanInvitation(s.q.QueryRowContext(ctx,
		`select `+invitationColumns+` from invitations where token_hash = $1`, tokenHash))
	if err != nil {
		return nil, notFound(err, "invitation")
	}
	return inv, nil
}

func (s invitationStore) ListByOrg(ctx context.Context, orgID string) ([]*auth.Invitation, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+invitationColumns+` from invitations where organization_id = $1 order by created_at desc`, orgID)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*auth.Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, inv)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s invitationStore) MarkAccepted(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := changed(ctx, s.q, `
		update invitations set accepted_at = $2
		where id = $1 and accepted_at is null and revoked_at is null and expires_at > $2`, id, at)
	return n == 1, err
}

func (s invitationStore) Revoke(ctx context.Context, orgID, id string, at time.Time) (bool, error) {
	n, err := changed(ctx, s.q, `
		update invitations set revoked_at = $3
		where organization_id = $1 and id = $2 and accepted_at is null and revoked_at is null`, orgID, id, at)
	return n == 1, err
}
