package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/ids"
	"lendpath.io/internal/session"
	"lendpath.io/internal/trace"
)

const (
	defaultInvitationTTL   = 72 * time.Hour
	defaultVerificationTTL = 24 * time.Hour
)

// Auditor records audit entries. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, e audit.Entry)
}

type nopAuditor struct{}

func (nopAuditor) Log(context.Context, audit.Entry) {}

// Service implements signup, login, session handling, invitations and
// tenant user administration.
type Service struct {
	store    Store
	sessions *session.Manager
	audit    Auditor
	log      *zap.Logger
	now      func() time.Time

	bcryptCost      int
	invitationTTL   time.Duration
	verificationTTL time.Duration
	invites         invitationSigner

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithInvitationSecret sets the HS256 key used to sign invitation tokens.
func WithInvitationSecret(secret string) ServiceOption {
	return func(s *Service) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return errors.New("auth: invitation secret is required")
		}
		s.invites.secret = []byte(secret)
		return nil
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("auth: bcrypt cost %d out of range", cost)
		}
		s.bcryptCost = cost
		return nil
	}
}

// WithInvitationTTL configures invitation lifetime.
func WithInvitationTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.invitationTTL = ttl
		}
		return nil
	}
}

// WithVerificationTTL configures email verification token lifetime.
func WithVerificationTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.verificationTTL = ttl
		}
		return nil
	}
}

// WithAuditor records auth events.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.audit = a
		}
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now != nil {
			s.now = now
			s.invites.now = now
		}
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, sessions *session.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if sessions == nil {
		return nil, errors.New("auth: session manager is required")
	}
	s := &Service{
		store:           store,
		sessions:        sessions,
		audit:           nopAuditor{},
		log:             zap.NewNop(),
		now:             time.Now,
		bcryptCost:      bcrypt.DefaultCost,
		invitationTTL:   defaultInvitationTTL,
		verificationTTL: defaultVerificationTTL,
	}
	s.invites.now = time.Now
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// SignupInput creates a new organization with its first admin.
type SignupInput struct {
	Email            string
	Password         string
	FirstName        string
	LastName         string
	OrganizationName string
}

// SignupResult is returned by Signup. VerificationToken is delivered to the
// user out of band.
type SignupResult struct {
	User                 *User
	Organization         *Organization
	VerificationToken    string
	RequiresVerification bool
}

// Signup registers a user as admin of a new organization. The account cannot
// log in until the email address is verified.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.OrganizationName = strings.TrimSpace(in.OrganizationName)
	verr := apperr.Validation("Invalid signup request")
	if in.FirstName == "" {
		verr.WithField("firstName", "is required")
	}
	if in.LastName == "" {
		verr.WithField("lastName", "is required")
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	if in.OrganizationName == "" {
		in.OrganizationName = in.FirstName + " " + in.LastName + "'s Organization"
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	if _, err := s.store.Users(ctx).FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, apperr.NotFound("")) {
		return nil, err
	}

	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	token, err := randomToken()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := s.now().UTC()
	org := &Organization{
		ID:        ids.New(),
		Name:      in.OrganizationName,
		Settings:  DefaultSettings(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	user := &User{
		ID:             ids.New(),
		OrganizationID: org.ID,
		Email:          email,
		PasswordHash:   hash,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Role:           RoleAdmin,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	verification := &EmailVerification{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: session.HashToken(token),
		ExpiresAt: now.Add(s.verificationTTL),
		CreatedAt: now,
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		slug, err := uniqueSlug(ctx, tx.Organizations(ctx), org.Name)
		if err != nil {
			return err
		}
		org.Slug = slug
		if err := tx.Organizations(ctx).Create(ctx, org); err != nil {
			return err
		}
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return tx.Verifications(ctx).Create(ctx, verification)
	})
	if errors.Is(err, apperr.Duplicate("")) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		EventType:      audit.EventAuthentication,
		Action:         audit.ActionSignup,
		UserID:         user.ID,
		OrganizationID: org.ID,
		Resource:       "user",
		ResourceID:     user.ID,
		Details:        map[string]any{"email": email, "organization": org.Name},
	})
	return &SignupResult{User: user, Organization: org, VerificationToken: token, RequiresVerification: true}, nil
}

// LoginInput carries credentials and client details.
type LoginInput struct {
	Email      string
	Password   string
	IP         string
	UserAgent  string
	DeviceInfo string
}

// LoginResult carries the issued session token.
type LoginResult struct {
	User         *User
	Organization *Organization
	SessionID    string
	Token        string
	ExpiresAt    time.Time
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return nil, apperr.Validation("Email and password are required")
	}

	span := trace.StartSpan(ctx, "db.users.find_by_email")
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	span(err)
	switch {
	case errors.Is(err, apperr.NotFound("")):
		// Equalize timing with the wrong-password path.
		_ = VerifyPassword(s.dummy(), in.Password)
		s.loginFailed(ctx, "", "", email, "unknown_email")
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, err
	}
	if err := VerifyPassword(user.PasswordHash, in.Password); err != nil {
		s.loginFailed(ctx, user.ID, user.OrganizationID, email, "bad_password")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.loginFailed(ctx, user.ID, user.OrganizationID, email, "account_disabled")
		return nil, ErrAccountDisabled
	}
	if !user.EmailVerified {
		s.loginFailed(ctx, user.ID, user.OrganizationID, email, "email_not_verified")
		return nil, ErrEmailNotVerified
	}
	org, err := s.store.Organizations(ctx).Find(ctx, user.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		s.loginFailed(ctx, user.ID, org.ID, email, "organization_inactive")
		return nil, ErrOrganizationClosed
	}

	issued, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:         user.ID,
		OrganizationID: org.ID,
		IP:             in.IP,
		UserAgent:      in.UserAgent,
		DeviceInfo:     in.DeviceInfo,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := s.now().UTC()
	if err := traced(ctx, "db.users.record_login", func() error { return s.store.Users(ctx).RecordLogin(ctx, user.ID, now) }); err != nil {
		s.log.Warn("record last login failed", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	s.audit.Log(ctx, audit.Entry{
		EventType:      audit.EventAuthentication,
		Action:         audit.ActionLoginSuccess,
		UserID:         user.ID,
		OrganizationID: org.ID,
		Resource:       "session",
		ResourceID:     issued.SessionID,
	})
	return &LoginResult{
		User:         user,
		Organization: org,
		SessionID:    issued.SessionID,
		Token:        issued.Token,
		ExpiresAt:    issued.ExpiresAt,
	}, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, orgID, email, reason string) {
	s.audit.Log(ctx, audit.Entry{
		EventType:      audit.EventAuthentication,
		Action:         audit.ActionLoginFailure,
		UserID:         userID,
		OrganizationID: orgID,
		Outcome:        audit.OutcomeFailure,
		Details:        map[string]any{"email": email, "reason": reason},
	})
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = HashPassword("not-a-real-password", s.bcryptCost)
	})
	return s.dummyHash
}

// Authenticate resolves a session token into a Principal. It records
// activity and extends sessions close to their absolute expiry. Any failure,
// including storage errors, yields ErrUnauthenticated.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidSession) {
			s.log.Warn("session validation failed", zap.Error(err))
		}
		return Principal{}, ErrUnauthenticated
	}
	span := trace.StartSpan(ctx, "db.users.find")
	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	span(err)
	if err != nil || !user.IsActive {
		if err == nil || errors.Is(err, apperr.NotFound("")) {
			_, _ = s.sessions.Invalidate(ctx, sess.ID, session.ReasonRevoked)
		}
		return Principal{}, ErrUnauthenticated
	}
	org, err := s.store.Organizations(ctx).Find(ctx, user.OrganizationID)
	if err != nil || !org.IsActive {
		return Principal{}, ErrUnauthenticated
	}

	if err := s.sessions.Touch(ctx, sess.ID); err != nil {
		s.log.Warn("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	} else {
		sess.LastActivity = s.now().UTC()
	}
	if _, err := s.sessions.ExtendIfNearExpiry(ctx, sess); err != nil {
		s.log.Warn("session extend failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return Principal{User: user, Organization: org, Session: sess}, nil
}

// Logout invalidates the session behind token if it is still active. It is
// idempotent and reports whether this call closed the session.
func (s *Service) Logout(ctx context.Context, token string) (bool, error) {
	if !session.WellFormed(token) {
		return false, nil
	}
	sess, err := s.sessions.Resolve(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.IsActive {
		return false, nil
	}
	changed, err := s.sessions.Invalidate(ctx, sess.ID, session.ReasonManual)
	if err != nil {
		return false, err
	}
	if changed {
		s.audit.Log(ctx, audit.Entry{
			EventType:      audit.EventAuthentication,
			Action:         audit.ActionLogout,
			UserID:         sess.UserID,
			OrganizationID: sess.OrganizationID,
			Resource:       "session",
			ResourceID:     sess.ID,
		})
	}
	return changed, nil
}

// LogoutAll closes every session of the caller.
func (s *Service) LogoutAll(ctx context.Context, p Principal) (int64, error) {
	n, err := s.sessions.InvalidateUser(ctx, p.UserID(), session.ReasonManual)
	if err != nil {
		return 0, err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:      audit.EventAuthentication,
		Action:         audit.ActionLogoutAll,
		UserID:         p.UserID(),
		OrganizationID: p.OrgID(),
		Details:        map[string]any{"sessions": n},
	})
	return n, nil
}

// ListSessions returns the caller's usable sessions.
func (s *Service) ListSessions(ctx context.Context, p Principal) ([]*session.Session, error) {
	return s.sessions.ListActive(ctx, p.UserID())
}

// RevokeSession closes one of the caller's own sessions.
func (s *Service) RevokeSession(ctx context.Context, p Principal, id string) error {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) || (err == nil && sess.UserID != p.UserID()) {
		return apperr.NotFound("Session not found")
	}
	if err != nil {
		return err
	}
	changed, err := s.sessions.Invalidate(ctx, id, session.ReasonRevoked)
	if err != nil {
		return err
	}
	if changed {
		s.audit.Log(ctx, audit.Entry{
			EventType:  audit.EventSecurity,
			Action:     audit.ActionSessionRevoked,
			Resource:   "session",
			ResourceID: id,
		})
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the address verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	span := trace.StartSpan(ctx, "db.verifications.find_by_token_hash")
	v, err := s.store.Verifications(ctx).FindByTokenHash(ctx, session.HashToken(token))
	span(err)
	if errors.Is(err, apperr.NotFound("")) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if v.UsedAt != nil || !now.Before(v.ExpiresAt) {
		return ErrInvalidToken
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		used, err := tx.Verifications(ctx).MarkUsed(ctx, v.ID, now)
		if err != nil {
			return err
		}
		if !used {
			return ErrInvalidToken
		}
		return tx.Users(ctx).MarkVerified(ctx, v.UserID)
	})
	if err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAuthentication,
		Action:     audit.ActionEmailVerified,
		UserID:     v.UserID,
		Resource:   "user",
		ResourceID: v.UserID,
	})
	return nil
}

// ChangePassword replaces the caller's password and closes their other
// sessions.
func (s *Service) ChangePassword(ctx context.Context, p Principal, current, next string) error {
	span := trace.StartSpan(ctx, "db.users.find")
	user, err := s.store.Users(ctx).Find(ctx, p.UserID())
	span(err)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return apperr.Validation("Current password is incorrect").WithField("currentPassword", "is incorrect")
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	if current == next {
		return apperr.Validation("New password must differ from the current one").WithField("newPassword", "must differ")
	}
	hash, err := HashPassword(next, s.bcryptCost)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := traced(ctx, "db.users.update_password", func() error { return s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash) }); err != nil {
		return err
	}
	keep := ""
	if p.Session != nil {
		keep = p.Session.ID
	}
	closed, err := s.sessions.InvalidateOthers(ctx, user.ID, keep, session.ReasonRevoked)
	if err != nil {
		s.log.Warn("revoke sessions after password change failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventSecurity,
		Action:     audit.ActionPasswordChanged,
		Resource:   "user",
		ResourceID: user.ID,
		Details:    map[string]any{"sessions_revoked": closed},
	})
	return nil
}

// InviteInput invites an email address to the caller's organization.
type InviteInput struct {
	Email string
	Role  Role
}

// CreateInvitation stores an invitation and returns it with its signed token.
func (s *Service) CreateInvitation(ctx context.Context, p Principal, in InviteInput) (*Invitation, string, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, "", err
	}
	if !in.Role.Valid() {
		return nil, "", apperr.Validation("Invalid role").WithField("role", "is not a known role")
	}
	if !p.CanAssign(in.Role) {
		return nil, "", ErrInsufficientRole
	}
	if _, err := s.store.Users(ctx).FindByEmail(ctx, email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, apperr.NotFound("")) {
		return nil, "", err
	}

	now := s.now().UTC()
	inv := &Invitation{
		ID:             ids.New(),
		OrganizationID: p.OrgID(),
		Email:          email,
		Role:           in.Role,
		InvitedBy:      p.UserID(),
		ExpiresAt:      now.Add(s.invitationTTL),
		CreatedAt:      now,
	}
	token, err := s.invites.sign(inv)
	if err != nil {
		return nil, "", apperr.Internal(err)
	}
	inv.TokenHash = session.HashToken(token)
	if err := traced(ctx, "db.invitations.create", func() error { return s.store.Invitations(ctx).Create(ctx, inv) }); err != nil {
		return nil, "", err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionInvitationCreated,
		Resource:   "invitation",
		ResourceID: inv.ID,
		Details:    map[string]any{"email": email, "role": string(in.Role)},
	})
	return inv, token, nil
}

// ListInvitations lists the caller's organization invitations.
func (s *Service) ListInvitations(ctx context.Context, p Principal) ([]*Invitation, error) {
	return s.store.Invitations(ctx).ListByOrg(ctx, p.OrgID())
}

// RevokeInvitation cancels a pending invitation.
func (s *Service) RevokeInvitation(ctx context.Context, p Principal, id string) error {
	span := trace.StartSpan(ctx, "db.invitations.find")
	inv, err := s.store.Invitations(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if !inv.Pending(now) {
		return apperr.Validation("Invitation is no longer pending")
	}
	if _, err := s.store.Invitations(ctx).Revoke(ctx, p.OrgID(), id, now); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionInvitationRevoked,
		Resource:   "invitation",
		ResourceID: id,
	})
	return nil
}

// AcceptInput redeems an invitation.
type AcceptInput struct {
	Token     string
	Password  string
	FirstName string
	LastName  string
}

// AcceptInvitation creates the invited user. The invitation proves control of
// the address, so the user starts verified.
func (s *Service) AcceptInvitation(ctx context.Context, in AcceptInput) (*User, error) {
	claims, err := s.invites.parse(in.Token)
	if err != nil {
		return nil, err
	}
	span := trace.StartSpan(ctx, "db.invitations.find_by_token_hash")
	inv, err := s.store.Invitations(ctx).FindByTokenHash(ctx, session.HashToken(strings.TrimSpace(in.Token)))
	span(err)
	if errors.Is(err, apperr.NotFound("")) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if inv.ID != claims.ID || !inv.Pending(now) {
		return nil, ErrInvalidToken
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if first == "" || last == "" {
		return nil, apperr.Validation("First and last name are required")
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	org, err := s.store.Organizations(ctx).Find(ctx, inv.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, ErrOrganizationClosed
	}
	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := &User{
		ID:             ids.New(),
		OrganizationID: inv.OrganizationID,
		Email:          inv.Email,
		PasswordHash:   hash,
		FirstName:      first,
		LastName:       last,
		Role:           inv.Role,
		IsActive:       true,
		EmailVerified:  true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		accepted, err := tx.Invitations(ctx).MarkAccepted(ctx, inv.ID, now)
		if err != nil {
			return err
		}
		if !accepted {
			return ErrInvalidToken
		}
		return tx.Users(ctx).Create(ctx, user)
	})
	if errors.Is(err, apperr.Duplicate("")) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:      audit.EventAdministration,
		Action:         audit.ActionInvitationAccepted,
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Resource:       "invitation",
		ResourceID:     inv.ID,
		Details:        map[string]any{"role": string(user.Role)},
	})
	return user, nil
}

// ListUsers lists users in the caller's organization.
func (s *Service) ListUsers(ctx context.Context, p Principal) ([]*User, error) {
	return s.store.Users(ctx).ListByOrg(ctx, p.OrgID())
}

// GetUser returns a user in the caller's organization.
func (s *Service) GetUser(ctx context.Context, p Principal, id string) (*User, error) {
	return s.store.Users(ctx).FindInOrg(ctx, p.OrgID(), id)
}

// UpdateUserRole changes another user's role.
func (s *Service) UpdateUserRole(ctx context.Context, p Principal, id string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, apperr.Validation("Invalid role").WithField("role", "is not a known role")
	}
	if !p.CanAssign(role) {
		return nil, ErrInsufficientRole
	}
	if id == p.UserID() {
		return nil, apperr.Validation("You cannot change your own role")
	}
	span := trace.StartSpan(ctx, "db.users.find_in_org")
	user, err := s.store.Users(ctx).FindInOrg(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	previous := user.Role
	if err := traced(ctx, "db.users.update_role", func() error { return s.store.Users(ctx).UpdateRole(ctx, p.OrgID(), id, role) }); err != nil {
		return nil, err
	}
	user.Role = role
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionRoleChanged,
		Resource:   "user",
		ResourceID: id,
		RiskLevel:  audit.RiskHigh,
		Details:    map[string]any{"from": string(previous), "to": string(role)},
	})
	return user, nil
}

// DeactivateUser soft-deletes a user and revokes their sessions.
func (s *Service) DeactivateUser(ctx context.Context, p Principal, id string) error {
	if id == p.UserID() {
		return apperr.Validation("You cannot deactivate your own account")
	}
	if _, err := s.store.Users(ctx).FindInOrg(ctx, p.OrgID(), id); err != nil {
		return err
	}
	if err := traced(ctx, "db.users.deactivate", func() error { return s.store.Users(ctx).Deactivate(ctx, p.OrgID(), id) }); err != nil {
		return err
	}
	revoked, err := s.sessions.InvalidateUser(ctx, id, session.ReasonRevoked)
	if err != nil {
		s.log.Warn("revoke sessions of deactivated user failed", zap.String("user_id", id), zap.Error(err))
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionUserDeactivated,
		Resource:   "user",
		ResourceID: id,
		RiskLevel:  audit.RiskHigh,
		Details:    map[string]any{"sessions_revoked": revoked},
	})
	return nil
}

// CurrentOrganization returns the caller's organization.
func (s *Service) CurrentOrganization(ctx context.Context, p Principal) (*Organization, error) {
	return s.store.Organizations(ctx).Find(ctx, p.OrgID())
}

// OrganizationUpdate is a partial update. Settings is merged key by key.
type OrganizationUpdate struct {
	Name     *string
	Settings json.RawMessage
}

// UpdateOrganization applies a partial update to the caller's organization.
func (s *Service) UpdateOrganization(ctx context.Context, p Principal, upd OrganizationUpdate) (*Organization, error) {
	span := trace.StartSpan(ctx, "db.organizations.find")
	org, err := s.store.Organizations(ctx).Find(ctx, p.OrgID())
	span(err)
	if err != nil {
		return nil, err
	}
	changed := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, apperr.Validation("Organization name is required").WithField("name", "is required")
		}
		org.Name = name
		changed["name"] = name
	}
	if len(upd.Settings) > 0 {
		merged, err := org.Settings.Merge(upd.Settings)
		if err != nil {
			return nil, apperr.Validation("Invalid settings").WithField("settings", err.Error())
		}
		org.Settings = merged
		changed["settings"] = json.RawMessage(upd.Settings)
	}
	org.UpdatedAt = s.now().UTC()
	if err := traced(ctx, "db.organizations.update", func() error { return s.store.Organizations(ctx).Update(ctx, org) }); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionUpdate,
		Resource:   "organization",
		ResourceID: org.ID,
		Details:    changed,
	})
	return org, nil
}

// ListOrganizations lists every tenant. Platform administration only.
func (s *Service) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.store.Organizations(ctx).List(ctx)
}

// CreateOrganization creates an empty tenant. Platform administration only.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("Organization name is required").WithField("name", "is required")
	}
	now := s.now().UTC()
	org := &Organization{
		ID:        ids.New(),
		Name:      name,
		Settings:  DefaultSettings(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	slug, err := uniqueSlug(ctx, s.store.Organizations(ctx), name)
	if err != nil {
		return nil, err
	}
	org.Slug = slug
	if err := traced(ctx, "db.organizations.create", func() error { return s.store.Organizations(ctx).Create(ctx, org) }); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventAdministration,
		Action:     audit.ActionCreate,
		Resource:   "organization",
		ResourceID: org.ID,
		Details:    map[string]any{"name": name},
	})
	return org, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	slug := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		slug = "org"
	}
	return slug
}

func uniqueSlug(ctx context.Context, orgs OrganizationStore, name string) (string, error) {
	base := Slugify(name)
	candidate := base
	for i := 0; i < 5; i++ {
		_, err := orgs.FindBySlug(ctx, candidate)
		if errors.Is(err, apperr.NotFound("")) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		suffix, err := randomToken()
		if err != nil {
			return "", apperr.Internal(err)
		}
		candidate = base + "-" + suffix[:6]
	}
	return "", apperr.Duplicate("Could not allocate an organization slug")
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("A valid email address is required").WithField("email", "must be a valid email address")
	}
	return email, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// traced runs a store write inside a db.* span.
func traced(ctx context.Context, name string, fn func() error) error {
	end := trace.StartSpan(ctx, name)
	err := fn()
	end(err)
	return err
}
