package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations return apperr not-found and duplicate errors.
type Store interface {
	Organizations(ctx context.Context) OrganizationStore
	Users(ctx context.Context) UserStore
	Verifications(ctx context.Context) VerificationStore
	Invitations(ctx context.Context) InvitationStore
	// InTx runs fn against a transactional view of the store.
	InTx(ctx context.Context, fn func(Store) error) error
}

// OrganizationStore manages tenants.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	Update(ctx context.Context, org *Organization) error
}

// UserStore manages users. Every org-scoped method filters on orgID.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindInOrg(ctx context.Context, orgID, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	ListByOrg(ctx context.Context, orgID string) ([]*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateRole(ctx context.Context, orgID, userID string, role Role) error
	Deactivate(ctx context.Context, orgID, userID string) error
	MarkVerified(ctx context.Context, userID string) error
	RecordLogin(ctx context.Context, userID string, at time.Time) error
}

// VerificationStore manages email verification tokens.
type VerificationStore interface {
	Create(ctx context.Context, v *EmailVerification) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*EmailVerification, error)
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
}

// InvitationStore manages organization invitations.
type InvitationStore interface {
	Create(ctx context.Context, inv *Invitation) error
	Find(ctx context.Context, orgID, id string) (*Invitation, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Invitation, error)
	MarkAccepted(ctx context.Context, id string, at time.Time) (bool, error)
	Revoke(ctx context.Context, orgID, id string, at time.Time) (bool, error)
}
