package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/auth"
)

type authStore struct{ db *DB }

func (s authStore) Organizations(context.Context) auth.OrganizationStore { return orgStore(s) }
func (s authStore) Users(context.Context) auth.UserStore                 { return userStore(s) }
func (s authStore) Verifications(context.Context) auth.VerificationStore { return verificationStore(s) }
func (s authStore) Invitations(context.Context) auth.InvitationStore     { return invitationStore(s) }

func (s authStore) InTx(_ context.Context, fn func(auth.Store) error) error {
	return s.db.inTx(func() error { return fn(s) })
}

func copyOrg(o auth.Organization) *auth.Organization {
	if o.Settings.Extra != nil {
		extra := make(map[string]json.RawMessage, len(o.Settings.Extra))
		for k, v := range o.Settings.Extra {
			extra[k] = append(json.RawMessage(nil), v...)
		}
		o.Settings.Extra = extra
	}
	return &o
}

func copyUser(u auth.User) *auth.User {
	u.LastLoginAt = copyTime(u.LastLoginAt)
	return &u
}

type orgStore struct{ db *DB }

func (s orgStore) Create(_ context.Context, org *auth.Organization) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.orgs[org.ID]; ok {
		return apperr.Duplicate("Organization already exists")
	}
	for _, o := range s.db.orgs {
		if o.Slug == org.Slug {
			return apperr.Duplicate("Organization slug is taken")
		}
	}
	s.db.orgs[org.ID] = *copyOrg(*org)
	return nil
}

func (s orgStore) Find(_ context.Context, id string) (*auth.Organization, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	o, ok := s.db.orgs[id]
	if !ok {
		return nil, apperr.NotFound("Organization not found")
	}
	return copyOrg(o), nil
}

func (s orgStore) FindBySlug(_ context.Context, slug string) (*auth.Organization, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, o := range s.db.orgs {
		if o.Slug == slug {
			return copyOrg(o), nil
		}
	}
	return nil, apperr.NotFound("Organization not found")
}

func (s orgStore) List(context.Context) ([]*auth.Organization, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*auth.Organization, 0, len(s.db.orgs))
	for _, o := range s.db.orgs {
		out = append(out, copyOrg(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s orgStore) Update(_ context.Context, org *auth.Organization) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.orgs[org.ID]; !ok {
		return apperr.NotFound("Organization not found")
	}
	s.db.orgs[org.ID] = *copyOrg(*org)
	return nil
}

type userStore struct{ db *DB }

func (s userStore) Create(_ context.Context, u *auth.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[u.ID]; ok {
		return apperr.Duplicate("User already exists")
	}
	for _, existing := range s.db.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return apperr.Duplicate("Email is already registered")
		}
	}
	if _, ok := s.db.orgs[u.OrganizationID]; !ok {
		return apperr.Validation("Referenced resource does not exist")
	}
	s.db.users[u.ID] = *copyUser(*u)
	return nil
}

func (s userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, apperr.NotFound("User not found")
	}
	return copyUser(u), nil
}

func (s userStore) FindInOrg(_ context.Context, orgID, id string) (*auth.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok || u.OrganizationID != orgID {
		return nil, apperr.NotFound("User not found")
	}
	return copyUser(u), nil
}

func (s userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, u := range s.db.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, apperr.NotFound("User not found")
}

func (s userStore) ListByOrg(_ context.Context, orgID string) ([]*auth.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*auth.User{}
	for _, u := range s.db.users {
		if u.OrganizationID == orgID {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// mutate applies fn to the user when it exists and, if orgID is set,
// belongs to that organization.
func (s userStore) mutate(orgID, userID string, fn func(*auth.User)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[userID]
	if !ok || (orgID != "" && u.OrganizationID != orgID) {
		return apperr.NotFound("User not found")
	}
	fn(&u)
	s.db.users[userID] = *copyUser(u)
	return nil
}

func (s userStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	now := s.db.now().UTC()
	return s.mutate("", userID, func(u *auth.User) {
		u.PasswordHash = passwordHash
		u.UpdatedAt = now
	})
}

func (s userStore) UpdateRole(_ context.Context, orgID, userID string, role auth.Role) error {
	now := s.db.now().UTC()
	return s.mutate(orgID, userID, func(u *auth.User) {
		u.Role = role
		u.UpdatedAt = now
	})
}

func (s userStore) Deactivate(_ context.Context, orgID, userID string) error {
	now := s.db.now().UTC()
	return s.mutate(orgID, userID, func(u *auth.User) {
		u.IsActive = false
		u.UpdatedAt = now
	})
}

func (s userStore) MarkVerified(_ context.Context, userID string) error {
	now := s.db.now().UTC()
	return s.mutate("", userID, func(u *auth.User) {
		u.EmailVerified = true
		u.UpdatedAt = now
	})
}

func (s userStore) RecordLogin(_ context.Context, userID string, at time.Time) error {
	return s.mutate("", userID, func(u *auth.User) {
		u.LastLoginAt = &at
	})
}

type verificationStore struct{ db *DB }

func (s verificationStore) Create(_ context.Context, v *auth.EmailVerification) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.verifications {
		if existing.TokenHash == v.TokenHash {
			return apperr.Duplicate("Verification token already exists")
		}
	}
	cp := *v
	cp.UsedAt = copyTime(v.UsedAt)
	s.db.verifications[v.ID] = cp
	return nil
}

func (s verificationStore) FindByTokenHash(_ context.Context, tokenHash string) (*auth.EmailVerification, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, v := range s.db.verifications {
		if v.TokenHash == tokenHash {
			v.UsedAt = copyTime(v.UsedAt)
			return &v, nil
		}
	}
	return nil, apperr.NotFound("Verification not found")
}

func (s verificationStore) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	v, ok := s.db.verifications[id]
	if !ok {
		return false, apperr.NotFound("Verification not found")
	}
	if v.UsedAt != nil {
		return false, nil
	}
	v.UsedAt = &at
	s.db.verifications[id] = v
	return true, nil
}

type invitationStore struct{ db *DB }

func copyInvitation(inv auth.Invitation) *auth.Invitation {
	inv.AcceptedAt = copyTime(inv.AcceptedAt)
	inv.RevokedAt = copyTime(inv.RevokedAt)
	return &inv
}

func (s invitationStore) Create(_ context.Context, inv *auth.Invitation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.invitations {
		if existing.TokenHash == inv.TokenHash {
			return apperr.Duplicate("Invitation already exists")
		}
	}
	s.db.invitations[inv.ID] = *copyInvitation(*inv)
	return nil
}

func (s invitationStore) Find(_ context.Context, orgID, id string) (*auth.Invitation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	inv, ok := s.db.invitations[id]
	if !ok || inv.OrganizationID != orgID {
		return nil, apperr.NotFound("Invitation not found")
	}
	return copyInvitation(inv), nil
}

func (s invitationStore) FindByTokenHash(_ context.Context, tokenHash string) (*auth.Invitation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, inv := range s.db.invitations {
		if inv.TokenHash == tokenHash {
			return copyInvitation(inv), nil
		}
	}
	return nil, apperr.NotFound("Invitation not found")
}

func (s invitationStore) ListByOrg(_ context.Context, orgID string) ([]*auth.Invitation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*auth.Invitation{}
	for _, inv := range s.db.invitations {
		if inv.OrganizationID == orgID {
			out = append(out, copyInvitation(inv))
		}
	}
	sortNewestFirst(out, func(i *auth.Invitation) time.Time { return i.CreatedAt }, func(i *auth.Invitation) string { return i.ID })
	return out, nil
}

func (s invitationStore) MarkAccepted(_ context.Context, id string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invitations[id]
	if !ok {
		return false, apperr.NotFound("Invitation not found")
	}
	if inv.AcceptedAt != nil || inv.RevokedAt != nil {
		return false, nil
	}
	inv.AcceptedAt = &at
	s.db.invitations[id] = inv
	return true, nil
}

func (s invitationStore) Revoke(_ context.Context, orgID, id string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	inv, ok := s.db.invitations[id]
	if !ok || inv.OrganizationID != orgID {
		return false, apperr.NotFound("Invitation not found")
	}
	if inv.AcceptedAt != nil || inv.RevokedAt != nil {
		return false, nil
	}
	inv.RevokedAt = &at
	s.db.invitations[id] = inv
	return true, nil
}
