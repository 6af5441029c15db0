package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lendpath.io/internal/auth"
)

type updateOrganizationRequest struct {
	Name     *string         `json:"name" validate:"omitempty,min=1,max=200"`
	Settings json.RawMessage `json:"settings"`
}

type createOrganizationRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type inviteRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Role  string `json:"role" validate:"required,oneof=admin underwriter broker super_admin"`
}

type inviteResponse struct {
	Invitation *auth.Invitation `json:"invitation"`
	Token      string           `json:"token"`
	InviteURL  string           `json:"inviteUrl,omitempty"`
	ExpiresAt  time.Time        `json:"expiresAt"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin underwriter broker super_admin"`
}

func (a *API) handleCurrentOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := a.auth.CurrentOrganization(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var req updateOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	org, err := a.auth.UpdateOrganization(r.Context(), principal(r), auth.OrganizationUpdate{
		Name:     req.Name,
		Settings: req.Settings,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := a.auth.ListInvitations(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(invs))
}

func (a *API) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	inv, token, err := a.auth.CreateInvitation(r.Context(), principal(r), auth.InviteInput{
		Email: req.Email,
		Role:  auth.Role(req.Role),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	resp := inviteResponse{Invitation: inv, Token: token, ExpiresAt: inv.ExpiresAt}
	if a.baseURL != "" {
		resp.InviteURL = strings.TrimRight(a.baseURL, "/") + "/accept-invitation?token=" + url.QueryEscape(token)
	}
	w.Header().Set("Location", "/api/organizations/invitations/"+inv.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.RevokeInvitation(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := a.auth.ListOrganizations(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(orgs))
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	org, err := a.auth.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(users))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.auth.GetUser(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	user, err := a.auth.UpdateUserRole(r.Context(), principal(r), urlID(r), auth.Role(req.Role))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleDeactivateUser soft deletes the user and closes their sessions.
func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.DeactivateUser(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true, Message: "User deactivated"})
}
