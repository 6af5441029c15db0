package httpapi

import (
	"net/http"
	"time"

	"lendpath.io/internal/auth"
	"lendpath.io/internal/session"
)

type signupRequest struct {
	Email            string `json:"email" validate:"required,email,max=254"`
	Password         string `json:"password" validate:"required"`
	FirstName        string `json:"firstName" validate:"required,max=100"`
	LastName         string `json:"lastName" validate:"required,max=100"`
	OrganizationName string `json:"organizationName" validate:"max=200"`
	TermsAccepted    bool   `json:"termsAccepted" validate:"required"`
}

type signupResponse struct {
	User                 *auth.User         `json:"user"`
	Organization         *auth.Organization `json:"organization"`
	RequiresVerification bool               `json:"requiresVerification"`
	Message              string             `json:"message"`
	VerificationToken    string             `json:"verificationToken,omitempty"`
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	DeviceInfo string `json:"deviceInfo" validate:"max=255"`
}

type loginResponse struct {
	User         *auth.User         `json:"user"`
	Organization *auth.Organization `json:"organization"`
	SessionID    string             `json:"sessionId"`
	Token        string             `json:"token"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type acceptInvitationRequest struct {
	Token     string `json:"token" validate:"required"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

type meResponse struct {
	User         *auth.User         `json:"user"`
	Organization *auth.Organization `json:"organization"`
	Session      *session.Session   `json:"session,omitempty"`
}

type sessionView struct {
	*session.Session
	Current bool `json:"current"`
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	res, err := a.auth.Signup(r.Context(), auth.SignupInput{
		Email:            req.Email,
		Password:         req.Password,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		OrganizationName: req.OrganizationName,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	resp := signupResponse{
		User:                 res.User,
		Organization:         res.Organization,
		RequiresVerification: res.RequiresVerification,
		Message:              "Account created. Verify your email address to sign in.",
	}
	// Without a mail relay the token is only handed back outside production.
	if !a.production {
		resp.VerificationToken = res.VerificationToken
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	res, err := a.auth.Login(r.Context(), auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.setSessionCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		User:         res.User,
		Organization: res.Organization,
		SessionID:    res.SessionID,
		Token:        res.Token,
		ExpiresAt:    res.ExpiresAt,
	})
}

// handleLogout needs no valid session: logging out twice, or with an
// already expired token, still succeeds.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, err := tokenFromRequest(r); err == nil {
		if _, err := a.auth.Logout(r.Context(), token); err != nil {
			a.respondError(w, r, err)
			return
		}
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, okResponse{Success: true, Message: "Logged out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.auth.LogoutAll(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionsRevoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	writeJSON(w, http.StatusOK, meResponse{User: p.User, Organization: p.Organization, Session: p.Session})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true, Message: "Email verified"})
}

func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	user, err := a.auth.AcceptInvitation(r.Context(), auth.AcceptInput{
		Token:     req.Token,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sessions, err := a.auth.ListSessions(r.Context(), p)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{Session: s, Current: p.Session != nil && s.ID == p.Session.ID})
	}
	writeJSON(w, http.StatusOK, list(views))
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.RevokeSession(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.auth.ChangePassword(r.Context(), principal(r), req.CurrentPassword, req.NewPassword); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true, Message: "Password changed"})
}
