package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	authCookie = "auth_token"
)

var errNoToken = errors.New("no session token")

// tokenFromRequest prefers the Authorization header and falls back to the
// auth_token cookie.
func tokenFromRequest(r *http.Request) (string, error) {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return token, nil
	}
	if c, err := r.Cookie(authCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v, nil
		}
	}
	return "", errNoToken
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// authenticate rejects requests without a valid session and attaches the
// principal otherwise. Activity tracking and near-expiry extension happen in
// auth.Service.Authenticate.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := tokenFromRequest(r)
		if err != nil {
			a.respondError(w, r, apperr.Unauthenticated("Authentication required"))
			return
		}
		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.respondError(w, r, auth.ErrUnauthenticated)
			return
		}
		if st := stateFrom(r.Context()); st != nil {
			st.userID = principal.UserID()
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.UserID(), principal.OrgID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits principals holding one of roles. It must run after
// authenticate; a denial is answered with 403 and recorded as ACCESS_DENIED.
func (a *API) RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	required := make([]string, len(roles))
	for i, role := range roles {
		required[i] = string(role)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				a.respondError(w, r, apperr.Unauthenticated("Authentication required"))
				return
			}
			if p.HasRole(roles...) {
				next.ServeHTTP(w, r)
				return
			}
			a.audit.Log(r.Context(), audit.Entry{
				EventType:      audit.EventAuthorization,
				Action:         audit.ActionAccessDenied,
				UserID:         p.UserID(),
				OrganizationID: p.OrgID(),
				Resource:       r.Method + " " + routePattern(r),
				Outcome:        audit.OutcomeDenied,
				RiskLevel:      audit.RiskMedium,
				Details: map[string]any{
					"required": required,
					"role":     string(p.Role()),
					"path":     r.URL.Path,
				},
			})
			a.respondError(w, r, auth.ErrInsufficientRole)
		})
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
