package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/store/memstore"
)

func newRoleAPI() (*API, *memstore.DB) {
	db := memstore.New()
	return &API{audit: audit.NewLogger(db.Audit()), log: zap.NewNop()}, db
}

func withRole(r *http.Request, role auth.Role) *http.Request {
	p := auth.Principal{User: &auth.User{ID: "user-1", OrganizationID: "org-1", Role: role}}
	return r.WithContext(auth.ContextWithPrincipal(r.Context(), p))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	a, _ := newRoleAPI()
	handler := a.RequireRole(auth.RoleAdmin, auth.RoleUnderwriter)(okHandler)

	for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleUnderwriter, auth.RoleSuperAdmin} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, withRole(httptest.NewRequest(http.MethodGet, "/internal", nil), role))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", role, rr.Code)
		}
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	a, db := newRoleAPI()
	handler := a.RequireRole(auth.RoleAdmin)(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withRole(httptest.NewRequest(http.MethodGet, "/internal", nil), auth.RoleBroker))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	entries, err := db.Audit().List(context.Background(), audit.Filter{Action: audit.ActionAccessDenied})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one denial entry, got %d", len(entries))
	}
	e := entries[0]
	if e.UserID != "user-1" || e.OrganizationID != "org-1" || e.Outcome != audit.OutcomeDenied {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Details["role"] != "broker" {
		t.Fatalf("expected caller role in details, got %v", e.Details)
	}
}

func TestRequireRoleRejectsMissingPrincipal(t *testing.T) {
	a, db := newRoleAPI()
	handler := a.RequireRole(auth.RoleAdmin)(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	entries, _ := db.Audit().List(context.Background(), audit.Filter{})
	if len(entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(entries))
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
		{"Bear", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestTokenFromRequestFallsBackToCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: authCookie, Value: "from-cookie"})
	if got, err := tokenFromRequest(r); err != nil || got != "from-cookie" {
		t.Fatalf("expected cookie token, got %q, %v", got, err)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if got, _ := tokenFromRequest(r); got != "from-header" {
		t.Fatalf("expected header token to win, got %q", got)
	}

	if _, err := tokenFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected error without any token")
	}
}
