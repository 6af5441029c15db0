package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/session"
	"lendpath.io/internal/store/memstore"
	"lendpath.io/internal/trace"
)

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Log(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *auth.Service
	db    *memstore.DB
	audit *recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := memstore.New()
	rec := &recorder{}
	svc, err := auth.NewService(db.Auth(), session.NewManager(db.Sessions()),
		auth.WithInvitationSecret("invitation-secret-for-tests-0123456789"),
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithAuditor(rec),
	)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{svc: svc, db: db, audit: rec}
}

// admin signs up, verifies and logs in, returning the principal.
func (f fixture) admin(t *testing.T, email string) (auth.Principal, string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Signup(ctx, auth.SignupInput{
		Email: email, Password: "Strong1!pass", FirstName: "Ada", LastName: "Admin", OrganizationName: "Acme Lending",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.VerifyEmail(ctx, res.VerificationToken); err != nil {
		t.Fatal(err)
	}
	login, err := f.svc.Login(ctx, auth.LoginInput{Email: email, Password: "Strong1!pass"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := f.svc.Authenticate(ctx, login.Token)
	if err != nil {
		t.Fatal(err)
	}
	return p, login.Token
}

func TestSignupRejectsWeakPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), auth.SignupInput{
		Email: "weak@example.com", Password: "Weak1", FirstName: "W", LastName: "P", OrganizationName: "Weak Co",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if e := apperr.As(err); e == nil || e.Fields["password"] == "" {
		t.Fatalf("expected password field error, got %#v", err)
	}
}

func TestSignupRequiresVerificationBeforeLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Signup(ctx, auth.SignupInput{
		Email: "Owner@Example.com", Password: "Strong1!", FirstName: "Olga", LastName: "Owner", OrganizationName: "Owner Finance",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresVerification || res.User.EmailVerified || res.User.Role != auth.RoleAdmin {
		t.Fatalf("unexpected signup result: %+v", res.User)
	}
	if res.User.Email != "owner@example.com" || res.Organization.Slug != "owner-finance" {
		t.Fatalf("unexpected normalization: %q %q", res.User.Email, res.Organization.Slug)
	}

	_, err = f.svc.Login(ctx, auth.LoginInput{Email: "owner@example.com", Password: "Strong1!"})
	if !errors.Is(err, auth.ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
	if err := f.svc.VerifyEmail(ctx, res.VerificationToken); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.VerifyEmail(ctx, res.VerificationToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("verification token reused: %v", err)
	}
	login, err := f.svc.Login(ctx, auth.LoginInput{Email: "owner@example.com", Password: "Strong1!"})
	if err != nil {
		t.Fatal(err)
	}
	if !session.WellFormed(login.Token) {
		t.Fatalf("bad token %q", login.Token)
	}
	if f.audit.count(audit.ActionLoginFailure) != 1 || f.audit.count(audit.ActionLoginSuccess) != 1 {
		t.Fatalf("unexpected audit trail: %+v", f.audit.entries)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.admin(t, "dup@example.com")
	_, err := f.svc.Signup(context.Background(), auth.SignupInput{
		Email: "DUP@example.com", Password: "Strong1!", FirstName: "D", LastName: "U", OrganizationName: "Other",
	})
	if !errors.Is(err, auth.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	f.admin(t, "known@example.com")
	ctx := context.Background()
	_, errUnknown := f.svc.Login(ctx, auth.LoginInput{Email: "nobody@example.com", Password: "Strong1!pass"})
	_, errWrong := f.svc.Login(ctx, auth.LoginInput{Email: "known@example.com", Password: "Wrong1!pass"})
	if !errors.Is(errUnknown, auth.ErrInvalidCredentials) || !errors.Is(errWrong, auth.ErrInvalidCredentials) {
		t.Fatalf("unexpected errors: %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestLoginStoreCallsAreTraced(t *testing.T) {
	f := newFixture(t)
	f.admin(t, "traced@example.com")
	tracer := trace.New()
	ctx, tr := tracer.Begin(context.Background(), "corr-login", "POST", "/api/auth/login")
	if _, err := f.svc.Login(ctx, auth.LoginInput{Email: "traced@example.com", Password: "Strong1!pass"}); err != nil {
		t.Fatal(err)
	}
	tracer.Finish(tr, "/api/auth/login", 200)

	got, _ := tracer.Find("corr-login")
	var names []string
	for _, sp := range got.Spans {
		names = append(names, sp.Name)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"db.users.find_by_email", "db.users.record_login"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing span %s in %s", want, joined)
		}
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, token := f.admin(t, "logout@example.com")
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := f.svc.Logout(ctx, token)
			if err != nil {
				t.Error(err)
				return
			}
			if changed {
				mu.Lock()
				closed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if closed != 1 {
		t.Fatalf("expected one session closed, got %d", closed)
	}
	if f.audit.count(audit.ActionLogout) != 1 {
		t.Fatalf("expected one LOGOUT entry, got %d", f.audit.count(audit.ActionLogout))
	}
	if _, err := f.svc.Authenticate(ctx, token); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("token still authenticates: %v", err)
	}
}

func TestInvitationFlow(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.admin(t, "boss@example.com")
	ctx := context.Background()

	inv, token, err := f.svc.CreateInvitation(ctx, admin, auth.InviteInput{Email: "broker@example.com", Role: auth.RoleBroker})
	if err != nil {
		t.Fatal(err)
	}
	if inv.TokenHash != session.HashToken(token) {
		t.Fatal("invitation token hash mismatch")
	}
	user, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: token, Password: "Broker1!pw", FirstName: "Bob", LastName: "Broker"})
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != auth.RoleBroker || user.OrganizationID != admin.OrgID() || !user.EmailVerified {
		t.Fatalf("unexpected invited user: %+v", user)
	}
	if _, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: token, Password: "Broker1!pw", FirstName: "Bob", LastName: "Broker"}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("invitation accepted twice: %v", err)
	}
	if _, err := f.svc.Login(ctx, auth.LoginInput{Email: "broker@example.com", Password: "Broker1!pw"}); err != nil {
		t.Fatalf("invited user cannot log in: %v", err)
	}
}

func TestInvitationRejectsTamperedToken(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.admin(t, "tamper@example.com")
	ctx := context.Background()
	_, token, err := f.svc.CreateInvitation(ctx, admin, auth.InviteInput{Email: "uw@example.com", Role: auth.RoleUnderwriter})
	if err != nil {
		t.Fatal(err)
	}
	i := strings.LastIndex(token, ".") + 5
	c := byte('A')
	if token[i] == 'A' {
		c = 'B'
	}
	bad := token[:i] + string(c) + token[i+1:]
	if _, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: bad, Password: "Under1!pw", FirstName: "U", LastName: "W"}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRevokedInvitationCannotBeAccepted(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.admin(t, "revoker@example.com")
	ctx := context.Background()
	inv, token, err := f.svc.CreateInvitation(ctx, admin, auth.InviteInput{Email: "late@example.com", Role: auth.RoleBroker})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RevokeInvitation(ctx, admin, inv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: token, Password: "Late1!pass", FirstName: "L", LastName: "T"}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestBrokerCannotInviteOrChangeRoles(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.admin(t, "chief@example.com")
	ctx := context.Background()
	_, token, err := f.svc.CreateInvitation(ctx, admin, auth.InviteInput{Email: "b2@example.com", Role: auth.RoleBroker})
	if err != nil {
		t.Fatal(err)
	}
	user, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: token, Password: "Broker2!pw", FirstName: "B", LastName: "Two"})
	if err != nil {
		t.Fatal(err)
	}
	login, err := f.svc.Login(ctx, auth.LoginInput{Email: "b2@example.com", Password: "Broker2!pw"})
	if err != nil {
		t.Fatal(err)
	}
	broker, err := f.svc.Authenticate(ctx, login.Token)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.svc.CreateInvitation(ctx, broker, auth.InviteInput{Email: "x@example.com", Role: auth.RoleAdmin}); !errors.Is(err, auth.ErrInsufficientRole) {
		t.Fatalf("expected ErrInsufficientRole, got %v", err)
	}
	if _, err := f.svc.UpdateUserRole(ctx, admin, user.ID, auth.RoleSuperAdmin); !errors.Is(err, auth.ErrInsufficientRole) {
		t.Fatalf("admin granted super_admin: %v", err)
	}
	updated, err := f.svc.UpdateUserRole(ctx, admin, user.ID, auth.RoleUnderwriter)
	if err != nil || updated.Role != auth.RoleUnderwriter {
		t.Fatalf("role change failed: %v %+v", err, updated)
	}
}

func TestDeactivateRevokesSessions(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.admin(t, "owner2@example.com")
	ctx := context.Background()
	_, token, _ := f.svc.CreateInvitation(ctx, admin, auth.InviteInput{Email: "gone@example.com", Role: auth.RoleBroker})
	user, err := f.svc.AcceptInvitation(ctx, auth.AcceptInput{Token: token, Password: "Gone1!pass", FirstName: "G", LastName: "One"})
	if err != nil {
		t.Fatal(err)
	}
	login, err := f.svc.Login(ctx, auth.LoginInput{Email: "gone@example.com", Password: "Gone1!pass"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeactivateUser(ctx, admin, user.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Authenticate(ctx, login.Token); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("deactivated user still authenticates: %v", err)
	}
	if _, err := f.svc.Login(ctx, auth.LoginInput{Email: "gone@example.com", Password: "Gone1!pass"}); !errors.Is(err, auth.ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	if err := f.svc.DeactivateUser(ctx, admin, admin.UserID()); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("self deactivation allowed: %v", err)
	}
}

func TestChangePasswordClosesOtherSessions(t *testing.T) {
	f := newFixture(t)
	p, token := f.admin(t, "pw@example.com")
	ctx := context.Background()
	other, err := f.svc.Login(ctx, auth.LoginInput{Email: "pw@example.com", Password: "Strong1!pass"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ChangePassword(ctx, p, "Strong1!pass", "Newer2@pass"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("current session closed: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, other.Token); err == nil {
		t.Fatal("other session survived password change")
	}
	if _, err := f.svc.Login(ctx, auth.LoginInput{Email: "pw@example.com", Password: "Newer2@pass"}); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateOrganizationMergesSettings(t *testing.T) {
	f := newFixture(t)
	p, _ := f.admin(t, "settings@example.com")
	ctx := context.Background()
	org, err := f.svc.UpdateOrganization(ctx, p, auth.OrganizationUpdate{
		Settings: []byte(`{"features":{"creditPull":true},"branding":{"primaryColor":"#003366"},"webhookUrl":"https://hooks.example.com"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !org.Settings.Features.CreditPull || !org.Settings.Features.LeadCapture {
		t.Fatalf("features not merged: %+v", org.Settings.Features)
	}
	if org.Settings.Branding.PrimaryColor != "#003366" || string(org.Settings.Extra["webhookUrl"]) == "" {
		t.Fatalf("settings not kept: %+v", org.Settings)
	}
}

func TestVerificationTokenExpires(t *testing.T) {
	db := memstore.New()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, err := auth.NewService(db.Auth(), session.NewManager(db.Sessions(), session.WithClock(clock)),
		auth.WithInvitationSecret("invitation-secret-for-tests-0123456789"),
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithVerificationTTL(time.Hour),
		auth.WithClock(clock),
	)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Signup(context.Background(), auth.SignupInput{
		Email: "slow@example.com", Password: "Strong1!", FirstName: "S", LastName: "L", OrganizationName: "Slow",
	})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	if err := svc.VerifyEmail(context.Background(), res.VerificationToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}
