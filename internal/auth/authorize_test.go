package auth

import (
	"testing"
	"time"
)

func principal(role Role) Principal {
	return Principal{User: &User{ID: "u", OrganizationID: "o", Role: role}}
}

func TestRoleChecks(t *testing.T) {
	cases := []struct {
		role      Role
		admin     bool
		wholeOrg  bool
		assignAdm bool
		assignSA  bool
	}{
		{RoleSuperAdmin, true, true, true, true},
		{RoleAdmin, true, true, true, false},
		{RoleUnderwriter, false, true, false, false},
		{RoleBroker, false, false, false, false},
	}
	for _, tc := range cases {
		p := principal(tc.role)
		if p.IsAdmin() != tc.admin {
			t.Errorf("%s: IsAdmin = %v", tc.role, p.IsAdmin())
		}
		if p.SeesWholeOrg() != tc.wholeOrg {
			t.Errorf("%s: SeesWholeOrg = %v", tc.role, p.SeesWholeOrg())
		}
		if p.CanAssign(RoleAdmin) != tc.assignAdm {
			t.Errorf("%s: CanAssign(admin) = %v", tc.role, p.CanAssign(RoleAdmin))
		}
		if p.CanAssign(RoleSuperAdmin) != tc.assignSA {
			t.Errorf("%s: CanAssign(super_admin) = %v", tc.role, p.CanAssign(RoleSuperAdmin))
		}
	}
	if (Principal{}).HasRole(RoleBroker) {
		t.Fatal("anonymous principal has a role")
	}
}

func TestValidatePassword(t *testing.T) {
	good := []string{"Strong1!", "C0mplex#Passphrase"}
	bad := []string{"Weak1", "alllowercase1!", "ALLUPPER1!", "NoDigits!!", "NoSpecial11", "Aa1!" + string(make([]byte, 80))}
	for _, pw := range good {
		if err := ValidatePassword(pw); err != nil {
			t.Errorf("%q rejected: %v", pw, err)
		}
	}
	for _, pw := range bad {
		if err := ValidatePassword(pw); err == nil {
			t.Errorf("%q accepted", pw)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Strong1!", 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyPassword(hash, "Strong1!"); err != nil {
		t.Fatal(err)
	}
	if err := VerifyPassword(hash, "Strong2!"); err == nil {
		t.Fatal("wrong password verified")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme Lending":        "acme-lending",
		"  Big   & Bold, LLC ": "big-bold-llc",
		"!!!":                 "org",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInvitationSignerRejectsExpired(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := invitationSigner{secret: []byte("k"), now: func() time.Time { return now }}
	inv := &Invitation{ID: "inv1", OrganizationID: "o", Email: "a@b.c", Role: RoleBroker, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	token, err := s.sign(inv)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.parse(token)
	if err != nil || claims.ID != "inv1" || claims.Role != RoleBroker {
		t.Fatalf("parse: %+v %v", claims, err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := s.parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	other := invitationSigner{secret: []byte("other"), now: s.now}
	if _, err := other.parse(token); err != ErrInvalidToken {
		t.Fatalf("foreign key accepted: %v", err)
	}
}

func TestInvitationPending(t *testing.T) {
	now := time.Now()
	inv := &Invitation{ExpiresAt: now.Add(time.Minute)}
	if !inv.Pending(now) {
		t.Fatal("fresh invitation should be pending")
	}
	inv.RevokedAt = &now
	if inv.Pending(now) {
		t.Fatal("revoked invitation is pending")
	}
}
