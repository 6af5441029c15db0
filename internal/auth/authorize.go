package auth

import "context"

type principalKey struct{}

// ContextWithPrincipal stores p for handlers and services further down the chain.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the auth middleware. A
// principal without a user counts as absent.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.User != nil
}

// HasRole reports whether the principal holds one of roles. super_admin
// satisfies every role check.
func (p Principal) HasRole(roles ...Role) bool {
	r := p.Role()
	if r == "" {
		return false
	}
	if r == RoleSuperAdmin {
		return true
	}
	for _, want := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// IsAdmin reports tenant or platform admin rights.
func (p Principal) IsAdmin() bool { return p.HasRole(RoleAdmin) }

// SeesWholeOrg is true for roles that see every record in the tenant.
// Brokers only see their own leads and applications.
func (p Principal) SeesWholeOrg() bool { return p.HasRole(RoleAdmin, RoleUnderwriter) }

// CanAssign reports whether the principal may grant role to someone.
func (p Principal) CanAssign(role Role) bool {
	if !role.Valid() {
		return false
	}
	if role == RoleSuperAdmin {
		return p.Role() == RoleSuperAdmin
	}
	return p.IsAdmin()
}
