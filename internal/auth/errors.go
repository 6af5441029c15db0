package auth

import "lendpath.io/internal/apperr"

var (
	ErrInvalidCredentials = apperr.Unauthenticated("Invalid email or password")
	ErrUnauthenticated    = apperr.Unauthenticated("Authentication required")
	ErrEmailNotVerified   = apperr.Forbidden("Email address has not been verified")
	ErrAccountDisabled    = apperr.Unauthenticated("Account is disabled")
	ErrOrganizationClosed = apperr.Forbidden("Organization is not active")
	ErrInsufficientRole   = apperr.Forbidden("Insufficient permissions")
	ErrEmailTaken         = apperr.Duplicate("An account with this email already exists")
	ErrInvalidToken       = apperr.Validation("Invalid or expired token")
)
