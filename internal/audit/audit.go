// Package audit records security-relevant events. Writes are best-effort:
// a failed audit write is logged and counted, never surfaced to the caller.
package audit

import (
	"context"
	"strings"
	"time"
)

// EventType groups actions for filtering.
type EventType string

const (
	EventAuthentication   EventType = "AUTHENTICATION"
	EventAuthorization    EventType = "AUTHORIZATION"
	EventDataAccess       EventType = "DATA_ACCESS"
	EventDataModification EventType = "DATA_MODIFICATION"
	EventAdministration   EventType = "ADMINISTRATION"
	EventSecurity         EventType = "SECURITY"
)

const (
	ActionLoginSuccess       = "LOGIN_SUCCESS"
	ActionLoginFailure       = "LOGIN_FAILURE"
	ActionLogout             = "LOGOUT"
	ActionLogoutAll          = "LOGOUT_ALL"
	ActionSignup             = "SIGNUP"
	ActionEmailVerified      = "EMAIL_VERIFIED"
	ActionPasswordChanged    = "PASSWORD_CHANGED"
	ActionSessionRevoked     = "SESSION_REVOKED"
	ActionAccessDenied       = "ACCESS_DENIED"
	ActionRead               = "READ"
	ActionCreate             = "CREATE"
	ActionUpdate             = "UPDATE"
	ActionDelete             = "DELETE"
	ActionRoleChanged        = "ROLE_CHANGED"
	ActionUserDeactivated    = "USER_DEACTIVATED"
	ActionInvitationCreated  = "INVITATION_CREATED"
	ActionInvitationAccepted = "INVITATION_ACCEPTED"
	ActionInvitationRevoked  = "INVITATION_REVOKED"
	ActionStatusChanged      = "STATUS_CHANGED"
	ActionConvert            = "CONVERT"
	ActionClaim              = "CLAIM"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Risk level attached to an entry.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Entry is one append-only audit record.
type Entry struct {
	ID             string         `json:"id"`
	EventType      EventType      `json:"eventType"`
	Action         string         `json:"action"`
	UserID         string         `json:"userId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	ResourceID     string         `json:"resourceId,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	RiskLevel      Risk           `json:"riskLevel"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Filter narrows List. OrganizationID empty means all tenants (super admin).
type Filter struct {
	OrganizationID string
	UserID         string
	Action         string
	EventType      EventType
	Resource       string
	Outcome        Outcome
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps paging values.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Action = strings.ToUpper(strings.TrimSpace(f.Action))
	return f
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
}

// Sink receives a copy of every entry after it is stored.
type Sink interface {
	Publish(ctx context.Context, e *Entry) error
	Close() error
}

type metaKey struct{}

// RequestMeta carries client details that every entry logged during a
// request should record.
type RequestMeta struct {
	IPAddress     string
	UserAgent     string
	CorrelationID string
	UserID        string
	OrgID         string
}

// WithRequestMeta attaches request details to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// WithActor records the authenticated user on the request metadata.
func WithActor(ctx context.Context, userID, orgID string) context.Context {
	meta := MetaFromContext(ctx)
	meta.UserID = userID
	meta.OrgID = orgID
	return WithRequestMeta(ctx, meta)
}

// MetaFromContext returns attached request metadata, if any.
func MetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(metaKey{}).(RequestMeta)
	return meta
}
