package lending

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/trace"
)

// Service applies tenant and role scoping to the lending stores and seals
// PII before it reaches storage.
type Service struct {
	store Store
	keys  *pii.KeyManager
	audit auth.Auditor
	log   *zap.Logger
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithAuditor(a auth.Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, keys *pii.KeyManager, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("lending: store is required")
	}
	if keys == nil {
		return nil, errors.New("lending: key manager is required")
	}
	s := &Service{store: store, keys: keys, audit: noAudit{}, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type noAudit struct{}

func (noAudit) Log(context.Context, audit.Entry) {}

func (s *Service) record(ctx context.Context, eventType audit.EventType, action, resource, id string, details map[string]any) {
	s.audit.Log(ctx, audit.Entry{
		EventType:  eventType,
		Action:     action,
		Resource:   resource,
		ResourceID: id,
		Details:    details,
	})
}

// owns reports whether p may see a record created by brokerID.
func owns(p auth.Principal, brokerID string) bool {
	return p.SeesWholeOrg() || brokerID == p.UserID()
}

func notFound(what string) error {
	return apperr.NotFound(what + " not found")
}

func maskSSN(ssn string) string {
	digits := make([]byte, 0, len(ssn))
	for i := 0; i < len(ssn); i++ {
		if ssn[i] >= '0' && ssn[i] <= '9' {
			digits = append(digits, ssn[i])
		}
	}
	if len(digits) < 4 {
		return "***"
	}
	return "***-**-" + string(digits[len(digits)-4:])
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func timePtr(t time.Time) *time.Time { return &t }

// traced runs a store write inside a db.* span.
func traced(ctx context.Context, name string, fn func() error) error {
	end := trace.StartSpan(ctx, name)
	err := fn()
	end(err)
	return err
}
