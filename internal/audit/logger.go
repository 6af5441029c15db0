package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lendpath.io/internal/obs"
)

const writeTimeout = 3 * time.Second

// Logger stores entries and mirrors them to the process log and sinks.
type Logger struct {
	store     Store
	log       *zap.Logger
	sinks     []Sink
	now       func() time.Time
	onFailure func()
}

// Option configures a Logger.
type Option func(*Logger)

func WithZap(log *zap.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFailureHook is invoked once per failed store write.
func WithFailureHook(fn func()) Option {
	return func(l *Logger) { l.onFailure = fn }
}

// NewLogger builds a Logger. A nil store only mirrors to the log.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{store: store, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log records e. It never fails from the caller's point of view.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	meta := MetaFromContext(ctx)
	e.ID = uuid.NewString()
	e.Timestamp = l.now().UTC()
	e.Action = strings.ToUpper(strings.TrimSpace(e.Action))
	if e.CorrelationID == "" {
		e.CorrelationID = obs.CorrelationID(ctx)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = meta.CorrelationID
	}
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	if e.UserID == "" {
		e.UserID = meta.UserID
	}
	if e.OrganizationID == "" {
		e.OrganizationID = meta.OrgID
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.RiskLevel == "" {
		e.RiskLevel = defaultRisk(e)
	}
	e.Details = SanitizeDetails(e.Details)

	// Request cancellation must not drop the record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if l.store != nil {
		if err := l.store.Append(writeCtx, &e); err != nil {
			l.log.Error("audit write failed",
				zap.String("action", e.Action),
				zap.String("correlation_id", e.CorrelationID),
				zap.Error(err))
			if l.onFailure != nil {
				l.onFailure()
			}
		}
	}

	l.log.Info("audit",
		zap.String("audit_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("action", e.Action),
		zap.String("outcome", string(e.Outcome)),
		zap.String("risk", string(e.RiskLevel)),
		zap.String("user_id", e.UserID),
		zap.String("organization_id", e.OrganizationID),
		zap.String("resource", e.Resource),
		zap.String("resource_id", e.ResourceID),
		zap.String("correlation_id", e.CorrelationID),
	)

	for _, s := range l.sinks {
		if err := s.Publish(writeCtx, &e); err != nil {
			l.log.Warn("audit sink publish failed", zap.String("audit_id", e.ID), zap.Error(err))
		}
	}
}

// List returns stored entries, newest first.
func (l *Logger) List(ctx context.Context, f Filter) ([]*Entry, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.List(ctx, f.Normalize())
}

// Close flushes and closes sinks.
func (l *Logger) Close() error {
	var first error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func defaultRisk(e Entry) Risk {
	switch {
	case e.Outcome == OutcomeDenied:
		return RiskMedium
	case e.EventType == EventSecurity:
		return RiskHigh
	case e.Outcome == OutcomeFailure && e.EventType == EventAuthentication:
		return RiskMedium
	case e.EventType == EventAdministration:
		return RiskMedium
	default:
		return RiskLow
	}
}
