package memstore

import (
	"context"

	"lendpath.io/internal/audit"
)

type auditStore struct{ db *DB }

func copyEntry(e audit.Entry) *audit.Entry {
	if e.Details != nil {
		e.Details = copyMap(e.Details)
	}
	return &e
}

// Append stores a copy of e. Entries are never updated or removed.
func (s auditStore) Append(_ context.Context, e *audit.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, *copyEntry(*e))
	return nil
}

// List returns matching entries, newest first.
func (s auditStore) List(_ context.Context, f audit.Filter) ([]*audit.Entry, error) {
	f = f.Normalize()
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*audit.Entry{}
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		e := s.db.audit[i]
		switch {
		case f.OrganizationID != "" && e.OrganizationID != f.OrganizationID,
			f.UserID != "" && e.UserID != f.UserID,
			f.Action != "" && e.Action != f.Action,
			f.EventType != "" && e.EventType != f.EventType,
			f.Resource != "" && e.Resource != f.Resource,
			f.Outcome != "" && e.Outcome != f.Outcome,
			!f.Since.IsZero() && e.Timestamp.Before(f.Since),
			!f.Until.IsZero() && e.Timestamp.After(f.Until):
			continue
		}
		out = append(out, copyEntry(e))
	}
	return page(out, f.Offset, f.Limit), nil
}
