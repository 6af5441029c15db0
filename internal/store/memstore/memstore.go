// Package memstore keeps every store in process memory. It backs local
// development without DATABASE_URL and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/session"
)

// DB holds the in-memory tables. The typed views returned by Auth,
// Lending, Sessions and Audit share one lock.
type DB struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	now  func() time.Time
	tables
}

type tables struct {
	orgs          map[string]auth.Organization
	users         map[string]auth.User
	verifications map[string]auth.EmailVerification
	invitations   map[string]auth.Invitation
	sessions      map[string]session.Session
	audit         []audit.Entry
	leads         map[string]lending.Lead
	apps          map[string]lending.Application
	products      map[string]lending.LoanProduct
	templates     map[string]lending.ApplicationTemplate
	tasks         map[string]lending.Task
	queues        map[string]lending.Queue
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		now: time.Now,
		tables: tables{
			orgs:          map[string]auth.Organization{},
			users:         map[string]auth.User{},
			verifications: map[string]auth.EmailVerification{},
			invitations:   map[string]auth.Invitation{},
			sessions:      map[string]session.Session{},
			leads:         map[string]lending.Lead{},
			apps:          map[string]lending.Application{},
			products:      map[string]lending.LoanProduct{},
			templates:     map[string]lending.ApplicationTemplate{},
			tasks:         map[string]lending.Task{},
			queues:        map[string]lending.Queue{},
		},
	}
}

// Auth returns the auth.Store view.
func (db *DB) Auth() auth.Store { return authStore{db} }

// Lending returns the lending.Store view.
func (db *DB) Lending() lending.Store { return lendingStore{db} }

// Sessions returns the session.Store view.
func (db *DB) Sessions() session.Store { return sessionStore{db} }

// Audit returns the audit.Store view.
func (db *DB) Audit() audit.Store { return auditStore{db} }

// Ping always succeeds; it lets the health monitor treat both stores alike.
func (db *DB) Ping(context.Context) error { return nil }

// Close is a no-op.
func (db *DB) Close() error { return nil }

// snapshot copies the table maps. Rows are stored as values and replaced
// wholesale on write, so copying the maps is enough to roll back.
func (t *tables) snapshot() tables {
	out := tables{
		orgs:          copyMap(t.orgs),
		users:         copyMap(t.users),
		verifications: copyMap(t.verifications),
		invitations:   copyMap(t.invitations),
		sessions:      copyMap(t.sessions),
		audit:         append([]audit.Entry(nil), t.audit...),
		leads:         copyMap(t.leads),
		apps:          copyMap(t.apps),
		products:      copyMap(t.products),
		templates:     copyMap(t.templates),
		tasks:         copyMap(t.tasks),
		queues:        copyMap(t.queues),
	}
	return out
}

// inTx runs fn and restores the tables if it fails. Transactions are
// serialized with each other but not with single writes.
func (db *DB) inTx(fn func() error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.RLock()
	saved := db.tables.snapshot()
	db.mu.RUnlock()

	if err := fn(); err != nil {
		db.mu.Lock()
		db.tables = saved
		db.mu.Unlock()
		return err
	}
	return nil
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// page applies offset and limit to an already sorted slice.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortNewestFirst[T any](items []T, created func(T) time.Time, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if ci.Equal(cj) {
			return id(items[i]) > id(items[j])
		}
		return ci.After(cj)
	})
}
