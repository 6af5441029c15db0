// Package pg implements the domain stores on PostgreSQL through
// database/sql and the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/session"
)

// Store owns the connection pool and hands out typed views over it.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx driver. maxConns <= 0 keeps the default of 50.
func Open(dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 50
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Auth() auth.Store { return authStore{q: s.db, db: s.db} }

func (s *Store) Lending() lending.Store { return lendingStore{q: s.db, db: s.db} }

func (s *Store) Sessions() session.Store { return sessionStore{q: s.db} }

func (s *Store) Audit() audit.Store { return auditStore{q: s.db} }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction. A nil db means the caller is already
// inside one, so fn runs against q directly.
func inTx(ctx context.Context, db *sql.DB, q queryer, fn func(queryer) error) error {
	if db == nil {
		return fn(q)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.FromDB(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return apperr.FromDB(tx.Commit())
}

// notFound maps sql.ErrNoRows to a named not-found error.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, what+" not found", err)
	}
	return apperr.FromDB(err)
}

// exec runs a statement and reports a not-found error when no row matched.
func exec(ctx context.Context, q queryer, what, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.FromDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.FromDB(err)
	}
	if n == 0 {
		return apperr.NotFound(what + " not found")
	}
	return nil
}

// changed runs a conditional update and reports whether it matched.
func changed(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.FromDB(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.FromDB(err)
	}
	return n, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// uniqueOn reports a unique violation on the named constraint.
func uniqueOn(err error, constraint string) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == apperr.PgUniqueViolation && strings.Contains(pgErr.ConstraintName, constraint)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func jsonArg(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

// sealed converts a Protected value into its encrypted and hash columns.
func sealed(p pii.Protected) (any, sql.NullString, error) {
	if p.IsZero() {
		return nil, sql.NullString{}, nil
	}
	raw, err := p.Field.Value()
	if err != nil {
		return nil, sql.NullString{}, err
	}
	return raw, nullIfEmpty(p.Hash), nil
}

// unseal rebuilds a Protected value from scanned columns.
func unseal(raw []byte, hash sql.NullString) (pii.Protected, error) {
	if len(raw) == 0 {
		return pii.Protected{}, nil
	}
	field := &pii.EncryptedField{}
	if err := field.Scan(raw); err != nil {
		return pii.Protected{}, err
	}
	return pii.Protected{Field: field, Hash: hash.String}, nil
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
