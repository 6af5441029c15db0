// Package migrate applies numbered SQL files and seed data to PostgreSQL,
// recording what ran in bookkeeping tables.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"

	// advisoryLockKey serializes concurrent runners (two api replicas started
	// with --migrate, for instance).
	advisoryLockKey int64 = 0x6c656e6470617468
)

var (
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	ErrMissingDown    = errors.New("migrate: missing down migration")
)

// Manager runs migrations and seeds read from file systems, normally the
// embedded lendpath.io/migrations tree.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	log             *zap.Logger
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager. A nil seeds FS makes Seed a no-op.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             zap.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entry is one migration file and whether it has been applied.
type Entry struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

func (e Entry) String() string {
	if !e.Applied {
		return e.Name + "\tpending"
	}
	return e.Name + "\t" + e.AppliedAt.Format(time.RFC3339)
}

// Up applies every pending migration in file-name order. Each file runs in
// its own transaction together with its bookkeeping row.
func (m *Manager) Up(ctx context.Context) error {
	applied, err := m.prepare(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(m.migrations, upSuffix)
	if err != nil {
		return err
	}
	insert := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.migrationsTable)
	for _, name := range files {
		if _, ok := applied[name]; ok {
			continue
		}
		if err := m.apply(ctx, m.migrations, name, insert, name, m.now()); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		m.log.Info("migration applied", zap.String("name", name))
	}
	return nil
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.prepare(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := latest(applied)
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if m.migrations == nil {
		return fmt.Errorf("%w for %s", ErrMissingDown, last)
	}
	if _, err := fs.Stat(m.migrations, down); err != nil {
		return fmt.Errorf("%w for %s", ErrMissingDown, last)
	}
	remove := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.apply(ctx, m.migrations, down, remove, last); err != nil {
		return fmt.Errorf("migrate: revert %s: %w", last, err)
	}
	m.log.Info("migration reverted", zap.String("name", last))
	return nil
}

// Status lists every known migration, applied or pending. Rows recorded in
// the bookkeeping table without a matching file are listed as applied.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	applied, err := m.prepare(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := listSQL(m.migrations, upSuffix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(files))
	out := make([]Entry, 0, len(files))
	for _, name := range files {
		seen[name] = true
		at, ok := applied[name]
		out = append(out, Entry{Name: name, Applied: ok, AppliedAt: at})
	}
	for name, at := range applied {
		if !seen[name] {
			out = append(out, Entry{Name: name, Applied: true, AppliedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	applied, err := m.prepare(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(m.seeds, ".sql")
	if err != nil {
		return err
	}
	insert := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.seedsTable)
	for _, name := range files {
		if _, ok := applied[name]; ok {
			continue
		}
		if err := m.apply(ctx, m.seeds, name, insert, name, m.now()); err != nil {
			return fmt.Errorf("migrate: seed %s: %w", name, err)
		}
		m.log.Info("seed applied", zap.String("name", name))
	}
	return nil
}

// prepare creates both bookkeeping tables and reads the one asked for.
func (m *Manager) prepare(ctx context.Context, table string) (map[string]time.Time, error) {
	ddl := fmt.Sprintf(`create table if not exists %s (name text primary key, applied_at timestamptz not null default now());
create table if not exists %s (name text primary key, applied_at timestamptz not null default now());`,
		m.migrationsTable, m.seedsTable)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("migrate: bookkeeping tables: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by name`, table))
	if err != nil {
		return nil, fmt.Errorf("migrate: read %s: %w", table, err)
	}
	defer rows.Close()
	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		applied[name] = at
	}
	return applied, rows.Err()
}

// apply runs file and the bookkeeping statement in one transaction, holding
// the advisory lock until commit.
func (m *Manager) apply(ctx context.Context, fsys fs.FS, file, record string, args ...any) error {
	body, err := fs.ReadFile(fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	for i, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func latest(applied map[string]time.Time) string {
	var last string
	for name := range applied {
		if name > last {
			last = name
		}
	}
	return last
}

// listSQL returns the base names of files ending in suffix, sorted. Files in
// subdirectories are ignored.
func listSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		// down files also end in .sql
		if suffix == ".sql" && strings.HasSuffix(e.Name(), downSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits a SQL script on semicolons that are outside
// quoted strings, dollar-quoted bodies and comments. Fragments holding
// only comments are dropped.
func splitStatements(src string) []string {
	var (
		out   []string
		start int
		quote string
		code  bool
	)
	for i := 0; i < len(src); i++ {
		if quote != "" {
			if strings.HasPrefix(src[i:], quote) {
				i += len(quote) - 1
				quote = ""
			}
			continue
		}
		c := src[i]
		switch {
		case strings.HasPrefix(src[i:], "--"):
			if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
				i += j
			} else {
				i = len(src)
			}
		case strings.HasPrefix(src[i:], "/*"):
			if j := strings.Index(src[i+2:], "*/"); j >= 0 {
				i += j + 3
			} else {
				i = len(src)
			}
		case c == '\'' || c == '"':
			quote, code = string(c), true
		case c == '$':
			code = true
			if tag, ok := dollarTag(src[i:]); ok {
				quote = tag
				i += len(tag) - 1
			}
		case c == ';':
			if code {
				out = append(out, strings.TrimSpace(src[start:i]))
			}
			start, code = i+1, false
		case c != ' ' && c != '\t' && c != '\n' && c != '\r':
			code = true
		}
	}
	if code && start < len(src) {
		out = append(out, strings.TrimSpace(src[start:]))
	}
	return out
}

// dollarTag reports the opening tag of a dollar-quoted string ($$ or
// $name$) at the start of s.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	name := s[1 : end+1]
	for i, r := range name {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !letter && (i == 0 || r < '0' || r > '9') {
			return "", false
		}
	}
	return s[:end+2], true
}
