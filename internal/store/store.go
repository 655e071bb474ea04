package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by find/get lookups that match no row.
var ErrNotFound = errors.New("store: not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339Nano
)

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for created_at / updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to driver ("sqlite" or "postgres") and applies migrations.
// An empty sqlite dsn means data/ledgermarket.db.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if dsn == "" {
			dsn = "data/ledgermarket.db"
		}
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("postgres: empty dsn")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases and write locking sane
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA busy_timeout=3000;", "PRAGMA foreign_keys=ON;"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Driver() string { return s.driver }

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) stamp() string { return s.now().UTC().Format(tsLayout) }

func (s *Store) migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS families (
			id ` + id + `,
			name TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id ` + id + `,
			family_id BIGINT NOT NULL REFERENCES families(id),
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance TEXT NOT NULL DEFAULT '0',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id ` + id + `,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			date TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			ticker TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_ticker ON entries(ticker)`,
		`CREATE TABLE IF NOT EXISTS valuations (
			id ` + id + `,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			date TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (account_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS securities (
			id ` + id + `,
			ticker TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			exchange TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			logo_url TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT 'USD',
			offline INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS security_prices (
			id ` + id + `,
			ticker TEXT NOT NULL,
			date TEXT NOT NULL,
			price TEXT NOT NULL,
			currency TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (ticker, date)
		)`,
		`CREATE TABLE IF NOT EXISTS exchange_rates (
			id ` + id + `,
			from_currency TEXT NOT NULL,
			to_currency TEXT NOT NULL,
			date TEXT NOT NULL,
			rate TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (from_currency, to_currency, date)
		)`,
		`CREATE TABLE IF NOT EXISTS holdings (
			id ` + id + `,
			account_id BIGINT NOT NULL UNIQUE REFERENCES accounts(id),
			family_id BIGINT NOT NULL REFERENCES families(id),
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity TEXT NOT NULL,
			spot_price TEXT,
			spot_currency TEXT,
			spot_as_of TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (family_id, kind, symbol)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatDate(t time.Time) string {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	return time.Parse(dateLayout, s)
}

func parseStamp(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}
