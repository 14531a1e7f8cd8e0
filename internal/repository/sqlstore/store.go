// Package sqlstore implements the repository interfaces on database/sql.
//
// Two drivers are supported behind the same code:
//   - "sqlite"   → modernc.org/sqlite, a pure-Go SQLite (no CGo toolchain needed)
//   - "postgres" → pgx through its database/sql adapter
//
// Queries are built with squirrel so the only per-driver difference is the
// placeholder style (? vs $1). The schema lives in ./migrations and is applied
// by goose.
//
// DATABASE/SQL OVERVIEW:
//   - sql.DB:   a connection pool (NOT a single connection!)
//   - sql.Row:  a single result row
//   - sql.Rows: multiple result rows (must be closed!)
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"

	// Blank imports register the "pgx" and "sqlite" drivers with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/akumotech/student-tracker/internal/repository/sqlstore/migrations"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas apply to every pooled connection, not just the first one.
// busy_timeout makes a writer wait for the lock instead of failing with
// SQLITE_BUSY while the sync pass and a request write at the same time.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// Store wraps a sql.DB connection pool and implements
// repository.UserRepository and repository.SummaryRepository.
type Store struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// Open connects to the database and verifies the connection with a ping.
// It does not migrate; call Migrate (the serve and migrate commands do).
//
// dsn examples:
//   - sqlite:   "data/tracker.db" or ":memory:"
//   - postgres: "host=localhost user=postgres dbname=tracker sslmode=disable"
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: creating database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", withPragmas(dsn))
		if err != nil {
			return nil, fmt.Errorf("sqlstore: opening sqlite: %w", err)
		}
		// SQLite allows one writer at a time. A single connection serializes
		// writes in Go instead of surfacing lock errors, and keeps ":memory:"
		// pointing at one database.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: opening postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: pinging %s: %w", driver, err)
	}

	return New(db, driver), nil
}

// New wraps an already opened pool.
func New(db *sql.DB, driver string) *Store {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if driver == DriverPostgres {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &Store{db: db, driver: driver, sb: sb}
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return "file:" + dsn + "?" + sqlitePragmas
}

// Migrate applies every pending migration from the embedded migrations
// package and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}

	provider, err := goose.NewProvider(dialect, s.db, migrations.FS)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("sqlstore: applying migrations: %w", err)
	}

	return len(results), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a unique constraint violation on
// either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	return false
}
