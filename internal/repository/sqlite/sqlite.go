// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database — it lives inside your Go binary as a single file.
// No separate database server to install, configure, or manage. One process,
// one file, and ":memory:" for tests.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means you need a C compiler installed and
// cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code — no C compiler needed.
//
// DATABASE/SQL OVERVIEW:
// Go's standard library provides "database/sql" — a generic interface for SQL databases.
// Key types:
//   - sql.DB      — a connection pool (NOT a single connection!)
//   - sql.Row     — a single result row
//   - sql.Rows    — multiple result rows (must be closed!)
//
// SCHEMA:
// The schema lives in migrations/*.sql, embedded into the binary and applied
// by golang-migrate on startup. golang-migrate records the applied version in
// a schema_migrations table, so restarting the server is a no-op.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// BLANK IMPORT of the driver:
	// The driver registers itself with database/sql as "sqlite" in init().
	// We also need its Error type to recognise UNIQUE violations, hence the name.
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/tasklist/internal/apperror"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a sql.DB connection pool and implements both
// repository.UserRepository and repository.TaskRepository.
//
// The pool is created once at startup and passed to every service. Nothing
// re-opens it per request.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at dbPath and applies all migrations.
//
// dbPath examples:
//   - "data/tasklist.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests, lost on close)
//
// PRAGMAS VIA THE DSN:
// modernc.org/sqlite applies every _pragma= query parameter on each new
// connection in the pool. Setting foreign_keys through the DSN (rather than a
// single Exec) guarantees every pooled connection enforces it.
func New(dbPath string) (*DB, error) {
	memory := dbPath == ":memory:"

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Each connection to ":memory:" gets its OWN empty database. Pinning the
	// pool to one connection keeps the schema and the data in one place.
	if memory {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL (Write-Ahead Logging) mode allows concurrent reads WHILE a write
	// is happening. In-memory databases have no journal file, so skip it.
	if !memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
//
// ALWAYS DEFER CLOSE:
//
//	db, err := sqlite.New("data/tasklist.db")
//	if err != nil { ... }
//	defer db.Close()
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database still answers. /health reports the result.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return apperror.Unavailable(fmt.Errorf("sqlite: ping: %w", err))
	}
	return nil
}

// migrate applies every pending migration from the embedded migrations/ dir.
//
// m.Close() is deliberately NOT called: the sqlite migrate driver would close
// the *sql.DB we handed it, and that pool is the one the server keeps using.
func (db *DB) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is SQLite rejecting a duplicate
// value in a UNIQUE column.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// now returns the current time in UTC. Every timestamp is stored in UTC so
// that ORDER BY created_at compares like with like.
func now() time.Time {
	return time.Now().UTC()
}
