// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles schema creation, transactions, and shared scan/format helpers

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// querier is the subset of *sql.DB and *sql.Tx used by the store.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: writers are serialized and ":memory:" stays a single database
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		q:      db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			credential_id    BLOB UNIQUE NOT NULL,
			public_key       BLOB NOT NULL,
			counter          INTEGER NOT NULL DEFAULT 0,
			user_agent       TEXT,
			attestation_type TEXT,
			transports       TEXT,
			aaguid           BLOB,
			backup_eligible  INTEGER NOT NULL DEFAULT 0,
			backup_state     INTEGER NOT NULL DEFAULT 0,
			registered_at    TEXT NOT NULL,
			last_used_at     TEXT
		);

		CREATE TABLE IF NOT EXISTS challenges (
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			challenge  TEXT NOT NULL,
			session    BLOB,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,

			PRIMARY KEY (id, type),
			CHECK (type IN ('registration', 'authentication'))
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at);

		CREATE TABLE IF NOT EXISTS requests (
			id           TEXT PRIMARY KEY,
			command      TEXT NOT NULL,
			reason       TEXT,
			agent        TEXT,
			priority     TEXT NOT NULL DEFAULT 'normal',
			status       TEXT NOT NULL DEFAULT 'pending',
			exit_code    INTEGER,
			stdout       TEXT,
			stderr       TEXT,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			approved_at  TEXT,
			approved_by  TEXT,
			completed_at TEXT,

			CHECK (priority IN ('normal', 'high')),
			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'denied', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_requests_status_expires ON requests(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"devices", "aaguid", `ALTER TABLE devices ADD COLUMN aaguid BLOB`},
		{"devices", "backup_eligible", `ALTER TABLE devices ADD COLUMN backup_eligible INTEGER NOT NULL DEFAULT 0`},
		{"devices", "backup_state", `ALTER TABLE devices ADD COLUMN backup_state INTEGER NOT NULL DEFAULT 0`},
		{"challenges", "session", `ALTER TABLE challenges ADD COLUMN session BLOB`},
		{"requests", "approved_by", `ALTER TABLE requests ADD COLUMN approved_by TEXT`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("inspecting %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// InTx runs fn inside a database transaction. Calls nested inside an existing
// transaction reuse it.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	scoped := &SQLiteStore{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	return s.q.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return errors.New("close called inside transaction")
	}
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullTime returns nil for NULL columns.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
