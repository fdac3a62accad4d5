// Package store provides the SQLite-backed local store for the calendar
// replica.
//
// The store owns the lifecycle of all five record families: accounts,
// calendars, events, pending changes, and tombstones. It holds no business
// logic beyond CRUD and indexed lookup; merge decisions belong to the sync
// engine and conflict detector.
//
// The database runs in embedded mode with WAL enabled so concurrent
// calendar workers can read while one writes. Account -> Calendar -> Event
// form a strict ownership tree enforced with ON DELETE CASCADE foreign
// keys; pending changes and tombstones are weak references that only record
// ids and tolerate their target event disappearing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with replica-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		credential_ref TEXT NOT NULL,
		token_expiry TEXT,
		color TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendars (
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		summary TEXT,
		sync_cursor TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		summary TEXT,
		description TEXT,
		location TEXT,
		start_at TEXT NOT NULL,
		start_all_day INTEGER NOT NULL DEFAULT 0,
		start_tz TEXT,
		end_at TEXT,
		end_all_day INTEGER NOT NULL DEFAULT 0,
		end_tz TEXT,
		recurrence TEXT,  -- JSON array of raw rule lines
		master_id TEXT,
		instance_date TEXT,
		remote_version TEXT,
		locally_modified INTEGER NOT NULL DEFAULT 0,
		has_conflict INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		sync_error TEXT,
		remote_shadow TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, calendar_id, id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	-- Weak references: no foreign key to events, only to the owning account
	-- for cascade on account removal.
	CREATE TABLE IF NOT EXISTS pending_changes (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		op TEXT NOT NULL,  -- create, update, delete
		payload TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		event_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		PRIMARY KEY (account_id, calendar_id, event_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_calendars_account ON calendars(account_id);
	CREATE INDEX IF NOT EXISTS idx_events_calendar ON events(account_id, calendar_id);
	CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);
	CREATE INDEX IF NOT EXISTS idx_events_master ON events(master_id) WHERE master_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_conflict ON events(has_conflict) WHERE has_conflict = 1;
	CREATE INDEX IF NOT EXISTS idx_pending_order
	    ON pending_changes(account_id, calendar_id, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time to a nullable string for SQL.
// Zero times are stored as NULL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time.
// NULL or unparseable values yield the zero time.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalStrings serializes a string slice to a JSON column value.
// Nil and empty slices are stored as NULL.
func marshalStrings(ss []string) (sql.NullString, error) {
	if len(ss) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalStrings parses a JSON column value back into a string slice.
func unmarshalStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(ns.String), &ss); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	return ss, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
