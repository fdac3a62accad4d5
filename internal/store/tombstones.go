package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// PutTombstone records a local delete until it is confirmed remotely.
// Re-recording an existing tombstone refreshes its deletion time.
func (s *Store) PutTombstone(tombstone *schema.Tombstone) error {
	return s.PutTombstoneContext(context.Background(), tombstone)
}

// PutTombstoneContext records a tombstone with context support.
func (s *Store) PutTombstoneContext(ctx context.Context, tombstone *schema.Tombstone) error {
	if err := tombstone.Validate(); err != nil {
		return fmt.Errorf("invalid tombstone: %w", err)
	}

	query := `
	INSERT INTO tombstones (event_id, account_id, calendar_id, deleted_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id, calendar_id, event_id) DO UPDATE SET
		deleted_at = excluded.deleted_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		tombstone.EventID,
		tombstone.AccountID,
		tombstone.CalendarID,
		tombstone.DeletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put tombstone for %s: %w", tombstone.EventID, err)
	}

	return nil
}

// GetTombstone retrieves a tombstone, or nil if none exists for the id.
func (s *Store) GetTombstone(ctx context.Context, accountID, calendarID, eventID string) (*schema.Tombstone, error) {
	query := `
	SELECT event_id, account_id, calendar_id, deleted_at
	FROM tombstones
	WHERE account_id = ? AND calendar_id = ? AND event_id = ?
	`

	var ts schema.Tombstone
	var deletedAt string
	err := s.conn.QueryRowContext(ctx, query, accountID, calendarID, eventID).Scan(
		&ts.EventID, &ts.AccountID, &ts.CalendarID, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tombstone for %s: %w", eventID, err)
	}

	if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
		ts.DeletedAt = t
	}

	return &ts, nil
}

// DeleteTombstone removes a tombstone once the delete is resolved.
// Returns nil if the tombstone doesn't exist (idempotent).
func (s *Store) DeleteTombstone(ctx context.Context, accountID, calendarID, eventID string) error {
	query := `DELETE FROM tombstones WHERE account_id = ? AND calendar_id = ? AND event_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, accountID, calendarID, eventID); err != nil {
		return fmt.Errorf("failed to delete tombstone for %s: %w", eventID, err)
	}
	return nil
}

// ListTombstones retrieves all tombstones for an account.
func (s *Store) ListTombstones(ctx context.Context, accountID string) ([]*schema.Tombstone, error) {
	query := `
	SELECT event_id, account_id, calendar_id, deleted_at
	FROM tombstones
	WHERE account_id = ?
	ORDER BY deleted_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []*schema.Tombstone
	for rows.Next() {
		var ts schema.Tombstone
		var deletedAt string
		if err := rows.Scan(&ts.EventID, &ts.AccountID, &ts.CalendarID, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
			ts.DeletedAt = t
		}
		tombstones = append(tombstones, &ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	return tombstones, nil
}
