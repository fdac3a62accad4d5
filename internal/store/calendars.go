package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// UpsertCalendar inserts or updates a calendar.
//
// The sync cursor is intentionally NOT touched on update: cursor advancement
// goes through SetSyncCursor only, after a pull pass commits cleanly.
func (s *Store) UpsertCalendar(calendar *schema.Calendar) error {
	return s.UpsertCalendarContext(context.Background(), calendar)
}

// UpsertCalendarContext inserts or updates a calendar with context support.
func (s *Store) UpsertCalendarContext(ctx context.Context, calendar *schema.Calendar) error {
	if err := calendar.Validate(); err != nil {
		return fmt.Errorf("invalid calendar: %w", err)
	}

	query := `
	INSERT INTO calendars (id, account_id, summary, sync_cursor, enabled, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, id) DO UPDATE SET
		summary = excluded.summary,
		enabled = excluded.enabled,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		calendar.ID,
		calendar.AccountID,
		calendar.Summary,
		calendar.SyncCursor,
		boolToInt(calendar.Enabled),
		calendar.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert calendar %s: %w", calendar.ID, err)
	}

	return nil
}

// GetCalendar retrieves a single calendar.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetCalendar(ctx context.Context, accountID, calendarID string) (*schema.Calendar, error) {
	query := `
	SELECT id, account_id, summary, sync_cursor, enabled, updated_at
	FROM calendars
	WHERE account_id = ? AND id = ?
	`

	return scanCalendar(s.conn.QueryRowContext(ctx, query, accountID, calendarID))
}

// ListCalendars retrieves all calendars for an account.
func (s *Store) ListCalendars(ctx context.Context, accountID string) ([]*schema.Calendar, error) {
	return s.listCalendars(ctx, accountID, false)
}

// ListEnabledCalendars retrieves only calendars with sync enabled.
func (s *Store) ListEnabledCalendars(ctx context.Context, accountID string) ([]*schema.Calendar, error) {
	return s.listCalendars(ctx, accountID, true)
}

func (s *Store) listCalendars(ctx context.Context, accountID string, enabledOnly bool) ([]*schema.Calendar, error) {
	query := `
	SELECT id, account_id, summary, sync_cursor, enabled, updated_at
	FROM calendars
	WHERE account_id = ?
	`
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY id ASC"

	rows, err := s.conn.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var calendars []*schema.Calendar
	for rows.Next() {
		calendar, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, calendar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendars: %w", err)
	}

	return calendars, nil
}

// SetSyncCursor persists a calendar's sync cursor.
//
// Called by the sync engine only after a full pull-and-merge pass for the
// calendar has completed without unrecoverable error.
func (s *Store) SetSyncCursor(ctx context.Context, accountID, calendarID, cursor string) error {
	query := `
	UPDATE calendars SET sync_cursor = ?, updated_at = ?
	WHERE account_id = ? AND id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		cursor,
		time.Now().UTC().Format(time.RFC3339Nano),
		accountID, calendarID,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync cursor for %s/%s: %w", accountID, calendarID, err)
	}
	return nil
}

// SetCalendarEnabled toggles whether the sync engine pulls a calendar.
func (s *Store) SetCalendarEnabled(ctx context.Context, accountID, calendarID string, enabled bool) error {
	query := `
	UPDATE calendars SET enabled = ?, updated_at = ?
	WHERE account_id = ? AND id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		boolToInt(enabled),
		time.Now().UTC().Format(time.RFC3339Nano),
		accountID, calendarID,
	)
	if err != nil {
		return fmt.Errorf("failed to set enabled for %s/%s: %w", accountID, calendarID, err)
	}
	return nil
}

func scanCalendar(row scanner) (*schema.Calendar, error) {
	var calendar schema.Calendar
	var summary, cursor sql.NullString
	var enabled int
	var updatedAt string

	err := row.Scan(
		&calendar.ID,
		&calendar.AccountID,
		&summary,
		&cursor,
		&enabled,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	calendar.Summary = summary.String
	calendar.SyncCursor = cursor.String
	calendar.Enabled = enabled != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		calendar.UpdatedAt = t
	}

	return &calendar, nil
}
