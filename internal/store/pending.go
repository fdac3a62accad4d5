package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// EnqueueChange adds a pending change to the queue.
func (s *Store) EnqueueChange(change *schema.PendingChange) error {
	return s.EnqueueChangeContext(context.Background(), change)
}

// EnqueueChangeContext adds a pending change with context support.
func (s *Store) EnqueueChangeContext(ctx context.Context, change *schema.PendingChange) error {
	if err := change.Validate(); err != nil {
		return fmt.Errorf("invalid pending change: %w", err)
	}

	query := `
	INSERT INTO pending_changes
		(id, account_id, calendar_id, event_id, op, payload, retry_count, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var payload sql.NullString
	if len(change.Payload) > 0 {
		payload = sql.NullString{String: string(change.Payload), Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, query,
		change.ID,
		change.AccountID,
		change.CalendarID,
		change.EventID,
		string(change.Op),
		payload,
		change.RetryCount,
		change.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		change.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change %s: %w", change.ID, err)
	}

	return nil
}

// ListPendingChanges retrieves queued changes for an account, oldest first
// within each calendar so causal order of edits to the same event is
// preserved.
func (s *Store) ListPendingChanges(ctx context.Context, accountID string) ([]*schema.PendingChange, error) {
	query := `
	SELECT id, account_id, calendar_id, event_id, op, payload, retry_count, next_attempt_at, created_at
	FROM pending_changes
	WHERE account_id = ?
	ORDER BY calendar_id ASC, created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*schema.PendingChange
	for rows.Next() {
		change, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	return changes, nil
}

// ListChangesForEvent retrieves queued changes targeting one event,
// oldest first.
func (s *Store) ListChangesForEvent(ctx context.Context, accountID, calendarID, eventID string) ([]*schema.PendingChange, error) {
	query := `
	SELECT id, account_id, calendar_id, event_id, op, payload, retry_count, next_attempt_at, created_at
	FROM pending_changes
	WHERE account_id = ? AND calendar_id = ? AND event_id = ?
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, accountID, calendarID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes for event %s: %w", eventID, err)
	}
	defer rows.Close()

	var changes []*schema.PendingChange
	for rows.Next() {
		change, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	return changes, nil
}

// UpdateChangeRetry persists a change's retry count and next scheduled
// attempt after a transient failure.
func (s *Store) UpdateChangeRetry(ctx context.Context, changeID string, retryCount int, nextAttemptAt time.Time) error {
	query := `UPDATE pending_changes SET retry_count = ?, next_attempt_at = ? WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query,
		retryCount,
		nextAttemptAt.UTC().Format(time.RFC3339Nano),
		changeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update retry state for change %s: %w", changeID, err)
	}
	return nil
}

// DeleteChange removes a pending change from the queue.
// Returns nil if the change doesn't exist (idempotent).
func (s *Store) DeleteChange(ctx context.Context, changeID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, changeID); err != nil {
		return fmt.Errorf("failed to delete change %s: %w", changeID, err)
	}
	return nil
}

// DeleteChangesForEvent purges all queued changes targeting one event.
// Used when a delete is confirmed on both sides.
func (s *Store) DeleteChangesForEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	query := `DELETE FROM pending_changes WHERE account_id = ? AND calendar_id = ? AND event_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, accountID, calendarID, eventID); err != nil {
		return fmt.Errorf("failed to delete changes for event %s: %w", eventID, err)
	}
	return nil
}

// RetargetChanges repoints queued changes from one event id to another.
// Used when a queued create lands and the provisional local id is replaced
// by the server-assigned one.
func (s *Store) RetargetChanges(ctx context.Context, accountID, calendarID, oldEventID, newEventID string) error {
	query := `
	UPDATE pending_changes SET event_id = ?
	WHERE account_id = ? AND calendar_id = ? AND event_id = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, newEventID, accountID, calendarID, oldEventID); err != nil {
		return fmt.Errorf("failed to retarget changes from %s to %s: %w", oldEventID, newEventID, err)
	}
	return nil
}

// CountPendingChanges returns the number of queued changes for an account.
func (s *Store) CountPendingChanges(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE account_id = ?`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

func scanPendingChange(row scanner) (*schema.PendingChange, error) {
	var change schema.PendingChange
	var op string
	var payload sql.NullString
	var nextAttemptAt, createdAt string

	err := row.Scan(
		&change.ID,
		&change.AccountID,
		&change.CalendarID,
		&change.EventID,
		&op,
		&payload,
		&change.RetryCount,
		&nextAttemptAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	change.Op = schema.ChangeOp(op)
	if payload.Valid {
		change.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
		change.NextAttemptAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		change.CreatedAt = t
	}

	return &change, nil
}
