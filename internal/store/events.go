package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

const eventColumns = `
	id, account_id, calendar_id, summary, description, location,
	start_at, start_all_day, start_tz, end_at, end_all_day, end_tz,
	recurrence, master_id, instance_date, remote_version,
	locally_modified, has_conflict, deleted, sync_error, remote_shadow,
	created_at, updated_at`

// UpsertEvent inserts or updates an event.
func (s *Store) UpsertEvent(event *schema.Event) error {
	return s.UpsertEventContext(context.Background(), event)
}

// UpsertEventContext inserts or updates an event with context support.
func (s *Store) UpsertEventContext(ctx context.Context, event *schema.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	recurrence, err := marshalStrings(event.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to marshal recurrence for event %s: %w", event.ID, err)
	}

	query := `
	INSERT INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, calendar_id, id) DO UPDATE SET
		summary = excluded.summary,
		description = excluded.description,
		location = excluded.location,
		start_at = excluded.start_at,
		start_all_day = excluded.start_all_day,
		start_tz = excluded.start_tz,
		end_at = excluded.end_at,
		end_all_day = excluded.end_all_day,
		end_tz = excluded.end_tz,
		recurrence = excluded.recurrence,
		master_id = excluded.master_id,
		instance_date = excluded.instance_date,
		remote_version = excluded.remote_version,
		locally_modified = excluded.locally_modified,
		has_conflict = excluded.has_conflict,
		deleted = excluded.deleted,
		sync_error = excluded.sync_error,
		remote_shadow = excluded.remote_shadow,
		updated_at = excluded.updated_at
	`

	var shadow sql.NullString
	if len(event.RemoteShadow) > 0 {
		shadow = sql.NullString{String: string(event.RemoteShadow), Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, query,
		event.ID,
		event.AccountID,
		event.CalendarID,
		event.Summary,
		event.Description,
		event.Location,
		event.Start.Time.Format(time.RFC3339Nano),
		boolToInt(event.Start.AllDay),
		event.Start.TimeZone,
		timeToNullString(event.End.Time),
		boolToInt(event.End.AllDay),
		event.End.TimeZone,
		recurrence,
		event.MasterID,
		event.InstanceDate,
		event.RemoteVersion,
		boolToInt(event.LocallyModified),
		boolToInt(event.HasConflict),
		boolToInt(event.Deleted),
		event.SyncError,
		shadow,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
		event.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", event.ID, err)
	}

	return nil
}

// GetEvent retrieves a single event.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetEvent(ctx context.Context, accountID, calendarID, eventID string) (*schema.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
	WHERE account_id = ? AND calendar_id = ? AND id = ?`

	return scanEvent(s.conn.QueryRowContext(ctx, query, accountID, calendarID, eventID))
}

// DeleteEvent removes an event record entirely.
// Returns nil if the event doesn't exist (idempotent).
func (s *Store) DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	query := `DELETE FROM events WHERE account_id = ? AND calendar_id = ? AND id = ?`
	if _, err := s.conn.ExecContext(ctx, query, accountID, calendarID, eventID); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// RenameEvent changes an event's id in place, preserving all other fields.
//
// Used when a queued create lands and the remote service assigns the
// permanent id that replaces the provisional local one.
func (s *Store) RenameEvent(ctx context.Context, accountID, calendarID, oldID, newID string) error {
	query := `
	UPDATE events SET id = ?, updated_at = ?
	WHERE account_id = ? AND calendar_id = ? AND id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		newID,
		time.Now().UTC().Format(time.RFC3339Nano),
		accountID, calendarID, oldID,
	)
	if err != nil {
		return fmt.Errorf("failed to rename event %s to %s: %w", oldID, newID, err)
	}
	return nil
}

// ListEventsInWindow retrieves non-deleted events relevant to the given
// time window across all accounts: plain events overlapping the window plus
// every recurring master, since occurrences inside the window may derive
// from a master that started long before it.
func (s *Store) ListEventsInWindow(ctx context.Context, start, end time.Time) ([]*schema.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
	WHERE deleted = 0
	  AND (recurrence IS NOT NULL
	       OR (start_at < ? AND (end_at IS NULL OR end_at > ?)))
	ORDER BY start_at ASC`

	rows, err := s.conn.QueryContext(ctx, query,
		end.UTC().Format(time.RFC3339Nano),
		start.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events in window: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListInstances retrieves the detached occurrences of a recurring master.
func (s *Store) ListInstances(ctx context.Context, accountID, calendarID, masterID string) ([]*schema.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
	WHERE account_id = ? AND calendar_id = ? AND master_id = ?
	ORDER BY instance_date ASC`

	rows, err := s.conn.QueryContext(ctx, query, accountID, calendarID, masterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances of %s: %w", masterID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListConflictedEvents retrieves all events flagged with an unresolved
// conflict, across all accounts.
func (s *Store) ListConflictedEvents(ctx context.Context) ([]*schema.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
	WHERE has_conflict = 1
	ORDER BY account_id, calendar_id, start_at ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicted events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*schema.Event, error) {
	var event schema.Event
	var summary, description, location sql.NullString
	var startAt string
	var startAllDay, endAllDay, locallyModified, hasConflict, deleted int
	var startTZ, endTZ sql.NullString
	var endAt sql.NullString
	var recurrence, masterID, instanceDate, remoteVersion sql.NullString
	var syncError, shadow sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&event.ID,
		&event.AccountID,
		&event.CalendarID,
		&summary,
		&description,
		&location,
		&startAt,
		&startAllDay,
		&startTZ,
		&endAt,
		&endAllDay,
		&endTZ,
		&recurrence,
		&masterID,
		&instanceDate,
		&remoteVersion,
		&locallyModified,
		&hasConflict,
		&deleted,
		&syncError,
		&shadow,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Summary = summary.String
	event.Description = description.String
	event.Location = location.String

	if t, err := time.Parse(time.RFC3339Nano, startAt); err == nil {
		event.Start.Time = t
	}
	event.Start.AllDay = startAllDay != 0
	event.Start.TimeZone = startTZ.String
	event.End.Time = nullStringToTime(endAt)
	event.End.AllDay = endAllDay != 0
	event.End.TimeZone = endTZ.String

	rec, err := unmarshalStrings(recurrence)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}
	event.Recurrence = rec

	event.MasterID = masterID.String
	event.InstanceDate = instanceDate.String
	event.RemoteVersion = remoteVersion.String
	event.LocallyModified = locallyModified != 0
	event.HasConflict = hasConflict != 0
	event.Deleted = deleted != 0
	event.SyncError = syncError.String
	if shadow.Valid {
		event.RemoteShadow = []byte(shadow.String)
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		event.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		event.UpdatedAt = t
	}

	return &event, nil
}
