package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/calmirror/calmirror/internal/schema"
)

// localIDPrefix marks provisional event ids assigned before the remote
// service issues the permanent one.
const localIDPrefix = "local-"

// CreateLocalEvent records a new event locally and queues its creation
// against the remote service. The event gets a provisional id that is
// replaced by the server-assigned one once the queued create lands.
func (e *Engine) CreateLocalEvent(ctx context.Context, accountID, calendarID string, payload *schema.EventPayload) (*schema.Event, error) {
	now := e.now()
	event := &schema.Event{
		ID:              localIDPrefix + uuid.NewString(),
		AccountID:       accountID,
		CalendarID:      calendarID,
		Summary:         payload.Summary,
		Description:     payload.Description,
		Location:        payload.Location,
		Start:           payload.Start,
		End:             payload.End,
		Recurrence:      payload.Recurrence,
		LocallyModified: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.store.UpsertEventContext(ctx, event); err != nil {
		return nil, err
	}
	if err := e.enqueue(ctx, event, schema.OpCreate, payload); err != nil {
		return nil, err
	}

	return event, nil
}

// UpdateLocalEvent applies an edit to a local event and queues the write.
//
// The event's stored RemoteVersion is left untouched: while the edit is
// pending it records the version the edit was based on, which is what the
// conflict detector compares incoming deltas against.
func (e *Engine) UpdateLocalEvent(ctx context.Context, accountID, calendarID, eventID string, payload *schema.EventPayload) (*schema.Event, error) {
	event, err := e.store.GetEvent(ctx, accountID, calendarID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s not found", eventID)
		}
		return nil, err
	}

	event.Summary = payload.Summary
	event.Description = payload.Description
	event.Location = payload.Location
	event.Start = payload.Start
	event.End = payload.End
	event.Recurrence = payload.Recurrence
	event.LocallyModified = true
	event.SyncError = ""
	event.UpdatedAt = e.now()

	if err := e.store.UpsertEventContext(ctx, event); err != nil {
		return nil, err
	}
	if err := e.enqueue(ctx, event, schema.OpUpdate, payload); err != nil {
		return nil, err
	}

	return event, nil
}

// DeleteLocalEvent soft-deletes an event locally, writes its tombstone,
// and queues the remote delete.
//
// An event whose queued create never landed exists only locally: its
// queued changes and record are purged outright, with no tombstone and
// nothing sent remotely.
func (e *Engine) DeleteLocalEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	event, err := e.store.GetEvent(ctx, accountID, calendarID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s not found", eventID)
		}
		return err
	}

	changes, err := e.store.ListChangesForEvent(ctx, accountID, calendarID, eventID)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if change.Op == schema.OpCreate {
			if err := e.store.DeleteChangesForEvent(ctx, accountID, calendarID, eventID); err != nil {
				return err
			}
			return e.store.DeleteEvent(ctx, accountID, calendarID, eventID)
		}
	}

	now := e.now()
	event.Deleted = true
	event.UpdatedAt = now
	if err := e.store.UpsertEventContext(ctx, event); err != nil {
		return err
	}

	if err := e.store.PutTombstoneContext(ctx, &schema.Tombstone{
		EventID:    eventID,
		AccountID:  accountID,
		CalendarID: calendarID,
		DeletedAt:  now,
	}); err != nil {
		return err
	}

	return e.enqueue(ctx, event, schema.OpDelete, nil)
}

func (e *Engine) enqueue(ctx context.Context, event *schema.Event, op schema.ChangeOp, payload *schema.EventPayload) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = schema.EncodePayload(payload)
		if err != nil {
			return err
		}
	}

	now := e.now()
	return e.store.EnqueueChangeContext(ctx, &schema.PendingChange{
		ID:            uuid.NewString(),
		AccountID:     event.AccountID,
		CalendarID:    event.CalendarID,
		EventID:       event.ID,
		Op:            op,
		Payload:       data,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}
