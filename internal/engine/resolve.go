package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/schema"
)

// Resolution is the user's chosen outcome for a conflicted event.
type Resolution int

const (
	// KeepLocal keeps the local edit and re-arms its suspended pending
	// change, rebasing it on the latest known remote version.
	KeepLocal Resolution = iota
	// KeepRemote discards the local edit and adopts the latest known
	// remote state.
	KeepRemote
)

// ResolveConflict applies the user's resolution to a conflicted event and
// re-arms or discards its suspended pending changes accordingly.
func (e *Engine) ResolveConflict(ctx context.Context, accountID, calendarID, eventID string, resolution Resolution) error {
	event, err := e.store.GetEvent(ctx, accountID, calendarID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s not found", eventID)
		}
		return err
	}
	if !event.HasConflict {
		return fmt.Errorf("event %s has no unresolved conflict", eventID)
	}

	var shadow *remote.RemoteEvent
	if len(event.RemoteShadow) > 0 {
		shadow = &remote.RemoteEvent{}
		if err := json.Unmarshal(event.RemoteShadow, shadow); err != nil {
			return fmt.Errorf("failed to decode remote shadow for %s: %w", eventID, err)
		}
	}

	switch resolution {
	case KeepLocal:
		return e.resolveKeepLocal(ctx, event, shadow)
	case KeepRemote:
		return e.resolveKeepRemote(ctx, event, shadow)
	default:
		return fmt.Errorf("unknown resolution %d", resolution)
	}
}

// resolveKeepLocal clears the conflict flag and rebases the local edit on
// the shadow's version so the re-armed pending write supersedes the remote
// state it conflicted with.
func (e *Engine) resolveKeepLocal(ctx context.Context, event *schema.Event, shadow *remote.RemoteEvent) error {
	event.HasConflict = false
	event.RemoteShadow = nil
	event.UpdatedAt = e.now()

	if shadow != nil && shadow.Cancelled {
		// The remote side deleted the event; keeping the local edit means
		// re-creating it. Replace whatever was queued with a fresh create.
		if err := e.store.DeleteChangesForEvent(ctx, event.AccountID, event.CalendarID, event.ID); err != nil {
			return err
		}
		event.RemoteVersion = ""
		if err := e.store.UpsertEventContext(ctx, event); err != nil {
			return err
		}
		return e.enqueue(ctx, event, schema.OpCreate, schema.PayloadFromEvent(event))
	}

	if shadow != nil {
		event.RemoteVersion = shadow.Version
	}
	return e.store.UpsertEventContext(ctx, event)
}

// resolveKeepRemote discards the local edit and its queued writes, then
// adopts the shadow as the new local truth.
func (e *Engine) resolveKeepRemote(ctx context.Context, event *schema.Event, shadow *remote.RemoteEvent) error {
	if err := e.store.DeleteChangesForEvent(ctx, event.AccountID, event.CalendarID, event.ID); err != nil {
		return err
	}

	if shadow == nil || shadow.Cancelled {
		// Remote side is gone; the local record and any tombstone go too.
		if err := e.store.DeleteEvent(ctx, event.AccountID, event.CalendarID, event.ID); err != nil {
			return err
		}
		return e.store.DeleteTombstone(ctx, event.AccountID, event.CalendarID, event.ID)
	}

	// For a delete-vs-edit conflict the local record is soft-deleted and
	// tombstoned; adopting the shadow revives it, so the tombstone goes.
	if err := e.store.DeleteTombstone(ctx, event.AccountID, event.CalendarID, event.ID); err != nil {
		return err
	}

	adopted := eventFromRemote(event.AccountID, event.CalendarID, shadow, event, e.now())
	return e.store.UpsertEventContext(ctx, adopted)
}
