// Package remote defines the narrow interface the sync core uses to talk
// to the remote calendar service, plus the normalized wire types it sees.
//
// Provider-specific response shapes are validated and normalized at this
// boundary; the sync engine and conflict detector only ever handle
// RemoteEvent and CalendarDelta.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/calmirror/calmirror/internal/schema"
)

// ErrCursorInvalid indicates the remote service no longer accepts the sync
// cursor and the calendar must be re-pulled from scratch. This is a
// recoverable per-calendar condition, not a fatal error.
var ErrCursorInvalid = errors.New("remote: sync cursor invalid or expired")

// APIError is a classified remote-call failure carrying the HTTP status
// the retry policy keys off.
type APIError struct {
	StatusCode int
	Op         string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// CalendarDelta describes a calendar the remote service reports as changed
// or newly visible for an account.
type CalendarDelta struct {
	ID      string
	Summary string
	Deleted bool
}

// RemoteEvent is the normalized representation of one event in a
// calendar's change stream.
//
// Version is the remote optimistic-concurrency tag; it changes on every
// remote write. Cancelled marks an event the remote reports as deleted or
// absent.
type RemoteEvent struct {
	ID        string
	Cancelled bool
	Version   string

	Summary     string
	Description string
	Location    string
	Start       schema.EventTime
	End         schema.EventTime
	Recurrence  []string

	// MasterID and InstanceDate are set when this event is a modified
	// occurrence of a recurring master.
	MasterID     string
	InstanceDate string
}

// ChangePage is one page of a calendar's change stream.
//
// NextCursor is only populated on the final page (HasMore false); until
// then the caller advances with NextPageToken.
type ChangePage struct {
	Events        []RemoteEvent
	NextPageToken string
	NextCursor    string
	HasMore       bool
}

// Gateway is authenticated CRUD over the remote calendar API.
//
// Every method may return an *APIError for remote rejections, a transport
// error for network failures, or ErrCursorInvalid when a cursor has
// expired. Implementations are safe for concurrent use across calendar
// workers.
type Gateway interface {
	// ListChangedCalendars returns the calendars visible to the account.
	ListChangedCalendars(ctx context.Context, accountID string) ([]CalendarDelta, error)

	// ListChangedEvents returns one page of events changed since cursor.
	// An empty cursor requests a full listing. pageToken continues a
	// multi-page listing started by a previous call.
	ListChangedEvents(ctx context.Context, accountID, calendarID, cursor, pageToken string) (*ChangePage, error)

	// CreateEvent creates an event and returns its remote representation,
	// including the server-assigned id and version tag.
	CreateEvent(ctx context.Context, accountID, calendarID string, payload *schema.EventPayload) (*RemoteEvent, error)

	// UpdateEvent overwrites an event's writable fields and returns the new
	// remote representation.
	UpdateEvent(ctx context.Context, accountID, calendarID, eventID string, payload *schema.EventPayload) (*RemoteEvent, error)

	// DeleteEvent deletes an event remotely.
	DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error
}
