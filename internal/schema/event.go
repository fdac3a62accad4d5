package schema

import (
	"fmt"
	"time"
)

// EventTime is a start or end boundary of an event: either a date-only
// value (AllDay) or a timestamp with an IANA timezone.
type EventTime struct {
	Time     time.Time `json:"time"`
	AllDay   bool      `json:"all_day,omitempty"`
	TimeZone string    `json:"time_zone,omitempty"`
}

// In returns the boundary converted to loc. All-day boundaries are returned
// unchanged since they carry no wall-clock component.
func (et EventTime) In(loc *time.Location) EventTime {
	if et.AllDay || loc == nil {
		return et
	}
	return EventTime{Time: et.Time.In(loc), TimeZone: loc.String()}
}

// Event is a calendar event record, uniquely identified by a remote-issued
// id scoped to (account, calendar).
//
// A recurring event is a master record: concrete occurrences are derived by
// the recurrence expander and never stored, except when an occurrence has
// been individually modified, in which case it becomes its own Event with
// MasterID and InstanceDate set.
//
// RemoteVersion is the remote optimistic-concurrency tag. While
// LocallyModified is true, RemoteVersion holds the version the local edit
// was based on; it is adopted from the remote response only after the
// pending write lands.
type Event struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	CalendarID string `json:"calendar_id"`

	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`

	// Recurrence holds the raw rule lines (RRULE/EXDATE) for master records.
	Recurrence []string `json:"recurrence,omitempty"`

	// MasterID and InstanceDate identify a detached occurrence of a
	// recurring master. InstanceDate is the occurrence date as YYYY-MM-DD.
	MasterID     string `json:"master_id,omitempty"`
	InstanceDate string `json:"instance_date,omitempty"`

	RemoteVersion   string `json:"remote_version,omitempty"`
	LocallyModified bool   `json:"locally_modified,omitempty"`
	HasConflict     bool   `json:"has_conflict,omitempty"`
	Deleted         bool   `json:"deleted,omitempty"`

	// SyncError records a terminal sync failure needing user attention.
	SyncError string `json:"sync_error,omitempty"`

	// RemoteShadow is the latest known remote representation of this event
	// while a conflict is unresolved, kept for side-by-side display.
	RemoteShadow []byte `json:"remote_shadow,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that required event fields are present.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if e.CalendarID == "" {
		return fmt.Errorf("calendar_id is required")
	}
	if e.Start.Time.IsZero() {
		return fmt.Errorf("start is required")
	}
	return nil
}

// IsRecurring reports whether this event is a recurring master record.
func (e *Event) IsRecurring() bool {
	return len(e.Recurrence) > 0
}

// IsInstance reports whether this event is a detached occurrence of a
// recurring master.
func (e *Event) IsInstance() bool {
	return e.MasterID != ""
}
