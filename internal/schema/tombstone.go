package schema

import (
	"fmt"
	"time"
)

// Tombstone records that an event was locally deleted, until the delete is
// confirmed remotely.
//
// It lets the conflict detector distinguish "remote still has this event
// because our delete hasn't landed yet" from "remote independently
// re-created it". A tombstone is removed once the corresponding remote
// delete is confirmed applied, or once the remote side also reports the
// same id as gone, whichever resolves first.
type Tombstone struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	CalendarID string    `json:"calendar_id"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// Validate checks that required tombstone fields are present.
func (ts *Tombstone) Validate() error {
	if ts.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ts.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if ts.CalendarID == "" {
		return fmt.Errorf("calendar_id is required")
	}
	return nil
}
