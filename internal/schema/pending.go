package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeOp is the kind of remote mutation a pending change intends.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// EventPayload is the snapshot of writable event fields carried by a
// pending change. It is what the remote gateway sends on create/update.
type EventPayload struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	Recurrence  []string  `json:"recurrence,omitempty"`
}

// PendingChange is a queued intent to mutate the remote side.
//
// It is created whenever a local mutation occurs while offline, or when an
// online mutation's remote call fails transiently. It is removed on
// successful remote application or when the retry ceiling is reached, at
// which point the target event is flagged with a terminal sync error.
//
// NextAttemptAt schedules the next flush attempt per the retry policy so
// that repeated transient failures back off instead of hammering the
// remote service.
type PendingChange struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	CalendarID string   `json:"calendar_id"`
	EventID    string   `json:"event_id"`
	Op         ChangeOp `json:"op"`

	Payload []byte `json:"payload,omitempty"`

	RetryCount    int       `json:"retry_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks that required pending change fields are present.
func (p *PendingChange) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pending change id is required")
	}
	if p.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if p.CalendarID == "" {
		return fmt.Errorf("calendar_id is required")
	}
	if p.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	switch p.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid op %q", p.Op)
	}
	if p.Op != OpDelete && len(p.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", p.Op)
	}
	return nil
}

// DecodePayload unmarshals the payload snapshot.
func (p *PendingChange) DecodePayload() (*EventPayload, error) {
	var payload EventPayload
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for change %s: %w", p.ID, err)
	}
	return &payload, nil
}

// EncodePayload marshals an event payload snapshot for queueing.
func EncodePayload(payload *EventPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// PayloadFromEvent builds the writable-field snapshot of an event.
func PayloadFromEvent(e *Event) *EventPayload {
	return &EventPayload{
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		Recurrence:  e.Recurrence,
	}
}
