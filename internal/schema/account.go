// Package schema defines the record families persisted by the local store:
// accounts, calendars, events, pending changes, and tombstones.
package schema

import (
	"fmt"
	"time"
)

// Account is one authorized identity against the remote calendar service.
//
// The ID is issued by the remote service and never changes. Credential
// material itself is owned by the credential provider; the account only
// carries the opaque CredentialRef handle used to look it up.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	CredentialRef string    `json:"credential_ref"`
	TokenExpiry   time.Time `json:"token_expiry"`
	Color         string    `json:"color,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks that required account fields are present.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if a.CredentialRef == "" {
		return fmt.Errorf("credential_ref is required")
	}
	return nil
}

// Calendar is a named collection of events under one account.
//
// SyncCursor is the opaque remote-issued token marking the last delta that
// was fully applied; it is advanced only after an entire pull-and-merge pass
// for this calendar commits without error. Enabled gates whether the sync
// engine pulls the calendar at all.
type Calendar struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Summary    string    `json:"summary"`
	SyncCursor string    `json:"sync_cursor,omitempty"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks that required calendar fields are present.
func (c *Calendar) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("calendar id is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	return nil
}
