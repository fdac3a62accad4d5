package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// UpsertAccount inserts or updates an account.
func (s *Store) UpsertAccount(account *schema.Account) error {
	return s.UpsertAccountContext(context.Background(), account)
}

// UpsertAccountContext inserts or updates an account with context support.
func (s *Store) UpsertAccountContext(ctx context.Context, account *schema.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	query := `
	INSERT INTO accounts (id, email, credential_ref, token_expiry, color, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = excluded.email,
		credential_ref = excluded.credential_ref,
		token_expiry = excluded.token_expiry,
		color = excluded.color,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.CredentialRef,
		timeToNullString(account.TokenExpiry),
		account.Color,
		account.CreatedAt.UTC().Format(time.RFC3339Nano),
		account.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.ID, err)
	}

	return nil
}

// GetAccount retrieves a single account by id.
// Returns sql.ErrNoRows if the account is not found.
func (s *Store) GetAccount(ctx context.Context, id string) (*schema.Account, error) {
	query := `
	SELECT id, email, credential_ref, token_expiry, color, created_at, updated_at
	FROM accounts
	WHERE id = ?
	`

	return scanAccount(s.conn.QueryRowContext(ctx, query, id))
}

// ListAccounts retrieves all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]*schema.Account, error) {
	query := `
	SELECT id, email, credential_ref, token_expiry, color, created_at, updated_at
	FROM accounts
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*schema.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// DeleteAccount removes an account and everything it owns: calendars,
// events, pending changes, and tombstones all cascade.
// Returns nil if the account doesn't exist (idempotent).
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*schema.Account, error) {
	var account schema.Account
	var tokenExpiry sql.NullString
	var color sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.CredentialRef,
		&tokenExpiry,
		&color,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.TokenExpiry = nullStringToTime(tokenExpiry)
	account.Color = color.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		account.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		account.UpdatedAt = t
	}

	return &account, nil
}
