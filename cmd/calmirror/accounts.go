package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/schema"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage linked calendar accounts",
}

var accountColor string

var accountsAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Link a calendar account via OAuth",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		email := args[0]

		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()

		if e.cfg.GoogleClientID == "" || e.cfg.GoogleClientSecret == "" {
			fatal("google_client_id and google_client_secret must be set in %s (or CALMIRROR_GOOGLE_CLIENT_ID / CALMIRROR_GOOGLE_CLIENT_SECRET)", configPath)
		}

		fmt.Println("Visit the following URL and authorize access:")
		fmt.Println()
		fmt.Printf("  %s\n", e.creds.AuthCodeURL())
		fmt.Println()
		fmt.Print("Paste the authorization code: ")

		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			fatal("reading authorization code: %v", err)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			fatal("no authorization code provided")
		}

		id := uuid.NewString()
		token, err := e.creds.Exchange(ctx, id, code)
		if err != nil {
			fatal("%v", err)
		}

		now := time.Now()
		account := &schema.Account{
			ID:            id,
			Email:         email,
			CredentialRef: id,
			TokenExpiry:   token.Expiry,
			Color:         accountColor,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.store.UpsertAccountContext(ctx, account); err != nil {
			fatal("saving account: %v", err)
		}

		fmt.Printf("Linked %s (id %s)\n", email, id)
		fmt.Println("Run 'calmirror sync' to pull its calendars.")
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked accounts",
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		accounts, err := e.store.ListAccounts(ctx)
		if err != nil {
			fatal("listing accounts: %v", err)
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts linked.")
			return
		}
		for _, a := range accounts {
			calendars, err := e.store.ListCalendars(ctx, a.ID)
			if err != nil {
				fatal("listing calendars: %v", err)
			}
			pending, err := e.store.CountPendingChanges(ctx, a.ID)
			if err != nil {
				fatal("counting pending changes: %v", err)
			}
			fmt.Printf("%s  %s  %d calendar(s), %d queued change(s)\n", a.ID, a.Email, len(calendars), pending)
		}
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Unlink an account and delete its local replica",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		account, err := e.store.GetAccount(ctx, args[0])
		if err != nil {
			fatal("unknown account %s", args[0])
		}

		// Cascades to calendars, events, pending changes and tombstones.
		if err := e.store.DeleteAccount(ctx, account.ID); err != nil {
			fatal("removing account: %v", err)
		}
		if err := e.creds.Remove(account.CredentialRef); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		fmt.Printf("Removed %s\n", account.Email)
	},
}

func init() {
	accountsAddCmd.Flags().StringVar(&accountColor, "color", "", "display color hint for this account's events")
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}
