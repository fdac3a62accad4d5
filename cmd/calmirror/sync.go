package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [account-id...]",
	Short: "Run one sync pass now",
	Long: `Pull remote changes into the local replica and flush queued local
edits back out. With no arguments all accounts are synced.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()

		ids := args
		if len(ids) == 0 {
			accounts, err := e.store.ListAccounts(ctx)
			if err != nil {
				fatal("listing accounts: %v", err)
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts configured. Add one with: calmirror accounts add")
				return
			}
			for _, a := range accounts {
				ids = append(ids, a.ID)
			}
		}

		report, err := e.engine.Sync(ctx, ids)
		if err != nil {
			fatal("sync: %v", err)
		}

		fmt.Printf("Synced %d account(s) in %s\n", len(ids), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
		fmt.Printf("  Events:    %d created, %d updated, %d deleted\n",
			report.EventsCreated, report.EventsUpdated, report.EventsDeleted)
		fmt.Printf("  Conflicts: %d raised\n", report.ConflictsRaised)
		if report.Flush != nil {
			fmt.Printf("  Queue:     %d flushed, %d retried, %d skipped, %d failed\n",
				report.Flush.Flushed, report.Flush.Retried, report.Flush.Skipped, len(report.Flush.Failures))
		}

		for _, ce := range report.CalendarErrors {
			fmt.Printf("  Warning: calendar %s/%s: %v\n", ce.AccountID, ce.CalendarID, ce.Err)
		}
		if report.Flush != nil {
			for _, f := range report.Flush.Failures {
				fmt.Printf("  Failed: %s %s on event %s: %v\n", f.Op, f.ChangeID, f.EventID, f.Err)
			}
		}
		if !report.OK() {
			fmt.Println("Sync finished with errors; local edits that failed are marked on the events.")
		}
	},
}
