package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/remote"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events whose local edit collided with a remote change",
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		events, err := e.engine.Conflicts(ctx)
		if err != nil {
			fatal("listing conflicts: %v", err)
		}
		if len(events) == 0 {
			fmt.Println("No conflicts.")
			return
		}
		for _, ev := range events {
			fmt.Printf("%s/%s/%s\n", ev.AccountID, ev.CalendarID, ev.ID)
			fmt.Printf("  local:  %q at %s\n", ev.Summary, ev.Start.Time.Format("2006-01-02 15:04"))
			if len(ev.RemoteShadow) > 0 {
				var shadow remote.RemoteEvent
				if err := json.Unmarshal(ev.RemoteShadow, &shadow); err == nil {
					if shadow.Cancelled {
						fmt.Println("  remote: deleted")
					} else {
						fmt.Printf("  remote: %q at %s\n", shadow.Summary, shadow.Start.Time.Format("2006-01-02 15:04"))
					}
				}
			}
		}
		fmt.Println()
		fmt.Println("Resolve with: calmirror conflicts resolve <account-id> <calendar-id> <event-id> --keep local|remote")
	},
}

var keepSide string

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <account-id> <calendar-id> <event-id>",
	Short: "Resolve a conflict by keeping one side",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		var resolution engine.Resolution
		switch keepSide {
		case "local":
			resolution = engine.KeepLocal
		case "remote":
			resolution = engine.KeepRemote
		default:
			fatal("--keep must be 'local' or 'remote', got %q", keepSide)
		}

		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		if err := e.engine.ResolveConflict(ctx, args[0], args[1], args[2], resolution); err != nil {
			fatal("resolving conflict: %v", err)
		}
		fmt.Printf("Resolved %s keeping the %s version.\n", args[2], keepSide)
		if keepSide == "local" {
			fmt.Println("The local edit is queued; run 'calmirror sync' to push it.")
		}
	},
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&keepSide, "keep", "", "which side to keep: local or remote (required)")
	_ = conflictsResolveCmd.MarkFlagRequired("keep")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}
