package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "Manage which calendars sync",
}

var calendarsListCmd = &cobra.Command{
	Use:   "list <account-id>",
	Short: "List an account's calendars",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		calendars, err := e.store.ListCalendars(ctx, args[0])
		if err != nil {
			fatal("listing calendars: %v", err)
		}
		if len(calendars) == 0 {
			fmt.Println("No calendars known yet; run 'calmirror sync' first.")
			return
		}
		for _, c := range calendars {
			state := "enabled"
			if !c.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-9s %s  %s\n", state, c.ID, c.Summary)
		}
	},
}

var calendarsEnableCmd = &cobra.Command{
	Use:   "enable <account-id> <calendar-id>",
	Short: "Include a calendar in sync",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setCalendarEnabled(args[0], args[1], true)
	},
}

var calendarsDisableCmd = &cobra.Command{
	Use:   "disable <account-id> <calendar-id>",
	Short: "Exclude a calendar from sync, keeping its local copy",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setCalendarEnabled(args[0], args[1], false)
	},
}

func setCalendarEnabled(accountID, calendarID string, enabled bool) {
	e, closeEnv, err := openEnv(nil)
	if err != nil {
		fatal("%v", err)
	}
	defer closeEnv()

	ctx := context.Background()
	if _, err := e.store.GetCalendar(ctx, accountID, calendarID); err != nil {
		fatal("unknown calendar %s/%s", accountID, calendarID)
	}
	if err := e.store.SetCalendarEnabled(ctx, accountID, calendarID, enabled); err != nil {
		fatal("updating calendar: %v", err)
	}
	if enabled {
		fmt.Printf("Calendar %s will sync.\n", calendarID)
	} else {
		fmt.Printf("Calendar %s will no longer sync.\n", calendarID)
	}
}

func init() {
	calendarsCmd.AddCommand(calendarsListCmd)
	calendarsCmd.AddCommand(calendarsEnableCmd)
	calendarsCmd.AddCommand(calendarsDisableCmd)
}
