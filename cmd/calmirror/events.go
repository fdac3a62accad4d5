package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/calmirror/calmirror/internal/recur"
	"github.com/calmirror/calmirror/internal/schema"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse and edit the local replica",
}

var (
	eventsFrom string
	eventsTo   string
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events in a time window, recurring series expanded",
	Run: func(cmd *cobra.Command, args []string) {
		window, err := parseWindow(eventsFrom, eventsTo)
		if err != nil {
			fatal("%v", err)
		}

		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		events, err := e.engine.EventsInWindow(ctx, window)
		if err != nil {
			fatal("listing events: %v", err)
		}
		if len(events) == 0 {
			fmt.Println("No events in window.")
			return
		}

		for _, ev := range events {
			when := ev.Start.Time.Format("2006-01-02 15:04")
			if ev.Start.AllDay {
				when = ev.Start.Time.Format("2006-01-02") + " (all day)"
			}
			marks := ""
			if ev.HasConflict {
				marks += " [conflict]"
			}
			if ev.LocallyModified {
				marks += " [unsynced]"
			}
			if ev.SyncError != "" {
				marks += " [sync failed]"
			}
			fmt.Printf("%s  %-40s %s%s\n", when, ev.Summary, ev.ID, marks)
		}
	},
}

var (
	eventSummary  string
	eventLocation string
	eventStart    string
	eventEnd      string
	eventAllDay   bool
)

var eventsAddCmd = &cobra.Command{
	Use:   "add <account-id> <calendar-id>",
	Short: "Create an event locally and queue it for upload",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		start, err := parseWhen(eventStart, eventAllDay)
		if err != nil {
			fatal("--start: %v", err)
		}
		end, err := parseWhen(eventEnd, eventAllDay)
		if err != nil {
			fatal("--end: %v", err)
		}

		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		event, err := e.engine.CreateLocalEvent(ctx, args[0], args[1], &schema.EventPayload{
			Summary:  eventSummary,
			Location: eventLocation,
			Start:    start,
			End:      end,
		})
		if err != nil {
			fatal("creating event: %v", err)
		}
		fmt.Printf("Created %s (queued for upload; run 'calmirror sync' to push)\n", event.ID)
	},
}

var eventsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id> <calendar-id> <event-id>",
	Short: "Delete an event locally and queue the deletion",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		e, closeEnv, err := openEnv(nil)
		if err != nil {
			fatal("%v", err)
		}
		defer closeEnv()

		ctx := context.Background()
		if err := e.engine.DeleteLocalEvent(ctx, args[0], args[1], args[2]); err != nil {
			fatal("deleting event: %v", err)
		}
		fmt.Println("Deleted locally; the remote copy goes on the next sync.")
	},
}

// parseWindow turns --from/--to into a window, defaulting to the coming
// week starting at local midnight today.
func parseWindow(from, to string) (recur.Window, error) {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 0, 7)

	var err error
	if from != "" {
		start, err = time.ParseInLocation("2006-01-02", from, time.Local)
		if err != nil {
			return recur.Window{}, fmt.Errorf("--from: expected YYYY-MM-DD, got %q", from)
		}
		end = start.AddDate(0, 0, 7)
	}
	if to != "" {
		end, err = time.ParseInLocation("2006-01-02", to, time.Local)
		if err != nil {
			return recur.Window{}, fmt.Errorf("--to: expected YYYY-MM-DD, got %q", to)
		}
		// Include the whole end day.
		end = end.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		return recur.Window{}, fmt.Errorf("window end must be after start")
	}
	return recur.Window{Start: start, End: end}, nil
}

// parseWhen accepts YYYY-MM-DD for all-day events and
// "YYYY-MM-DD HH:MM" otherwise, both in local time.
func parseWhen(value string, allDay bool) (schema.EventTime, error) {
	if value == "" {
		return schema.EventTime{}, fmt.Errorf("required")
	}
	layout := "2006-01-02 15:04"
	if allDay {
		layout = "2006-01-02"
	}
	t, err := time.ParseInLocation(layout, value, time.Local)
	if err != nil {
		return schema.EventTime{}, fmt.Errorf("expected %q, got %q", layout, value)
	}
	return schema.EventTime{Time: t, AllDay: allDay, TimeZone: time.Local.String()}, nil
}

func init() {
	eventsListCmd.Flags().StringVar(&eventsFrom, "from", "", "window start (YYYY-MM-DD, default today)")
	eventsListCmd.Flags().StringVar(&eventsTo, "to", "", "window end inclusive (YYYY-MM-DD, default start+7d)")

	eventsAddCmd.Flags().StringVar(&eventSummary, "summary", "", "event title (required)")
	eventsAddCmd.Flags().StringVar(&eventLocation, "location", "", "event location")
	eventsAddCmd.Flags().StringVar(&eventStart, "start", "", "start time (required)")
	eventsAddCmd.Flags().StringVar(&eventEnd, "end", "", "end time (required)")
	eventsAddCmd.Flags().BoolVar(&eventAllDay, "all-day", false, "all-day event; times are dates")
	_ = eventsAddCmd.MarkFlagRequired("summary")
	_ = eventsAddCmd.MarkFlagRequired("start")
	_ = eventsAddCmd.MarkFlagRequired("end")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsAddCmd)
	eventsCmd.AddCommand(eventsRemoveCmd)
}
