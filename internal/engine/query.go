package engine

import (
	"context"
	"sort"

	"github.com/calmirror/calmirror/internal/recur"
	"github.com/calmirror/calmirror/internal/schema"
)

// EventsInWindow is the query surface for display: stored events in the
// window plus concrete instances expanded from recurring masters, ordered
// by start time.
//
// Detached occurrences override their synthesized counterparts; ones whose
// date the rule no longer produces are still included directly.
func (e *Engine) EventsInWindow(ctx context.Context, window recur.Window) ([]*schema.Event, error) {
	stored, err := e.store.ListEventsInWindow(ctx, window.Start, window.End)
	if err != nil {
		return nil, err
	}

	var masters, plain []*schema.Event
	exceptions := make(map[string]map[string]*schema.Event)
	for _, event := range stored {
		switch {
		case event.IsRecurring():
			masters = append(masters, event)
		case event.IsInstance():
			if exceptions[event.MasterID] == nil {
				exceptions[event.MasterID] = make(map[string]*schema.Event)
			}
			exceptions[event.MasterID][event.InstanceDate] = event
		default:
			plain = append(plain, event)
		}
	}

	out := make([]*schema.Event, 0, len(stored))
	out = append(out, plain...)

	emitted := make(map[string]bool)
	for _, master := range masters {
		for _, instance := range recur.Expand(master, window, exceptions[master.ID], e.logger) {
			out = append(out, instance)
			emitted[instance.ID] = true
		}
	}

	// Detached occurrences the expansion didn't emit (moved off their
	// original date, or the master is out of reach) still belong in the
	// window listing.
	for _, byDate := range exceptions {
		for _, instance := range byDate {
			if !emitted[instance.ID] && window.Contains(instance.Start.Time) {
				out = append(out, instance)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Time.Equal(out[j].Start.Time) {
			return out[i].Start.Time.Before(out[j].Start.Time)
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

// Conflicts lists all events awaiting user conflict resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]*schema.Event, error) {
	return e.store.ListConflictedEvents(ctx)
}
