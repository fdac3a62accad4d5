// Package recur expands recurrence rules into concrete, orderable event
// instances.
//
// Expansion is pure computation: instances are recomputed from the rule
// text and window every time and never persisted. Repeated expansion with
// identical arguments yields identical output, including instance ids.
package recur

import (
	"log"
	"os"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/calmirror/calmirror/internal/schema"
)

// maxOccurrences caps a single expansion to guard against pathological
// rules producing unbounded output.
const maxOccurrences = 5000

// Window is the inclusive date range to expand into.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// instanceDateLayout keys exceptions by occurrence date.
const instanceDateLayout = "2006-01-02"

// Expand produces the concrete instances of a recurring master event
// within the window, oldest first.
//
// exceptions maps occurrence date (YYYY-MM-DD) to the detached Event that
// overrides that occurrence; when present, the override is emitted instead
// of a synthesized instance. Synthesized instances get a deterministic id
// derived from the master id and occurrence time, carry the master's
// fields with start/end shifted onto the occurrence date, and never carry
// a recurrence rule themselves.
//
// A non-recurring master yields itself if it overlaps the window. A
// malformed rule yields an empty sequence and a logged diagnostic so the
// rest of a merge pass proceeds unaffected. If logger is nil, a default
// logger writing to stderr is used.
func Expand(master *schema.Event, window Window, exceptions map[string]*schema.Event, logger *log.Logger) []*schema.Event {
	if logger == nil {
		logger = log.New(os.Stderr, "[recur] ", log.LstdFlags)
	}

	if !master.IsRecurring() {
		if overlaps(master, window) {
			return []*schema.Event{master}
		}
		return nil
	}

	set, err := rrule.StrSliceToRRuleSetInLoc(master.Recurrence, master.Start.Time.Location())
	if err != nil {
		logger.Printf("WARNING: skipping event %s: malformed recurrence rule: %v", master.ID, err)
		return nil
	}
	set.DTStart(master.Start.Time)

	occTimes := set.Between(window.Start, window.End, true)
	if len(occTimes) > maxOccurrences {
		logger.Printf("WARNING: event %s: capping expansion at %d occurrences", master.ID, maxOccurrences)
		occTimes = occTimes[:maxOccurrences]
	}

	duration := master.End.Time.Sub(master.Start.Time)

	instances := make([]*schema.Event, 0, len(occTimes))
	for _, occStart := range occTimes {
		date := occStart.Format(instanceDateLayout)

		if override, ok := exceptions[date]; ok {
			instances = append(instances, override)
			continue
		}

		instances = append(instances, synthesize(master, occStart, duration, date))
	}

	return instances
}

// InstanceID derives the stable id for an occurrence of a master event.
// The (master id, occurrence time) pair is the identity; the string form
// is just its canonical encoding.
func InstanceID(masterID string, occStart time.Time) string {
	return masterID + "_" + occStart.UTC().Format("20060102T150405Z")
}

func synthesize(master *schema.Event, occStart time.Time, duration time.Duration, date string) *schema.Event {
	instance := *master
	instance.ID = InstanceID(master.ID, occStart)
	instance.MasterID = master.ID
	instance.InstanceDate = date
	instance.Recurrence = nil

	instance.Start = schema.EventTime{
		Time:     occStart,
		AllDay:   master.Start.AllDay,
		TimeZone: master.Start.TimeZone,
	}
	if master.Start.AllDay {
		// All-day occurrences span whole days regardless of rule output time.
		day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
		instance.Start.Time = day
		instance.End = schema.EventTime{Time: day.Add(24 * time.Hour), AllDay: true}
	} else {
		instance.End = schema.EventTime{
			Time:     occStart.Add(duration),
			AllDay:   master.End.AllDay,
			TimeZone: master.End.TimeZone,
		}
	}

	return &instance
}

func overlaps(e *schema.Event, w Window) bool {
	end := e.End.Time
	if end.IsZero() {
		end = e.Start.Time
	}
	if end.Before(w.Start) {
		return false
	}
	if e.Start.Time.After(w.End) {
		return false
	}
	return true
}
