package engine

import (
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// CalendarError is a per-calendar failure isolated inside a sync run.
type CalendarError struct {
	AccountID  string
	CalendarID string
	Err        error
}

// TerminalFailure is a pending change that was removed without landing
// remotely: either the remote rejected it permanently or the retry ceiling
// was reached. The affected event stays flagged for user attention.
type TerminalFailure struct {
	ChangeID   string
	AccountID  string
	CalendarID string
	EventID    string
	Op         schema.ChangeOp
	Err        error
}

// FlushReport summarizes one drain of the pending-change queue.
type FlushReport struct {
	// Flushed counts changes successfully applied remotely.
	Flushed int
	// Retried counts changes that failed transiently and stay queued.
	Retried int
	// Skipped counts changes left queued without an attempt: conflicted
	// targets, backoff not yet elapsed, or causally blocked behind one of
	// those for the same event.
	Skipped int
	// Failures lists changes that became terminal this cycle.
	Failures []TerminalFailure
}

// SyncReport aggregates the outcome of one sync run. Per-calendar failures
// are collected here, never raised to the caller.
type SyncReport struct {
	StartedAt  time.Time
	FinishedAt time.Time

	EventsCreated   int
	EventsUpdated   int
	EventsDeleted   int
	ConflictsRaised int

	CalendarErrors []CalendarError

	// Flush is the queue drain that follows the pull phase.
	Flush *FlushReport
}

// OK reports whether the run completed without calendar-level errors or
// terminal flush failures.
func (r *SyncReport) OK() bool {
	if len(r.CalendarErrors) > 0 {
		return false
	}
	return r.Flush == nil || len(r.Flush.Failures) == 0
}
