package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/retry"
	"github.com/calmirror/calmirror/internal/schema"
	"github.com/calmirror/calmirror/internal/store"
)

// Queue drains pending local mutations against the remote gateway,
// applying the retry policy and folding results back into the store.
//
// Changes are flushed oldest-first within each (account, calendar) pair to
// preserve causal order of edits to the same event; independent calendar
// pairs flush concurrently. A single failure never aborts the batch.
type Queue struct {
	store   *store.Store
	gateway remote.Gateway
	policy  retry.Policy
	logger  *log.Logger
	now     func() time.Time
}

// NewQueue creates a queue processor. If logger is nil, a default logger
// writing to stderr is used; if now is nil, time.Now is used.
func NewQueue(st *store.Store, gateway remote.Gateway, policy retry.Policy, logger *log.Logger, now func() time.Time) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: st, gateway: gateway, policy: policy, logger: logger, now: now}
}

// Flush drains the pending changes of the given accounts.
func (q *Queue) Flush(ctx context.Context, accountIDs []string) (*FlushReport, error) {
	report := &FlushReport{}

	var (
		wg       sync.WaitGroup
		reportMu sync.Mutex
	)

	for _, accountID := range accountIDs {
		changes, err := q.store.ListPendingChanges(ctx, accountID)
		if err != nil {
			return report, fmt.Errorf("failed to list pending changes for %s: %w", accountID, err)
		}

		// Group per calendar, preserving creation order within each group.
		groups := make(map[string][]*schema.PendingChange)
		var order []string
		for _, change := range changes {
			if _, seen := groups[change.CalendarID]; !seen {
				order = append(order, change.CalendarID)
			}
			groups[change.CalendarID] = append(groups[change.CalendarID], change)
		}

		for _, calendarID := range order {
			group := groups[calendarID]
			wg.Add(1)
			go func(group []*schema.PendingChange) {
				defer wg.Done()
				sub := q.flushGroup(ctx, group)
				reportMu.Lock()
				report.Flushed += sub.Flushed
				report.Retried += sub.Retried
				report.Skipped += sub.Skipped
				report.Failures = append(report.Failures, sub.Failures...)
				reportMu.Unlock()
			}(group)
		}
	}

	wg.Wait()
	return report, nil
}

// flushGroup processes one calendar's changes sequentially. Once a change
// for an event is skipped or left queued, later changes to the same event
// are skipped too, so writes never run ahead of each other.
func (q *Queue) flushGroup(ctx context.Context, group []*schema.PendingChange) *FlushReport {
	report := &FlushReport{}
	blocked := make(map[string]bool)

	// Ids assigned by the server during this pass. Changes listed before
	// the rename still carry the provisional id and are repointed here;
	// their database rows were already retargeted.
	renames := make(map[string]string)

	for _, change := range group {
		if ctx.Err() != nil {
			report.Skipped++
			continue
		}

		if newID, ok := renames[change.EventID]; ok {
			change.EventID = newID
		}

		if blocked[change.EventID] {
			report.Skipped++
			continue
		}

		if change.NextAttemptAt.After(q.now()) {
			// Backoff window not elapsed; leave queued for a later cycle.
			report.Skipped++
			blocked[change.EventID] = true
			continue
		}

		event, err := q.store.GetEvent(ctx, change.AccountID, change.CalendarID, change.EventID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			q.logger.Printf("WARNING: failed to load event for change %s: %v", change.ID, err)
			report.Skipped++
			blocked[change.EventID] = true
			continue
		}

		if event != nil && event.HasConflict {
			// Automatic re-application is suspended until the user
			// resolves the conflict.
			report.Skipped++
			blocked[change.EventID] = true
			continue
		}

		if err := q.apply(ctx, change, event, renames); err != nil {
			q.fail(ctx, change, event, err, report)
			blocked[change.EventID] = true
			continue
		}

		report.Flushed++
	}

	return report
}

// apply executes one change against the gateway and folds the result back
// into the store so the local record matches the new remote truth.
func (q *Queue) apply(ctx context.Context, change *schema.PendingChange, event *schema.Event, renames map[string]string) error {
	switch change.Op {
	case schema.OpCreate, schema.OpUpdate:
		payload, err := change.DecodePayload()
		if err != nil {
			return err
		}

		var applied *remote.RemoteEvent
		if change.Op == schema.OpCreate {
			applied, err = q.gateway.CreateEvent(ctx, change.AccountID, change.CalendarID, payload)
		} else {
			applied, err = q.gateway.UpdateEvent(ctx, change.AccountID, change.CalendarID, change.EventID, payload)
		}
		if err != nil {
			return err
		}
		return q.adopt(ctx, change, event, applied, renames)

	case schema.OpDelete:
		err := q.gateway.DeleteEvent(ctx, change.AccountID, change.CalendarID, change.EventID)
		if err != nil {
			// The remote reporting the event already gone confirms the
			// delete just as well as performing it.
			var apiErr *remote.APIError
			if !errors.As(err, &apiErr) || (apiErr.StatusCode != 404 && apiErr.StatusCode != 410) {
				return err
			}
		}
		return q.confirmDelete(ctx, change)

	default:
		return fmt.Errorf("unknown op %q for change %s", change.Op, change.ID)
	}
}

// adopt removes the flushed change and updates the local event with the
// remote-returned version tag and server-assigned fields, so the next pull
// doesn't see a spurious conflict against the write we just made.
func (q *Queue) adopt(ctx context.Context, change *schema.PendingChange, event *schema.Event, applied *remote.RemoteEvent, renames map[string]string) error {
	if err := q.store.DeleteChange(ctx, change.ID); err != nil {
		return err
	}

	localID := change.EventID
	if change.Op == schema.OpCreate && applied.ID != localID {
		// The server assigned the permanent id; repoint the record and
		// any remaining queued changes at it.
		if err := q.store.RenameEvent(ctx, change.AccountID, change.CalendarID, localID, applied.ID); err != nil {
			return err
		}
		if err := q.store.RetargetChanges(ctx, change.AccountID, change.CalendarID, localID, applied.ID); err != nil {
			return err
		}
		renames[localID] = applied.ID
		localID = applied.ID
	}

	current, err := q.store.GetEvent(ctx, change.AccountID, change.CalendarID, localID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	remaining, err := q.store.ListChangesForEvent(ctx, change.AccountID, change.CalendarID, localID)
	if err != nil {
		return err
	}

	updated := eventFromRemote(change.AccountID, change.CalendarID, applied, current, q.now())
	// A later queued edit to the same event keeps the record locally
	// modified, based on the version we just adopted.
	updated.LocallyModified = len(remaining) > 0
	updated.Deleted = current.Deleted
	return q.store.UpsertEventContext(ctx, updated)
}

// confirmDelete finishes a landed (or already-applied) remote delete:
// event record, tombstone, and the change itself are all cleared.
func (q *Queue) confirmDelete(ctx context.Context, change *schema.PendingChange) error {
	if err := q.store.DeleteChange(ctx, change.ID); err != nil {
		return err
	}
	if err := q.store.DeleteEvent(ctx, change.AccountID, change.CalendarID, change.EventID); err != nil {
		return err
	}
	return q.store.DeleteTombstone(ctx, change.AccountID, change.CalendarID, change.EventID)
}

// fail classifies a change's failure and either reschedules it with
// backoff or makes it terminal. Terminal failures remove the change and
// flag the event for user attention; they are always reported, never
// silently dropped.
func (q *Queue) fail(ctx context.Context, change *schema.PendingChange, event *schema.Event, cause error, report *FlushReport) {
	class := retry.Classify(cause)
	retryCount := change.RetryCount + 1

	if class == retry.Retryable && !q.policy.Exhausted(retryCount) {
		next := q.now().Add(q.policy.NextDelay(change.RetryCount))
		if err := q.store.UpdateChangeRetry(ctx, change.ID, retryCount, next); err != nil {
			q.logger.Printf("WARNING: failed to update retry state for change %s: %v", change.ID, err)
		}
		q.logger.Printf("Change %s failed (attempt %d), retrying after %s: %v",
			change.ID, retryCount, next.Format(time.RFC3339), cause)
		report.Retried++
		return
	}

	// Terminal: non-retryable rejection or retry ceiling reached.
	if err := q.store.DeleteChange(ctx, change.ID); err != nil {
		q.logger.Printf("WARNING: failed to remove terminal change %s: %v", change.ID, err)
	}
	if event != nil {
		event.SyncError = cause.Error()
		event.UpdatedAt = q.now()
		if err := q.store.UpsertEventContext(ctx, event); err != nil {
			q.logger.Printf("WARNING: failed to flag event %s: %v", event.ID, err)
		}
	}

	q.logger.Printf("Change %s is terminal after %d attempt(s) (%s): %v",
		change.ID, retryCount, class, cause)
	report.Failures = append(report.Failures, TerminalFailure{
		ChangeID:   change.ID,
		AccountID:  change.AccountID,
		CalendarID: change.CalendarID,
		EventID:    change.EventID,
		Op:         change.Op,
		Err:        cause,
	})
}
