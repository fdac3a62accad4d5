package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/retry"
	"github.com/calmirror/calmirror/internal/schema"
)

func testPolicy() retry.Policy {
	return retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, MaxAttempts: 5}
}

func (f *testFixture) queue() *Queue {
	return NewQueue(f.store, f.gateway, testPolicy(), log.New(io.Discard, "", 0), f.clock.Now)
}

// seedChange stores an event and a pending change targeting it.
func seedChange(t *testing.T, f *testFixture, changeID, eventID string, op schema.ChangeOp) {
	t.Helper()

	now := f.clock.Now()
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	event := &schema.Event{
		ID: eventID, AccountID: "acc1", CalendarID: "cal1",
		Summary:         "Pending edit",
		Start:           schema.EventTime{Time: start, TimeZone: "UTC"},
		End:             schema.EventTime{Time: start.Add(time.Hour), TimeZone: "UTC"},
		RemoteVersion:   "v1",
		LocallyModified: true,
		CreatedAt:       now, UpdatedAt: now,
	}
	if op == schema.OpCreate {
		event.RemoteVersion = ""
	}
	if op == schema.OpDelete {
		event.Deleted = true
	}
	if err := f.store.UpsertEvent(event); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}

	var payload []byte
	if op != schema.OpDelete {
		var err error
		payload, err = schema.EncodePayload(schema.PayloadFromEvent(event))
		if err != nil {
			t.Fatalf("EncodePayload() failed: %v", err)
		}
	}

	if err := f.store.EnqueueChange(&schema.PendingChange{
		ID:            changeID,
		AccountID:     "acc1",
		CalendarID:    "cal1",
		EventID:       eventID,
		Op:            op,
		Payload:       payload,
		NextAttemptAt: now,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	// Keep later seeds strictly ordered.
	f.clock.Advance(time.Second)
}

func apiError(status int) error {
	return &remote.APIError{StatusCode: status, Op: "test", Err: fmt.Errorf("status %d", status)}
}

// TestFlush_CreateAdoptsServerID tests that a landed create renames the
// provisional record to the server-assigned id and clears the queue.
func TestFlush_CreateAdoptsServerID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "local-abc", schema.OpCreate)

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Flushed != 1 {
		t.Errorf("Flushed = %d, want 1", report.Flushed)
	}

	if _, err := f.store.GetEvent(ctx, "acc1", "cal1", "local-abc"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("provisional id still resolves: %v", err)
	}
	got, err := f.store.GetEvent(ctx, "acc1", "cal1", "srv-1")
	if err != nil {
		t.Fatalf("GetEvent(server id) failed: %v", err)
	}
	if got.RemoteVersion != "v1" {
		t.Errorf("RemoteVersion = %q, want the server's %q", got.RemoteVersion, "v1")
	}
	if got.LocallyModified {
		t.Error("event still marked locally modified after its only change landed")
	}

	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("queue holds %d changes, want 0", len(changes))
	}
}

// TestFlush_UpdateBehindCreateFollowsRename tests that a queued update
// enqueued before its create landed is applied against the server id.
func TestFlush_UpdateBehindCreateFollowsRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "local-abc", schema.OpCreate)
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	editPayload, err := schema.EncodePayload(&schema.EventPayload{
		Summary: "Edited",
		Start:   schema.EventTime{Time: start, TimeZone: "UTC"},
		End:     schema.EventTime{Time: start.Add(time.Hour), TimeZone: "UTC"},
	})
	if err != nil {
		t.Fatalf("EncodePayload() failed: %v", err)
	}
	if err := f.store.EnqueueChange(&schema.PendingChange{
		ID: "ch2", AccountID: "acc1", CalendarID: "cal1", EventID: "local-abc",
		Op: schema.OpUpdate, Payload: editPayload,
		NextAttemptAt: f.clock.Now(), CreatedAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	var updatedID string
	f.gateway.updateFn = func(eventID string, payload *schema.EventPayload) (*remote.RemoteEvent, error) {
		updatedID = eventID
		return &remote.RemoteEvent{ID: eventID, Version: "v2", Summary: payload.Summary, Start: payload.Start, End: payload.End}, nil
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Flushed != 2 {
		t.Errorf("Flushed = %d, want 2", report.Flushed)
	}
	if updatedID != "srv-1" {
		t.Errorf("update sent for id %q, want the server-assigned %q", updatedID, "srv-1")
	}

	got, err := f.store.GetEvent(ctx, "acc1", "cal1", "srv-1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.RemoteVersion != "v2" || got.LocallyModified {
		t.Errorf("event = version %q modified %v, want v2/false", got.RemoteVersion, got.LocallyModified)
	}
}

// TestFlush_TransientFailuresThenSuccess tests that repeated 503s back off
// and the change eventually lands within the retry ceiling.
func TestFlush_TransientFailuresThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)

	failures := 0
	f.gateway.updateFn = func(eventID string, payload *schema.EventPayload) (*remote.RemoteEvent, error) {
		if failures < 4 {
			failures++
			return nil, apiError(503)
		}
		return &remote.RemoteEvent{ID: eventID, Version: "v-landed", Summary: payload.Summary, Start: payload.Start, End: payload.End}, nil
	}

	q := f.queue()
	for attempt := 0; attempt < 4; attempt++ {
		report, err := q.Flush(ctx, []string{"acc1"})
		if err != nil {
			t.Fatalf("Flush() %d failed: %v", attempt, err)
		}
		if report.Retried != 1 || len(report.Failures) != 0 {
			t.Fatalf("attempt %d: retried=%d failures=%d, want 1/0", attempt, report.Retried, len(report.Failures))
		}
		// Let the backoff window pass.
		f.clock.Advance(time.Minute)
	}

	report, err := q.Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("final Flush() failed: %v", err)
	}
	if report.Flushed != 1 {
		t.Errorf("final Flushed = %d, want 1", report.Flushed)
	}

	got, err := f.store.GetEvent(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.RemoteVersion != "v-landed" || got.LocallyModified || got.SyncError != "" {
		t.Errorf("event = %q/%v/%q, want landed version, unmodified, no error",
			got.RemoteVersion, got.LocallyModified, got.SyncError)
	}

	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("queue holds %d changes, want 0", len(changes))
	}
}

// TestFlush_RetryCeiling tests that a persistently failing change becomes
// terminal after exactly MaxAttempts attempts.
func TestFlush_RetryCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)
	f.gateway.updateFn = func(eventID string, payload *schema.EventPayload) (*remote.RemoteEvent, error) {
		return nil, apiError(503)
	}

	q := f.queue()
	var terminal *FlushReport
	for attempt := 0; attempt < 5; attempt++ {
		report, err := q.Flush(ctx, []string{"acc1"})
		if err != nil {
			t.Fatalf("Flush() %d failed: %v", attempt, err)
		}
		f.clock.Advance(time.Minute)
		if len(report.Failures) > 0 {
			terminal = report
			break
		}
		if report.Retried != 1 {
			t.Fatalf("attempt %d: Retried = %d, want 1", attempt, report.Retried)
		}
	}

	if terminal == nil {
		t.Fatal("change never became terminal within the ceiling")
	}
	if f.gateway.updateCalls != 5 {
		t.Errorf("gateway saw %d attempts, want 5", f.gateway.updateCalls)
	}

	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("terminal change still queued")
	}

	got, err := f.store.GetEvent(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.SyncError == "" {
		t.Error("event not flagged with a terminal sync error")
	}
}

// TestFlush_NonRetryableTerminal tests that a permanent rejection becomes
// terminal on the first attempt with no backoff.
func TestFlush_NonRetryableTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)
	f.gateway.updateFn = func(eventID string, payload *schema.EventPayload) (*remote.RemoteEvent, error) {
		return nil, apiError(403)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Retried != 0 || len(report.Failures) != 1 {
		t.Errorf("retried=%d failures=%d, want 0/1", report.Retried, len(report.Failures))
	}
	if f.gateway.updateCalls != 1 {
		t.Errorf("gateway saw %d attempts, want 1", f.gateway.updateCalls)
	}

	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Error("rejected change still queued")
	}
}

// TestFlush_ConflictedEventSkipped tests that changes targeting a
// conflicted event are suspended, not attempted.
func TestFlush_ConflictedEventSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)
	event, err := f.store.GetEvent(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	event.HasConflict = true
	if err := f.store.UpsertEvent(event); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Skipped != 1 || report.Flushed != 0 {
		t.Errorf("skipped=%d flushed=%d, want 1/0", report.Skipped, report.Flushed)
	}
	if f.gateway.updateCalls != 0 {
		t.Errorf("gateway called %d times for a suspended change", f.gateway.updateCalls)
	}

	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Error("suspended change was dropped")
	}
}

// TestFlush_BackoffNotElapsed tests that a change inside its backoff
// window stays queued without an attempt.
func TestFlush_BackoffNotElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)
	if err := f.store.UpdateChangeRetry(ctx, "ch1", 1, f.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpdateChangeRetry() failed: %v", err)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", report.Skipped)
	}
	if f.gateway.updateCalls != 0 {
		t.Errorf("gateway called %d times inside the backoff window", f.gateway.updateCalls)
	}
}

// TestFlush_CausalOrderBlocks tests that once a change for an event fails,
// later changes for the same event are skipped in the same pass.
func TestFlush_CausalOrderBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpUpdate)
	if err := f.store.EnqueueChange(&schema.PendingChange{
		ID: "ch2", AccountID: "acc1", CalendarID: "cal1", EventID: "ev1",
		Op: schema.OpUpdate, Payload: []byte(`{"summary":"Second edit"}`),
		NextAttemptAt: f.clock.Now(), CreatedAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	f.gateway.updateFn = func(eventID string, payload *schema.EventPayload) (*remote.RemoteEvent, error) {
		return nil, apiError(503)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Retried != 1 || report.Skipped != 1 {
		t.Errorf("retried=%d skipped=%d, want 1/1", report.Retried, report.Skipped)
	}
	if f.gateway.updateCalls != 1 {
		t.Errorf("gateway saw %d attempts, want only the first change", f.gateway.updateCalls)
	}
}

// TestFlush_DeleteConfirmedWhenAlreadyGone tests that a remote 404/410 on
// delete counts as confirmation and purges all local traces.
func TestFlush_DeleteConfirmedWhenAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpDelete)
	if err := f.store.PutTombstone(&schema.Tombstone{
		EventID: "ev1", AccountID: "acc1", CalendarID: "cal1", DeletedAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("PutTombstone() failed: %v", err)
	}

	f.gateway.deleteFn = func(eventID string) error {
		return apiError(404)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Flushed != 1 || len(report.Failures) != 0 {
		t.Errorf("flushed=%d failures=%d, want 1/0", report.Flushed, len(report.Failures))
	}

	if _, err := f.store.GetEvent(ctx, "acc1", "cal1", "ev1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("event survived confirmed delete: %v", err)
	}
	ts, err := f.store.GetTombstone(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetTombstone() failed: %v", err)
	}
	if ts != nil {
		t.Error("tombstone survived confirmed delete")
	}
	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Error("confirmed delete still queued")
	}
}

// TestFlush_DeleteConfirmedOnGoneStatus tests that 410 from the gateway
// confirms a queued delete the same way 404 does, in a single attempt.
func TestFlush_DeleteConfirmedOnGoneStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedChange(t, f, "ch1", "ev1", schema.OpDelete)
	f.gateway.deleteFn = func(eventID string) error {
		return apiError(410)
	}

	report, err := f.queue().Flush(ctx, []string{"acc1"})
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if report.Flushed != 1 || report.Retried != 0 || len(report.Failures) != 0 {
		t.Errorf("flushed=%d retried=%d failures=%d, want 1/0/0",
			report.Flushed, report.Retried, len(report.Failures))
	}
	if f.gateway.deleteCalls != 1 {
		t.Errorf("gateway saw %d delete attempts, want 1", f.gateway.deleteCalls)
	}
	changes, err := f.store.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Error("confirmed delete still queued")
	}
}
