package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/schema"
)

// testStore opens a fresh store in a temp directory with the schema
// initialized.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func testAccount(id string) *schema.Account {
	now := time.Now().UTC()
	return &schema.Account{
		ID:            id,
		Email:         id + "@example.com",
		CredentialRef: "ref-" + id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testCalendar(accountID, id string) *schema.Calendar {
	return &schema.Calendar{
		ID:        id,
		AccountID: accountID,
		Summary:   "Calendar " + id,
		Enabled:   true,
		UpdatedAt: time.Now().UTC(),
	}
}

func testEvent(accountID, calendarID, id string) *schema.Event {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &schema.Event{
		ID:            id,
		AccountID:     accountID,
		CalendarID:    calendarID,
		Summary:       "Event " + id,
		Start:         schema.EventTime{Time: start, TimeZone: "UTC"},
		End:           schema.EventTime{Time: start.Add(time.Hour), TimeZone: "UTC"},
		RemoteVersion: "v1",
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

// TestInitSchema_Idempotent tests that schema creation can run twice.
func TestInitSchema_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestUpsertAccount_RoundTrip tests account storage and retrieval.
func TestUpsertAccount_RoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	account := testAccount("acc1")
	if err := st.UpsertAccount(account); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}

	got, err := st.GetAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("GetAccount() failed: %v", err)
	}
	if got.Email != "acc1@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "acc1@example.com")
	}
	if got.CredentialRef != "ref-acc1" {
		t.Errorf("CredentialRef = %q, want %q", got.CredentialRef, "ref-acc1")
	}

	// Upserting again replaces fields in place.
	account.Email = "renamed@example.com"
	if err := st.UpsertAccount(account); err != nil {
		t.Fatalf("second UpsertAccount() failed: %v", err)
	}
	got, err = st.GetAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("GetAccount() after upsert failed: %v", err)
	}
	if got.Email != "renamed@example.com" {
		t.Errorf("Email after upsert = %q, want %q", got.Email, "renamed@example.com")
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts() failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("ListAccounts() returned %d accounts, want 1", len(accounts))
	}
}

// TestDeleteAccount_Cascades tests that removing an account removes its
// calendars, events, pending changes, and tombstones.
func TestDeleteAccount_Cascades(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	if err := st.UpsertCalendar(testCalendar("acc1", "cal1")); err != nil {
		t.Fatalf("UpsertCalendar() failed: %v", err)
	}
	if err := st.UpsertEvent(testEvent("acc1", "cal1", "ev1")); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}
	change := &schema.PendingChange{
		ID:         "ch1",
		AccountID:  "acc1",
		CalendarID: "cal1",
		EventID:    "ev1",
		Op:         schema.OpUpdate,
		Payload:    []byte(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.EnqueueChange(change); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if err := st.PutTombstone(&schema.Tombstone{
		EventID: "ev1", AccountID: "acc1", CalendarID: "cal1", DeletedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutTombstone() failed: %v", err)
	}

	if err := st.DeleteAccount(ctx, "acc1"); err != nil {
		t.Fatalf("DeleteAccount() failed: %v", err)
	}

	if _, err := st.GetCalendar(ctx, "acc1", "cal1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCalendar() after cascade = %v, want sql.ErrNoRows", err)
	}
	if _, err := st.GetEvent(ctx, "acc1", "cal1", "ev1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetEvent() after cascade = %v, want sql.ErrNoRows", err)
	}
	changes, err := st.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("pending changes survived cascade: %d", len(changes))
	}
	ts, err := st.GetTombstone(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetTombstone() failed: %v", err)
	}
	if ts != nil {
		t.Error("tombstone survived cascade")
	}
}

// TestUpsertCalendar_PreservesCursor tests that re-upserting calendar
// metadata does not clobber the stored sync cursor.
func TestUpsertCalendar_PreservesCursor(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	if err := st.UpsertCalendar(testCalendar("acc1", "cal1")); err != nil {
		t.Fatalf("UpsertCalendar() failed: %v", err)
	}
	if err := st.SetSyncCursor(ctx, "acc1", "cal1", "cursor-42"); err != nil {
		t.Fatalf("SetSyncCursor() failed: %v", err)
	}

	// Metadata refresh from a later calendar listing.
	refreshed := testCalendar("acc1", "cal1")
	refreshed.Summary = "Renamed calendar"
	if err := st.UpsertCalendar(refreshed); err != nil {
		t.Fatalf("second UpsertCalendar() failed: %v", err)
	}

	got, err := st.GetCalendar(ctx, "acc1", "cal1")
	if err != nil {
		t.Fatalf("GetCalendar() failed: %v", err)
	}
	if got.SyncCursor != "cursor-42" {
		t.Errorf("SyncCursor = %q, want %q", got.SyncCursor, "cursor-42")
	}
	if got.Summary != "Renamed calendar" {
		t.Errorf("Summary = %q, want %q", got.Summary, "Renamed calendar")
	}
}

// TestListEnabledCalendars tests the enabled filter.
func TestListEnabledCalendars(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	for _, id := range []string{"cal1", "cal2"} {
		if err := st.UpsertCalendar(testCalendar("acc1", id)); err != nil {
			t.Fatalf("UpsertCalendar(%s) failed: %v", id, err)
		}
	}
	if err := st.SetCalendarEnabled(ctx, "acc1", "cal2", false); err != nil {
		t.Fatalf("SetCalendarEnabled() failed: %v", err)
	}

	enabled, err := st.ListEnabledCalendars(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListEnabledCalendars() failed: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != "cal1" {
		t.Errorf("ListEnabledCalendars() = %d calendars, want only cal1", len(enabled))
	}

	all, err := st.ListCalendars(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListCalendars() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListCalendars() = %d calendars, want 2", len(all))
	}
}

// TestUpsertEvent_RoundTrip tests event field persistence including
// recurrence rules and flags.
func TestUpsertEvent_RoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	event := testEvent("acc1", "cal1", "ev1")
	event.Recurrence = []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"}
	event.LocallyModified = true
	event.SyncError = "quota exceeded"
	if err := st.UpsertEvent(event); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}

	got, err := st.GetEvent(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if len(got.Recurrence) != 1 || got.Recurrence[0] != "RRULE:FREQ=WEEKLY;BYDAY=MO" {
		t.Errorf("Recurrence = %v, want the stored rule", got.Recurrence)
	}
	if !got.LocallyModified {
		t.Error("LocallyModified flag lost")
	}
	if got.SyncError != "quota exceeded" {
		t.Errorf("SyncError = %q, want %q", got.SyncError, "quota exceeded")
	}
	if !got.Start.Time.Equal(event.Start.Time) {
		t.Errorf("Start = %v, want %v", got.Start.Time, event.Start.Time)
	}
}

// TestRenameEvent tests provisional-id adoption together with retargeting
// of queued changes.
func TestRenameEvent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	if err := st.UpsertEvent(testEvent("acc1", "cal1", "local-abc")); err != nil {
		t.Fatalf("UpsertEvent() failed: %v", err)
	}
	change := &schema.PendingChange{
		ID:         "ch1",
		AccountID:  "acc1",
		CalendarID: "cal1",
		EventID:    "local-abc",
		Op:         schema.OpUpdate,
		Payload:    []byte(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.EnqueueChange(change); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	if err := st.RenameEvent(ctx, "acc1", "cal1", "local-abc", "server-xyz"); err != nil {
		t.Fatalf("RenameEvent() failed: %v", err)
	}
	if err := st.RetargetChanges(ctx, "acc1", "cal1", "local-abc", "server-xyz"); err != nil {
		t.Fatalf("RetargetChanges() failed: %v", err)
	}

	if _, err := st.GetEvent(ctx, "acc1", "cal1", "local-abc"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old id still resolves: %v", err)
	}
	if _, err := st.GetEvent(ctx, "acc1", "cal1", "server-xyz"); err != nil {
		t.Errorf("GetEvent(new id) failed: %v", err)
	}
	changes, err := st.ListChangesForEvent(ctx, "acc1", "cal1", "server-xyz")
	if err != nil {
		t.Fatalf("ListChangesForEvent() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("retargeted changes = %d, want 1", len(changes))
	}
}

// TestListPendingChanges_Order tests that changes come back in enqueue
// order within a calendar.
func TestListPendingChanges_Order(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"ch1", "ch2", "ch3"} {
		change := &schema.PendingChange{
			ID:         id,
			AccountID:  "acc1",
			CalendarID: "cal1",
			EventID:    "ev1",
			Op:         schema.OpUpdate,
			Payload:    []byte(`{}`),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := st.EnqueueChange(change); err != nil {
			t.Fatalf("EnqueueChange(%s) failed: %v", id, err)
		}
	}

	changes, err := st.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("ListPendingChanges() = %d changes, want 3", len(changes))
	}
	for i, want := range []string{"ch1", "ch2", "ch3"} {
		if changes[i].ID != want {
			t.Errorf("changes[%d].ID = %q, want %q", i, changes[i].ID, want)
		}
	}

	count, err := st.CountPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("CountPendingChanges() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("CountPendingChanges() = %d, want 3", count)
	}
}

// TestUpdateChangeRetry tests backoff bookkeeping persistence.
func TestUpdateChangeRetry(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	change := &schema.PendingChange{
		ID:         "ch1",
		AccountID:  "acc1",
		CalendarID: "cal1",
		EventID:    "ev1",
		Op:         schema.OpCreate,
		Payload:    []byte(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.EnqueueChange(change); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	next := time.Now().UTC().Add(8 * time.Second).Truncate(time.Millisecond)
	if err := st.UpdateChangeRetry(ctx, "ch1", 3, next); err != nil {
		t.Fatalf("UpdateChangeRetry() failed: %v", err)
	}

	changes, err := st.ListPendingChanges(ctx, "acc1")
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("ListPendingChanges() = %d changes, want 1", len(changes))
	}
	if changes[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", changes[0].RetryCount)
	}
	if !changes[0].NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", changes[0].NextAttemptAt, next)
	}
}

// TestTombstone_Lifecycle tests put, lookup, and delete of tombstones.
func TestTombstone_Lifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}

	ts, err := st.GetTombstone(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetTombstone() failed: %v", err)
	}
	if ts != nil {
		t.Fatal("GetTombstone() on empty store returned a tombstone")
	}

	if err := st.PutTombstone(&schema.Tombstone{
		EventID: "ev1", AccountID: "acc1", CalendarID: "cal1", DeletedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutTombstone() failed: %v", err)
	}

	ts, err = st.GetTombstone(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetTombstone() failed: %v", err)
	}
	if ts == nil || ts.EventID != "ev1" {
		t.Fatalf("GetTombstone() = %+v, want the stored tombstone", ts)
	}

	if err := st.DeleteTombstone(ctx, "acc1", "cal1", "ev1"); err != nil {
		t.Fatalf("DeleteTombstone() failed: %v", err)
	}
	ts, err = st.GetTombstone(ctx, "acc1", "cal1", "ev1")
	if err != nil {
		t.Fatalf("GetTombstone() after delete failed: %v", err)
	}
	if ts != nil {
		t.Error("tombstone survived delete")
	}
}

// TestListEventsInWindow tests the window filter: overlapping plain events
// and all recurring masters, deleted rows excluded.
func TestListEventsInWindow(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}

	inWindow := testEvent("acc1", "cal1", "in")
	if err := st.UpsertEvent(inWindow); err != nil {
		t.Fatalf("UpsertEvent(in) failed: %v", err)
	}

	outside := testEvent("acc1", "cal1", "out")
	outside.Start.Time = outside.Start.Time.AddDate(0, 6, 0)
	outside.End.Time = outside.End.Time.AddDate(0, 6, 0)
	if err := st.UpsertEvent(outside); err != nil {
		t.Fatalf("UpsertEvent(out) failed: %v", err)
	}

	// Master started long before the window but must still be returned.
	master := testEvent("acc1", "cal1", "master")
	master.Start.Time = master.Start.Time.AddDate(-1, 0, 0)
	master.End.Time = master.End.Time.AddDate(-1, 0, 0)
	master.Recurrence = []string{"RRULE:FREQ=WEEKLY"}
	if err := st.UpsertEvent(master); err != nil {
		t.Fatalf("UpsertEvent(master) failed: %v", err)
	}

	deleted := testEvent("acc1", "cal1", "gone")
	deleted.Deleted = true
	if err := st.UpsertEvent(deleted); err != nil {
		t.Fatalf("UpsertEvent(gone) failed: %v", err)
	}

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := st.ListEventsInWindow(ctx, start, start.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("ListEventsInWindow() failed: %v", err)
	}

	ids := make(map[string]bool)
	for _, ev := range events {
		ids[ev.ID] = true
	}
	if !ids["in"] {
		t.Error("overlapping event missing from window")
	}
	if !ids["master"] {
		t.Error("recurring master missing from window")
	}
	if ids["out"] {
		t.Error("event outside window returned")
	}
	if ids["gone"] {
		t.Error("deleted event returned")
	}
}

// TestListConflictedEvents tests the conflict flag filter.
func TestListConflictedEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertAccount(testAccount("acc1")); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	clean := testEvent("acc1", "cal1", "clean")
	if err := st.UpsertEvent(clean); err != nil {
		t.Fatalf("UpsertEvent(clean) failed: %v", err)
	}
	conflicted := testEvent("acc1", "cal1", "conflicted")
	conflicted.HasConflict = true
	conflicted.RemoteShadow = []byte(`{"id":"conflicted","version":"v2"}`)
	if err := st.UpsertEvent(conflicted); err != nil {
		t.Fatalf("UpsertEvent(conflicted) failed: %v", err)
	}

	events, err := st.ListConflictedEvents(ctx)
	if err != nil {
		t.Fatalf("ListConflictedEvents() failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != "conflicted" {
		t.Fatalf("ListConflictedEvents() = %d events, want only the conflicted one", len(events))
	}
	if len(events[0].RemoteShadow) == 0 {
		t.Error("remote shadow not persisted")
	}
}
