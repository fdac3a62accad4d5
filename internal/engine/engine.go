// Package engine contains the synchronization core: the sync engine that
// merges remote deltas into the local store, the pending-change queue
// processor that replays local mutations against the remote service, the
// local mutation surface that feeds the queue, and the conflict resolution
// commands.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calmirror/calmirror/internal/conflict"
	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/retry"
	"github.com/calmirror/calmirror/internal/schema"
	"github.com/calmirror/calmirror/internal/store"
)

var (
	// ErrSyncInProgress is returned when a sync is requested for an
	// account that already has one running.
	ErrSyncInProgress = errors.New("engine: sync already in progress for account")

	// ErrUnknownAccount is returned when a requested account does not
	// exist in the local store.
	ErrUnknownAccount = errors.New("engine: unknown account")
)

const defaultWorkers = 4

// Config holds the collaborators and options for New.
type Config struct {
	Store   *store.Store
	Gateway remote.Gateway
	Policy  retry.Policy
	Logger  *log.Logger
	// Workers bounds the per-run fan-out across calendars. Zero selects
	// the default.
	Workers int
	// Now is the clock; nil selects time.Now. Injectable for tests.
	Now func() time.Time
}

// Engine is the top-level sync orchestrator.
//
// A run pulls remote deltas per enabled calendar, merges them through the
// conflict detector, then drains the pending-change queue once. Calendars
// are independent units of work and are synced concurrently; all mutation
// for a given event stays serialized within its calendar's worker.
type Engine struct {
	store   *store.Store
	gateway remote.Gateway
	policy  retry.Policy
	logger  *log.Logger
	workers int
	now     func() time.Time

	runningMu sync.Mutex
	running   map[string]bool
}

// New creates an Engine. If cfg.Logger is nil, a default logger writing to
// stderr is used.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		policy:  cfg.Policy,
		logger:  logger,
		workers: workers,
		now:     now,
	}
}

// Sync runs one pull-and-flush pass for the given accounts.
//
// It is non-reentrant per account: a second invocation for an account
// already running fails fast with ErrSyncInProgress. Per-calendar failures
// are isolated into the report; only account-level precondition violations
// (unknown account, concurrent run) return an error.
func (e *Engine) Sync(ctx context.Context, accountIDs []string) (*SyncReport, error) {
	report := &SyncReport{StartedAt: e.now()}

	seen := make(map[string]bool, len(accountIDs))
	ids := make([]string, 0, len(accountIDs))
	accounts := make([]*schema.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		account, err := e.store.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
			}
			return nil, fmt.Errorf("failed to load account %s: %w", id, err)
		}
		ids = append(ids, id)
		accounts = append(accounts, account)
	}

	// Locks already taken must be returned if a later acquire fails, or
	// the losing accounts stay marked running for the process lifetime.
	var acquired []string
	defer func() {
		for _, id := range acquired {
			e.release(id)
		}
	}()
	for _, account := range accounts {
		if !e.acquire(account.ID) {
			return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, account.ID)
		}
		acquired = append(acquired, account.ID)
	}

	for _, account := range accounts {
		e.syncAccount(ctx, account, report)
	}

	// Queue drain happens once, after pull phases for all calendars
	// complete, successfully or not.
	queue := NewQueue(e.store, e.gateway, e.policy, e.logger, e.now)
	flush, err := queue.Flush(ctx, ids)
	if err != nil {
		e.logger.Printf("WARNING: queue flush failed: %v", err)
	}
	report.Flush = flush

	report.FinishedAt = e.now()
	e.logger.Printf("Sync complete: created=%d updated=%d deleted=%d conflicts=%d errors=%d",
		report.EventsCreated, report.EventsUpdated, report.EventsDeleted,
		report.ConflictsRaised, len(report.CalendarErrors))

	return report, nil
}

func (e *Engine) acquire(accountID string) bool {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	if e.running == nil {
		e.running = make(map[string]bool)
	}
	if e.running[accountID] {
		return false
	}
	e.running[accountID] = true
	return true
}

func (e *Engine) release(accountID string) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.running, accountID)
}

// syncAccount refreshes the account's calendar list, then fans out pull
// passes across its enabled calendars.
func (e *Engine) syncAccount(ctx context.Context, account *schema.Account, report *SyncReport) {
	if err := e.refreshCalendars(ctx, account); err != nil {
		// Calendar discovery failing doesn't block pulling calendars we
		// already know about.
		e.logger.Printf("WARNING: failed to refresh calendar list for %s: %v", account.ID, err)
	}

	calendars, err := e.store.ListEnabledCalendars(ctx, account.ID)
	if err != nil {
		report.CalendarErrors = append(report.CalendarErrors, CalendarError{
			AccountID: account.ID,
			Err:       fmt.Errorf("failed to list calendars: %w", err),
		})
		return
	}

	var (
		wg       sync.WaitGroup
		reportMu sync.Mutex
		sem      = make(chan struct{}, e.workers)
	)

	for _, calendar := range calendars {
		// Cooperative cancellation checkpoint: a cancelled run stops
		// between calendar units, never mid-merge of a single event.
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(cal *schema.Calendar) {
			defer wg.Done()
			defer func() { <-sem }()

			counts, err := e.syncCalendar(ctx, account.ID, cal)

			reportMu.Lock()
			defer reportMu.Unlock()
			report.EventsCreated += counts.created
			report.EventsUpdated += counts.updated
			report.EventsDeleted += counts.deleted
			report.ConflictsRaised += counts.conflicts
			if err != nil {
				report.CalendarErrors = append(report.CalendarErrors, CalendarError{
					AccountID:  account.ID,
					CalendarID: cal.ID,
					Err:        err,
				})
			}
		}(calendar)
	}

	wg.Wait()
}

// refreshCalendars upserts the remote calendar list, preserving the local
// enabled flag and sync cursor of calendars we already track.
func (e *Engine) refreshCalendars(ctx context.Context, account *schema.Account) error {
	deltas, err := e.gateway.ListChangedCalendars(ctx, account.ID)
	if err != nil {
		return err
	}

	for _, delta := range deltas {
		existing, err := e.store.GetCalendar(ctx, account.ID, delta.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to load calendar %s: %w", delta.ID, err)
		}

		cal := &schema.Calendar{
			ID:        delta.ID,
			AccountID: account.ID,
			Summary:   delta.Summary,
			Enabled:   !delta.Deleted,
			UpdatedAt: e.now(),
		}
		if existing != nil {
			cal.Enabled = existing.Enabled && !delta.Deleted
		}

		if err := e.store.UpsertCalendarContext(ctx, cal); err != nil {
			return err
		}
	}

	return nil
}

type syncCounts struct {
	created, updated, deleted, conflicts int
}

// syncCalendar consumes one calendar's change stream and merges every
// delta. The sync cursor is persisted only after all pages are applied
// without error, so a mid-stream failure leaves the old cursor intact and
// the next run re-fetches safely.
func (e *Engine) syncCalendar(ctx context.Context, accountID string, cal *schema.Calendar) (syncCounts, error) {
	var counts syncCounts

	cursor := cal.SyncCursor
	pageToken := ""
	resynced := false
	newCursor := ""

	for {
		page, err := e.gateway.ListChangedEvents(ctx, accountID, cal.ID, cursor, pageToken)
		if err != nil {
			if errors.Is(err, remote.ErrCursorInvalid) && !resynced {
				// Expired cursor: fall back to a full resync of this
				// calendar only. Merge logic is idempotent, so replaying
				// events we already hold is safe.
				e.logger.Printf("Cursor invalid for %s/%s, falling back to full resync", accountID, cal.ID)
				cursor = ""
				pageToken = ""
				resynced = true
				continue
			}
			return counts, err
		}

		for i := range page.Events {
			if err := e.applyDelta(ctx, accountID, cal.ID, &page.Events[i], &counts); err != nil {
				return counts, fmt.Errorf("failed to merge event %s: %w", page.Events[i].ID, err)
			}
		}

		if !page.HasMore {
			newCursor = page.NextCursor
			break
		}
		pageToken = page.NextPageToken
	}

	if newCursor != "" {
		if err := e.store.SetSyncCursor(ctx, accountID, cal.ID, newCursor); err != nil {
			return counts, err
		}
	}

	return counts, nil
}

// applyDelta merges one remote event through the conflict detector and
// applies the resulting action to the store.
func (e *Engine) applyDelta(ctx context.Context, accountID, calendarID string, rev *remote.RemoteEvent, counts *syncCounts) error {
	local, err := e.store.GetEvent(ctx, accountID, calendarID, rev.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		local = nil
	}

	tombstone, err := e.store.GetTombstone(ctx, accountID, calendarID, rev.ID)
	if err != nil {
		return err
	}

	switch conflict.Resolve(rev, local, tombstone) {
	case conflict.Ignore:
		return nil

	case conflict.ApplyRemote:
		if rev.Cancelled {
			if err := e.store.DeleteEvent(ctx, accountID, calendarID, rev.ID); err != nil {
				return err
			}
			counts.deleted++
			return nil
		}
		if err := e.store.UpsertEventContext(ctx, eventFromRemote(accountID, calendarID, rev, local, e.now())); err != nil {
			return err
		}
		if local == nil {
			counts.created++
		} else {
			counts.updated++
		}
		return nil

	case conflict.MarkConflict:
		// Flag the local record and retain the latest known remote state
		// as a shadow for side-by-side display. Later deltas for the same
		// conflicted event refresh the shadow; nothing else is applied
		// until the user resolves.
		shadow, err := json.Marshal(rev)
		if err != nil {
			return fmt.Errorf("failed to marshal remote shadow: %w", err)
		}
		if local == nil {
			return fmt.Errorf("conflict action for event %s with no local record", rev.ID)
		}
		alreadyConflicted := local.HasConflict
		local.HasConflict = true
		local.RemoteShadow = shadow
		local.UpdatedAt = e.now()
		if err := e.store.UpsertEventContext(ctx, local); err != nil {
			return err
		}
		if !alreadyConflicted {
			counts.conflicts++
		}
		return nil

	case conflict.ApplyRemoteAndClearTombstone:
		// Delete confirmed on both sides: purge the event, the tombstone,
		// and any stray pending change for the id.
		if err := e.store.DeleteEvent(ctx, accountID, calendarID, rev.ID); err != nil {
			return err
		}
		if err := e.store.DeleteTombstone(ctx, accountID, calendarID, rev.ID); err != nil {
			return err
		}
		if err := e.store.DeleteChangesForEvent(ctx, accountID, calendarID, rev.ID); err != nil {
			return err
		}
		counts.deleted++
		return nil
	}

	return nil
}

// eventFromRemote maps a remote event onto the local record shape. If the
// event already exists locally, its creation time is preserved.
func eventFromRemote(accountID, calendarID string, rev *remote.RemoteEvent, existing *schema.Event, now time.Time) *schema.Event {
	event := &schema.Event{
		ID:            rev.ID,
		AccountID:     accountID,
		CalendarID:    calendarID,
		Summary:       rev.Summary,
		Description:   rev.Description,
		Location:      rev.Location,
		Start:         rev.Start,
		End:           rev.End,
		Recurrence:    rev.Recurrence,
		MasterID:      rev.MasterID,
		InstanceDate:  rev.InstanceDate,
		RemoteVersion: rev.Version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		event.CreatedAt = existing.CreatedAt
	}
	return event
}
