package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calmirror/calmirror/internal/credentials"
	"github.com/calmirror/calmirror/internal/schema"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultCallTimeout = 30 * time.Second
	eventsPageSize     = 250
)

// CredentialRefFunc resolves an account id to its opaque credential ref.
// Keeps this package decoupled from the local store.
type CredentialRefFunc func(ctx context.Context, accountID string) (string, error)

// GoogleGateway implements Gateway against the Google Calendar API.
//
// One calendar.Service is built lazily per account and cached. A 401 from
// the API invalidates the cached service so the next call rebuilds it with
// a fresh token; a second consecutive 401 surfaces as a non-retryable
// APIError.
type GoogleGateway struct {
	creds   credentials.Provider
	refFor  CredentialRefFunc
	timeout time.Duration
	logger  *log.Logger

	mu       sync.Mutex
	services map[string]*calendar.Service
}

// NewGoogleGateway creates a gateway backed by the Google Calendar API.
// If logger is nil, a default logger writing to stderr is used.
func NewGoogleGateway(creds credentials.Provider, refFor CredentialRefFunc, logger *log.Logger) *GoogleGateway {
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	return &GoogleGateway{
		creds:    creds,
		refFor:   refFor,
		timeout:  defaultCallTimeout,
		logger:   logger,
		services: make(map[string]*calendar.Service),
	}
}

func (g *GoogleGateway) service(ctx context.Context, accountID string) (*calendar.Service, error) {
	g.mu.Lock()
	if svc, ok := g.services[accountID]; ok {
		g.mu.Unlock()
		return svc, nil
	}
	g.mu.Unlock()

	ref, err := g.refFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for account %s: %w", accountID, err)
	}

	ts, err := g.creds.TokenSource(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get token source for account %s: %w", accountID, err)
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service for account %s: %w", accountID, err)
	}

	g.mu.Lock()
	g.services[accountID] = svc
	g.mu.Unlock()
	return svc, nil
}

func (g *GoogleGateway) invalidate(accountID string) {
	g.mu.Lock()
	delete(g.services, accountID)
	g.mu.Unlock()
}

// call runs fn with a bounded deadline, retrying exactly once after a 401
// with a rebuilt service so an expired credential gets one refresh.
func (g *GoogleGateway) call(ctx context.Context, accountID, op string, fn func(ctx context.Context, svc *calendar.Service) error) error {
	for attempt := 0; ; attempt++ {
		svc, err := g.service(ctx, accountID)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err = fn(callCtx, svc)
		cancel()
		if err == nil {
			return nil
		}

		if gErr, ok := err.(*googleapi.Error); ok && gErr.Code == 401 && attempt == 0 {
			g.logger.Printf("401 for account %s during %s, refreshing credentials", accountID, op)
			g.invalidate(accountID)
			continue
		}

		return wrapAPIError(op, err)
	}
}

func wrapAPIError(op string, err error) error {
	if gErr, ok := err.(*googleapi.Error); ok {
		return &APIError{StatusCode: gErr.Code, Op: op, Err: err}
	}
	return fmt.Errorf("remote: %s failed: %w", op, err)
}

// ListChangedCalendars implements Gateway.ListChangedCalendars.
func (g *GoogleGateway) ListChangedCalendars(ctx context.Context, accountID string) ([]CalendarDelta, error) {
	var deltas []CalendarDelta
	err := g.call(ctx, accountID, "list calendars", func(ctx context.Context, svc *calendar.Service) error {
		pageToken := ""
		for {
			call := svc.CalendarList.List().Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return err
			}
			for _, item := range resp.Items {
				deltas = append(deltas, CalendarDelta{
					ID:      item.Id,
					Summary: item.Summary,
					Deleted: item.Deleted,
				})
			}
			if resp.NextPageToken == "" {
				return nil
			}
			pageToken = resp.NextPageToken
		}
	})
	if err != nil {
		return nil, err
	}
	return deltas, nil
}

// ListChangedEvents implements Gateway.ListChangedEvents.
func (g *GoogleGateway) ListChangedEvents(ctx context.Context, accountID, calendarID, cursor, pageToken string) (*ChangePage, error) {
	var page ChangePage
	err := g.call(ctx, accountID, "list events", func(ctx context.Context, svc *calendar.Service) error {
		call := svc.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(true).
			MaxResults(eventsPageSize)
		if cursor != "" {
			call = call.SyncToken(cursor)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return err
		}

		page.Events = make([]RemoteEvent, 0, len(resp.Items))
		for _, item := range resp.Items {
			page.Events = append(page.Events, normalizeEvent(item))
		}
		page.NextPageToken = resp.NextPageToken
		page.NextCursor = resp.NextSyncToken
		page.HasMore = resp.NextPageToken != ""
		return nil
	})
	if err != nil {
		// 410 here means the sync token expired. Only the change stream
		// carries that meaning; elsewhere 410 is a plain gone resource.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 410 {
			return nil, fmt.Errorf("%w: %v", ErrCursorInvalid, err)
		}
		return nil, err
	}
	return &page, nil
}

// CreateEvent implements Gateway.CreateEvent.
func (g *GoogleGateway) CreateEvent(ctx context.Context, accountID, calendarID string, payload *schema.EventPayload) (*RemoteEvent, error) {
	var created RemoteEvent
	err := g.call(ctx, accountID, "create event", func(ctx context.Context, svc *calendar.Service) error {
		resp, err := svc.Events.Insert(calendarID, payloadToGoogle(payload)).Context(ctx).Do()
		if err != nil {
			return err
		}
		created = normalizeEvent(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateEvent implements Gateway.UpdateEvent.
func (g *GoogleGateway) UpdateEvent(ctx context.Context, accountID, calendarID, eventID string, payload *schema.EventPayload) (*RemoteEvent, error) {
	var updated RemoteEvent
	err := g.call(ctx, accountID, "update event", func(ctx context.Context, svc *calendar.Service) error {
		resp, err := svc.Events.Update(calendarID, eventID, payloadToGoogle(payload)).Context(ctx).Do()
		if err != nil {
			return err
		}
		updated = normalizeEvent(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteEvent implements Gateway.DeleteEvent.
func (g *GoogleGateway) DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	return g.call(ctx, accountID, "delete event", func(ctx context.Context, svc *calendar.Service) error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
}

// normalizeEvent converts a Google event into the normalized RemoteEvent
// the sync core consumes.
func normalizeEvent(item *calendar.Event) RemoteEvent {
	ev := RemoteEvent{
		ID:          item.Id,
		Cancelled:   item.Status == "cancelled",
		Version:     item.Etag,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Recurrence:  item.Recurrence,
		MasterID:    item.RecurringEventId,
	}

	ev.Start = googleTime(item.Start)
	ev.End = googleTime(item.End)

	if item.OriginalStartTime != nil {
		ev.InstanceDate = instanceDate(item.OriginalStartTime)
	}

	return ev
}

func googleTime(edt *calendar.EventDateTime) schema.EventTime {
	if edt == nil {
		return schema.EventTime{}
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return schema.EventTime{}
		}
		return schema.EventTime{Time: t, AllDay: true}
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return schema.EventTime{}
	}
	return schema.EventTime{Time: t, TimeZone: edt.TimeZone}
}

func instanceDate(edt *calendar.EventDateTime) string {
	if edt.Date != "" {
		return edt.Date
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func payloadToGoogle(payload *schema.EventPayload) *calendar.Event {
	return &calendar.Event{
		Summary:     payload.Summary,
		Description: payload.Description,
		Location:    payload.Location,
		Start:       eventTimeToGoogle(payload.Start),
		End:         eventTimeToGoogle(payload.End),
		Recurrence:  payload.Recurrence,
	}
}

func eventTimeToGoogle(et schema.EventTime) *calendar.EventDateTime {
	if et.Time.IsZero() {
		return nil
	}
	if et.AllDay {
		return &calendar.EventDateTime{Date: et.Time.Format("2006-01-02")}
	}
	return &calendar.EventDateTime{
		DateTime: et.Time.Format(time.RFC3339),
		TimeZone: et.TimeZone,
	}
}
