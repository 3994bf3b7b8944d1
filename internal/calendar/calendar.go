// Package calendar wraps the shared Google calendar: busy intervals,
// event listing, creation and deletion.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "clinic-scheduler/internal/log"
)

var ErrNotConfigured = errors.New("calendar service not initialized")

// DefaultTimeout bounds each calendar API call.
const DefaultTimeout = 5 * time.Second

// Busy is an occupied interval reported by the calendar.
type Busy struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the busy interval.
func (b Busy) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && end.After(b.Start)
}

type Event struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
	Link    string
}

// Client is created unconfigured and connects on the first Init. Init is
// safe to call repeatedly and from several goroutines.
type Client struct {
	mu          sync.Mutex
	svc         *gcal.Service
	calendarID  string
	credentials string
	loc         *time.Location
	opts        []option.ClientOption
	timeout     time.Duration
}

// New prepares a client for calendarID. Extra options replace the
// credentials file when given.
func New(calendarID, credentialsPath string, loc *time.Location, opts ...option.ClientOption) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{calendarID: calendarID, credentials: credentialsPath, loc: loc, opts: opts, timeout: DefaultTimeout}
}

// SetTimeout changes the per-call bound. Call it before the client is shared.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc != nil {
		return nil
	}
	opts := c.opts
	if len(opts) == 0 {
		if c.credentials == "" {
			return fmt.Errorf("init calendar: %w: no credentials path", ErrNotConfigured)
		}
		opts = []option.ClientOption{
			option.WithCredentialsFile(c.credentials),
			option.WithScopes(gcal.CalendarScope),
		}
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		appLog.Error("calendar init failed", err, "credentials", c.credentials)
		return fmt.Errorf("init calendar: %w", err)
	}
	c.svc = svc
	appLog.Info("calendar service initialized", "calendar_id", c.calendarID)
	return nil
}

func (c *Client) service() (*gcal.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc == nil {
		return nil, ErrNotConfigured
	}
	return c.svc, nil
}

func (c *Client) Location() *time.Location { return c.loc }

// Busy returns the occupied intervals between from and to.
func (c *Client) Busy(ctx context.Context, from, to time.Time) ([]Busy, error) {
	svc, err := c.service()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin:  from.Format(time.RFC3339),
		TimeMax:  to.Format(time.RFC3339),
		TimeZone: c.loc.String(),
		Items:    []*gcal.FreeBusyRequestItem{{Id: c.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy: %w", err)
	}
	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy: %s", cal.Errors[0].Reason)
	}
	out := make([]Busy, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err1 := time.Parse(time.RFC3339, p.Start)
		end, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			appLog.Warn("skipping unparseable busy block", "start", p.Start, "end", p.End)
			continue
		}
		out = append(out, Busy{Start: start, End: end})
	}
	return out, nil
}

// ListEvents returns single events starting in [from, to), ordered by start.
func (c *Client) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	svc, err := c.service()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var out []Event
	err = svc.Events.List(c.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Pages(ctx, func(page *gcal.Events) error {
			for _, it := range page.Items {
				ev, ok := toEvent(it)
				if !ok {
					continue
				}
				out = append(out, ev)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func toEvent(it *gcal.Event) (Event, bool) {
	if it == nil || it.Start == nil || it.Start.DateTime == "" {
		// all-day entries never hold appointments
		return Event{}, false
	}
	start, err := time.Parse(time.RFC3339, it.Start.DateTime)
	if err != nil {
		return Event{}, false
	}
	ev := Event{ID: it.Id, Summary: it.Summary, Start: start, Link: it.HtmlLink}
	if it.End != nil {
		ev.End, _ = time.Parse(time.RFC3339, it.End.DateTime)
	}
	return ev, true
}

// CreateEvent inserts an appointment block with an email reminder a day
// before and a popup ten minutes before.
func (c *Client) CreateEvent(ctx context.Context, summary string, start time.Time, length time.Duration) (Event, error) {
	svc, err := c.service()
	if err != nil {
		return Event{}, err
	}
	end := start.Add(length)
	body := &gcal.Event{
		Summary: summary,
		Start:   &gcal.EventDateTime{DateTime: start.In(c.loc).Format(time.RFC3339), TimeZone: c.loc.String()},
		End:     &gcal.EventDateTime{DateTime: end.In(c.loc).Format(time.RFC3339), TimeZone: c.loc.String()},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 10},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	created, err := svc.Events.Insert(c.calendarID, body).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return Event{ID: created.Id, Summary: created.Summary, Start: start, End: end, Link: created.HtmlLink}, nil
}

// DeleteEvent removes the event. An event that is already gone counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	err = svc.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		appLog.Info("event already absent", "event_id", eventID, "code", gerr.Code)
		return nil
	}
	return fmt.Errorf("delete event %s: %w", eventID, err)
}

var summaryRe = regexp.MustCompile(`Nome:\s*(.+?)\s*-\s*Cliente ID:\s*(.+)`)

// Summary is the title written on every appointment event. Reminders parse it back.
func Summary(name, chatID string) string {
	return fmt.Sprintf("CONSUL Nome:%s - Cliente ID:%s", name, chatID)
}

// ParseSummary extracts the patient name and chat id from an event title.
func ParseSummary(s string) (name, chatID string, ok bool) {
	m := summaryRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	name, chatID = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	return name, chatID, name != "" && chatID != ""
}
