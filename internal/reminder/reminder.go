// Package reminder sends a WhatsApp reminder for every calendar event that
// starts about two hours from now. Each event is reminded at most once.
package reminder

import (
	"context"
	"fmt"
	"time"

	"clinic-scheduler/internal/calendar"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/observability"
)

const (
	DefaultLead   = 2 * time.Hour
	DefaultWindow = 20 * time.Minute
)

type Events interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
}

type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

type Ledger interface {
	ClaimReminder(ctx context.Context, eventID string) (bool, error)
}

type Auditor interface {
	LogMetric(ctx context.Context, m model.Metric) error
}

// Report summarizes one sweep.
type Report struct {
	Seen    int
	Sent    int
	Skipped int
	Failed  int
}

type Sweeper struct {
	events  Events
	sender  Sender
	ledger  Ledger
	audit   Auditor
	metrics *observability.Metrics
	loc     *time.Location

	Lead   time.Duration
	Window time.Duration

	now func() time.Time
}

func New(events Events, sender Sender, ledger Ledger, audit Auditor, m *observability.Metrics, loc *time.Location) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{
		events: events, sender: sender, ledger: ledger, audit: audit, metrics: m, loc: loc,
		Lead: DefaultLead, Window: DefaultWindow, now: time.Now,
	}
}

func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Message is the reminder text for name at start.
func Message(name string, start time.Time) string {
	return fmt.Sprintf("Olá %s, sua consulta será às %s. Este é um lembrete automático portanto não precisa responder, esperamos por você!", name, start.Format(model.HourLayout))
}

// Sweep reminds every event starting in [now+Lead, now+Lead+Window].
// Only the calendar listing can fail the sweep; per-event problems are
// logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	from := s.now().Add(s.Lead)
	to := from.Add(s.Window)
	events, err := s.events.ListEvents(ctx, from, to)
	if err != nil {
		s.metrics.Reminder("list_failed")
		return Report{}, fmt.Errorf("list upcoming events: %w", err)
	}

	var r Report
	for _, ev := range events {
		r.Seen++
		name, chatID, ok := calendar.ParseSummary(ev.Summary)
		if !ok || ev.ID == "" || ev.Start.IsZero() {
			r.Skipped++
			s.metrics.Reminder("skipped")
			appLog.Warn("event skipped", "event_id", ev.ID, "summary", ev.Summary)
			continue
		}

		fresh, err := s.ledger.ClaimReminder(ctx, ev.ID)
		if err != nil {
			r.Failed++
			s.metrics.Reminder("ledger_failed")
			appLog.Error("reminder ledger unavailable", err, "event_id", ev.ID)
			continue
		}
		if !fresh {
			r.Skipped++
			s.metrics.Reminder("already_sent")
			appLog.Debug("reminder already sent", "event_id", ev.ID)
			continue
		}

		start := ev.Start.In(s.loc)
		if err := s.sender.SendText(ctx, chatID, Message(name, start)); err != nil {
			r.Failed++
			s.metrics.Reminder("failed")
			appLog.Error("reminder not sent", err, "event_id", ev.ID, "chat_id", chatID)
			s.record(ctx, chatID, ev.ID, model.MetricFailed, "Erro ao enviar: "+err.Error())
			continue
		}
		r.Sent++
		s.metrics.Reminder("sent")
		appLog.Info("reminder sent", "event_id", ev.ID, "chat_id", chatID)
		s.record(ctx, chatID, ev.ID, model.MetricSuccess, fmt.Sprintf("Lembrete para %s às %s", name, start.Format(model.HourLayout)))
	}
	return r, nil
}

func (s *Sweeper) record(ctx context.Context, chatID, eventID string, status model.MetricStatus, details string) {
	if s.audit == nil {
		return
	}
	err := s.audit.LogMetric(ctx, model.Metric{
		ClientID: chatID,
		EventID:  eventID,
		Type:     model.MetricReminder,
		Status:   status,
		Details:  details,
	})
	if err != nil {
		appLog.Warn("reminder audit not written", "event_id", eventID, "err", err.Error())
	}
}
