// Package saga books and cancels appointments across the calendar and the
// slot allocator. The calendar write happens first; when the allocator
// refuses, the event is deleted again.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-scheduler/internal/calendar"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/storeclient"
)

type Availability interface {
	Closed(t time.Time) bool
	Past(t time.Time) bool
	IsFree(ctx context.Context, start time.Time) (bool, error)
	Location() *time.Location
	Length() time.Duration
}

type Calendar interface {
	CreateEvent(ctx context.Context, summary string, start time.Time, length time.Duration) (calendar.Event, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

type Store interface {
	Profile(ctx context.Context, chatID string) (*model.Profile, error)
	Assign(ctx context.Context, chatID, eventID string, start time.Time) model.SlotResult
	Release(ctx context.Context, chatID string, slot int) model.SlotResult
	LogMetric(ctx context.Context, m model.Metric) error
}

type ProfileCache interface {
	InvalidateProfile(ctx context.Context, chatID string) error
}

const (
	MsgPastDate    = "A data que você informou já passou. Por favor, escolha uma data futura."
	MsgClosedDay   = "Não agendamos consultas aos domingos. Por favor, escolha outro dia."
	MsgSlotGone    = "Esse horário não está mais disponível. Por favor, escolha outro horário."
	MsgCheckFailed = "Não foi possível verificar a disponibilidade agora. Tente novamente em instantes."
	MsgEventFailed = "Não foi possível criar o evento na agenda. Tente novamente em instantes."
	MsgCancelled   = "Sua consulta foi cancelada com sucesso! Qualquer duvida é só chamar!"
	MsgNoSuchAppt  = "Número de consulta inválido ou já expirada."
	MsgUnknownUser = "Usuário não registrado."
	MsgCancelCal   = "Falha de comunicação com o Google Calendar."
	MsgPartial     = "Sua consulta foi removida da agenda, mas houve uma falha ao atualizar nosso sistema. Nossa equipe já foi notificada."
	MsgProfileFail = "Não foi possível consultar seus agendamentos agora. Tente novamente em instantes."

	compensationTimeout = 10 * time.Second
)

// Outcome is the result of a saga run. Compensated is set when a calendar
// event was created and then deleted because the allocator refused it.
type Outcome struct {
	Status      model.Status
	Message     string
	Slot        int
	EventID     string
	Start       time.Time
	Compensated bool
}

type Saga struct {
	avail   Availability
	cal     Calendar
	store   Store
	cache   ProfileCache
	metrics *observability.Metrics
	now     func() time.Time
}

func New(avail Availability, cal Calendar, store Store, cache ProfileCache, m *observability.Metrics) *Saga {
	return &Saga{avail: avail, cal: cal, store: store, cache: cache, metrics: m, now: time.Now}
}

// SetClock overrides the time source.
func (s *Saga) SetClock(now func() time.Time) { s.now = now }

// Book reserves start for the user: validate, re-check availability,
// create the calendar event, then claim a slot.
func (s *Saga) Book(ctx context.Context, chatID, name string, start time.Time) Outcome {
	loc := s.avail.Location()
	start = start.In(loc)

	if s.avail.Past(start) || start.Before(s.now()) {
		return s.bookDone(chatID, Outcome{Status: model.StatusFailure, Message: MsgPastDate}, false)
	}
	if s.avail.Closed(start) {
		return s.bookDone(chatID, Outcome{Status: model.StatusFailure, Message: MsgClosedDay}, false)
	}

	free, err := s.avail.IsFree(ctx, start)
	if err != nil {
		appLog.Error("availability recheck failed", err, "chat_id", chatID, "start", start.Format(time.RFC3339))
		return s.bookDone(chatID, Outcome{Status: model.StatusError, Message: MsgCheckFailed}, false)
	}
	if !free {
		return s.bookDone(chatID, Outcome{Status: model.StatusFailure, Message: MsgSlotGone}, false)
	}

	ev, err := s.cal.CreateEvent(ctx, calendar.Summary(name, chatID), start, s.avail.Length())
	if err != nil {
		appLog.Error("calendar insert failed", err, "chat_id", chatID, "start", start.Format(time.RFC3339))
		s.audit(ctx, model.Metric{
			ClientID: chatID,
			EventID:  "tentativa_" + start.Format(time.RFC3339),
			Type:     model.MetricBooking,
			Status:   model.MetricFailed,
			Details:  fmt.Sprintf("Falha ao criar evento GCal. Motivo: %v", err),
		})
		return s.bookDone(chatID, Outcome{Status: model.StatusError, Message: MsgEventFailed}, false)
	}

	res := s.store.Assign(ctx, chatID, ev.ID, start)
	if !res.Status.OK() {
		s.compensate(ctx, chatID, ev.ID)
		s.audit(ctx, model.Metric{
			ClientID: chatID,
			EventID:  ev.ID,
			Type:     model.MetricBooking,
			Status:   model.MetricFailed,
			Details:  fmt.Sprintf("Falha: alocação negada. Evento GCal %s cancelado. Motivo: %s", ev.ID, res.Message),
		})
		return s.bookDone(chatID, Outcome{Status: res.Status, Message: res.Message, EventID: ev.ID, Start: start, Compensated: true}, true)
	}

	s.invalidate(ctx, chatID)
	date, hour := start.Format(model.DateLayout), start.Format(model.HourLayout)
	s.audit(ctx, model.Metric{
		ClientID: chatID,
		EventID:  ev.ID,
		Type:     model.MetricBooking,
		Status:   model.MetricSuccess,
		Details:  fmt.Sprintf("Consulta agendada para %s, as %s", date, hour),
	})
	appLog.Info("booking confirmed", "chat_id", chatID, "event_id", ev.ID, "slot", res.Slot)
	return s.bookDone(chatID, Outcome{
		Status:  model.StatusSuccess,
		Slot:    res.Slot,
		EventID: ev.ID,
		Start:   start,
		Message: fmt.Sprintf("Agendamento Confirmado, %s\nSua consulta foi marcada com sucesso para o dia *%s* às %s.\nFique tranquilo(a), enviaremos um lembrete próximo ao dia do evento.", name, date, hour),
	}, false)
}

// compensate deletes the event with a context that survives the caller's
// cancellation. A failure leaves an orphan event and is logged at error level.
func (s *Saga) compensate(ctx context.Context, chatID, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.cal.DeleteEvent(ctx, eventID); err != nil {
		appLog.Error("compensation failed, orphan calendar event", err, "chat_id", chatID, "event_id", eventID)
		return
	}
	appLog.Info("calendar event compensated", "chat_id", chatID, "event_id", eventID)
}

func (s *Saga) bookDone(chatID string, o Outcome, compensated bool) Outcome {
	s.metrics.Saga("book", string(o.Status), compensated)
	if !o.Status.OK() {
		appLog.Info("booking rejected", "chat_id", chatID, "status", o.Status, "compensated", compensated)
	}
	return o
}

// Cancel removes appointment number from the calendar and releases its slot.
// When the calendar delete succeeds but the release fails the result is
// ERROR_DB_CLEANUP.
func (s *Saga) Cancel(ctx context.Context, chatID string, number int) Outcome {
	p, err := s.store.Profile(ctx, chatID)
	if errors.Is(err, storeclient.ErrNotFound) {
		return s.cancelDone(ctx, chatID, number, "", Outcome{Status: model.StatusFailure, Message: MsgUnknownUser})
	}
	if err != nil {
		appLog.Error("profile fetch for cancel failed", err, "chat_id", chatID)
		return s.cancelDone(ctx, chatID, number, "", Outcome{Status: model.StatusError, Message: MsgProfileFail})
	}
	appt, ok := p.Appointment(number)
	if !ok {
		return s.cancelDone(ctx, chatID, number, "", Outcome{Status: model.StatusFailure, Message: MsgNoSuchAppt})
	}

	if err := s.cal.DeleteEvent(ctx, appt.EventID); err != nil {
		appLog.Error("calendar delete failed", err, "chat_id", chatID, "event_id", appt.EventID)
		return s.cancelDone(ctx, chatID, number, appt.EventID, Outcome{Status: model.StatusError, Message: MsgCancelCal, EventID: appt.EventID})
	}

	res := s.store.Release(ctx, chatID, appt.Slot)
	if !res.Status.OK() {
		appLog.Error("calendar cancelled but slot release failed", errors.New(res.Message),
			"chat_id", chatID, "slot", appt.Slot, "event_id", appt.EventID, "status", res.Status)
		return s.cancelDone(ctx, chatID, number, appt.EventID, Outcome{
			Status:  model.StatusDBCleanup,
			Message: MsgPartial,
			Slot:    appt.Slot,
			EventID: appt.EventID,
			Start:   appt.Start,
		})
	}

	s.invalidate(ctx, chatID)
	appLog.Info("appointment cancelled", "chat_id", chatID, "slot", appt.Slot, "event_id", appt.EventID)
	return s.cancelDone(ctx, chatID, number, appt.EventID, Outcome{
		Status:  model.StatusSuccess,
		Message: MsgCancelled,
		Slot:    appt.Slot,
		EventID: appt.EventID,
		Start:   appt.Start,
	})
}

func (s *Saga) cancelDone(ctx context.Context, chatID string, number int, eventID string, o Outcome) Outcome {
	s.metrics.Saga("cancel", string(o.Status), false)
	if eventID == "" {
		eventID = fmt.Sprintf("slot_%d_falha_ux", number)
	}
	details := fmt.Sprintf("Cancelamento do slot %d efetuado.", number)
	if !o.Status.OK() {
		details = fmt.Sprintf("Falha ao cancelar slot %d. Motivo: %s", number, o.Message)
	}
	s.audit(ctx, model.Metric{
		ClientID: chatID,
		EventID:  eventID,
		Type:     model.MetricCancellation,
		Status:   model.MetricStatusFor(o.Status),
		Details:  details,
	})
	return o
}

func (s *Saga) invalidate(ctx context.Context, chatID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateProfile(ctx, chatID); err != nil {
		appLog.Warn("profile cache not invalidated", "chat_id", chatID, "err", err.Error())
	}
}

// audit never changes the outcome; failures are logged.
func (s *Saga) audit(ctx context.Context, m model.Metric) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.store.LogMetric(ctx, m); err != nil {
		appLog.Warn("audit write failed", "chat_id", m.ClientID, "type", m.Type, "err", err.Error())
	}
}
