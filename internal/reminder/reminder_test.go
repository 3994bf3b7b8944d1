package reminder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/calendar"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/reminder"
)

var saoPaulo, _ = time.LoadLocation("America/Sao_Paulo")

var now = time.Date(2031, 3, 11, 8, 0, 0, 0, saoPaulo)

type fakeEvents struct {
	events   []calendar.Event
	err      error
	from, to time.Time
}

func (f *fakeEvents) ListEvents(_ context.Context, from, to time.Time) ([]calendar.Event, error) {
	f.from, f.to = from, to
	return f.events, f.err
}

type fakeSender struct {
	sent map[string]string
	fail map[string]bool
}

func (f *fakeSender) SendText(_ context.Context, chatID, text string) error {
	if f.fail[chatID] {
		return errors.New("waha: status 500")
	}
	f.sent[chatID] = text
	return nil
}

type fakeAudit struct{ rows []model.Metric }

func (f *fakeAudit) LogMetric(_ context.Context, m model.Metric) error {
	f.rows = append(f.rows, m)
	return nil
}

func setup(t *testing.T, events ...calendar.Event) (*reminder.Sweeper, *fakeEvents, *fakeSender, *fakeAudit) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rem := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1})
	t.Cleanup(func() { rdb.Close(); rem.Close() })

	ev := &fakeEvents{events: events}
	snd := &fakeSender{sent: map[string]string{}, fail: map[string]bool{}}
	aud := &fakeAudit{}
	s := reminder.New(ev, snd, cache.New(rdb, rem), aud, nil, saoPaulo)
	s.SetClock(func() time.Time { return now })
	return s, ev, snd, aud
}

func event(id, name, chat string, start time.Time) calendar.Event {
	return calendar.Event{ID: id, Summary: calendar.Summary(name, chat), Start: start, End: start.Add(time.Hour)}
}

func TestSweepWindow(t *testing.T) {
	s, ev, _, _ := setup(t)
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.from.Equal(now.Add(2*time.Hour)))
	assert.True(t, ev.to.Equal(now.Add(2*time.Hour+20*time.Minute)))
}

func TestSweepSendsOnce(t *testing.T) {
	start := now.Add(2*time.Hour + 10*time.Minute)
	s, _, snd, aud := setup(t, event("evt1", "Ana Souza", "5511@c.us", start.UTC()))
	ctx := context.Background()

	r, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, reminder.Report{Seen: 1, Sent: 1}, r)
	assert.Equal(t, "Olá Ana Souza, sua consulta será às 10:10. Este é um lembrete automático portanto não precisa responder, esperamos por você!", snd.sent["5511@c.us"])
	require.Len(t, aud.rows, 1)
	assert.Equal(t, model.MetricReminder, aud.rows[0].Type)
	assert.Equal(t, model.MetricSuccess, aud.rows[0].Status)
	assert.Equal(t, "evt1", aud.rows[0].EventID)

	r, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, reminder.Report{Seen: 1, Skipped: 1}, r)
	assert.Len(t, aud.rows, 1)
}

func TestSweepSkipsForeignEvents(t *testing.T) {
	start := now.Add(2 * time.Hour)
	s, _, snd, _ := setup(t,
		calendar.Event{ID: "evt1", Summary: "Reunião interna", Start: start},
		calendar.Event{ID: "", Summary: calendar.Summary("Ana", "5511@c.us"), Start: start},
	)
	r, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Skipped)
	assert.Empty(t, snd.sent)
}

func TestSweepRecordsSendFailure(t *testing.T) {
	start := now.Add(2 * time.Hour)
	s, _, snd, aud := setup(t,
		event("evt1", "Ana", "5511@c.us", start),
		event("evt2", "Bruno", "5522@c.us", start.Add(5*time.Minute)),
	)
	snd.fail["5511@c.us"] = true

	r, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reminder.Report{Seen: 2, Sent: 1, Failed: 1}, r)
	require.Len(t, aud.rows, 2)
	assert.Equal(t, model.MetricFailed, aud.rows[0].Status)
	assert.Contains(t, aud.rows[0].Details, "Erro ao enviar")
	assert.Equal(t, model.MetricSuccess, aud.rows[1].Status)
}

func TestSweepListFailure(t *testing.T) {
	s, ev, _, _ := setup(t)
	ev.err = calendar.ErrNotConfigured
	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, calendar.ErrNotConfigured)
}
