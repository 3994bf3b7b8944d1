// Package availability finds free 60-minute starts on the shared calendar.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"clinic-scheduler/internal/calendar"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
)

// BusySource reports occupied intervals for a time range.
type BusySource interface {
	Busy(ctx context.Context, from, to time.Time) ([]calendar.Busy, error)
}

const (
	NoSlotsAhead = "Nenhum horário disponível foi encontrado nas próximas quatro semanas úteis."
	notReady     = "Erro: serviço de agenda não inicializado."
)

// Slot is a free start time.
type Slot struct {
	Start time.Time
}

func (s Slot) Hour() string  { return s.Start.Format(model.HourLayout) }
func (s Slot) Label() string { return s.Start.Format(model.ShortLayout) }
func (s Slot) ISO() string   { return s.Start.Format(time.RFC3339) }

// Result is the outcome of a search. An empty SUCCESS result carries a
// message for the user; ERROR means the calendar could not be read.
type Result struct {
	Status  model.Status
	Slots   []Slot
	Message string
}

type Options struct {
	Location *time.Location
	// ClosedDays is an RRULE matching days without service. Empty means open every day.
	ClosedDays string
	OpenHour   int
	CloseHour  int
	Length     time.Duration
	// Margin hides starts closer than this to now.
	Margin  time.Duration
	Windows []int
}

func (o *Options) defaults() {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.OpenHour == 0 && o.CloseHour == 0 {
		o.OpenHour, o.CloseHour = 7, 20
	}
	if o.Length <= 0 {
		o.Length = time.Hour
	}
	if o.Margin == 0 {
		o.Margin = 30 * time.Minute
	}
	if len(o.Windows) == 0 {
		o.Windows = []int{4, 10, 30}
	}
}

type Searcher struct {
	cal    BusySource
	opts   Options
	closed *rrule.ROption
	now    func() time.Time
}

// New builds a searcher. cal may be nil; every search then reports ERROR.
func New(cal BusySource, opts Options) (*Searcher, error) {
	opts.defaults()
	s := &Searcher{cal: cal, opts: opts, now: time.Now}
	if opts.ClosedDays != "" {
		ro, err := rrule.StrToROption(opts.ClosedDays)
		if err != nil {
			return nil, fmt.Errorf("closed days rule %q: %w", opts.ClosedDays, err)
		}
		s.closed = ro
	}
	return s, nil
}

// SetClock overrides the time source.
func (s *Searcher) SetClock(now func() time.Time) { s.now = now }

func (s *Searcher) Location() *time.Location { return s.opts.Location }

// Length is the fixed appointment duration.
func (s *Searcher) Length() time.Duration { return s.opts.Length }

func (s *Searcher) midnight(t time.Time) time.Time {
	t = t.In(s.opts.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.opts.Location)
}

// Closed reports whether the calendar day containing t has no service.
func (s *Searcher) Closed(t time.Time) bool {
	if s.closed == nil {
		return false
	}
	day := s.midnight(t)
	opt := *s.closed
	opt.Dtstart = day.AddDate(0, 0, -7)
	r, err := rrule.NewRRule(opt)
	if err != nil {
		appLog.Error("closed days rule rejected", err)
		return false
	}
	return len(r.Between(day, day.AddDate(0, 0, 1).Add(-time.Second), true)) > 0
}

// Past reports whether the day containing t is before today.
func (s *Searcher) Past(t time.Time) bool {
	return s.midnight(t).Before(s.midnight(s.now()))
}

// free lists the free starts on the day containing date.
func (s *Searcher) free(ctx context.Context, date time.Time) ([]Slot, error) {
	if s.cal == nil {
		return nil, calendar.ErrNotConfigured
	}
	day := s.midnight(date)
	open := day.Add(time.Duration(s.opts.OpenHour) * time.Hour)
	closeAt := day.Add(time.Duration(s.opts.CloseHour) * time.Hour)

	busy, err := s.cal.Busy(ctx, open, closeAt)
	if err != nil {
		return nil, err
	}

	earliest := s.now().Add(s.opts.Margin)
	var out []Slot
	for start := open; start.Before(closeAt); start = start.Add(s.opts.Length) {
		// starts are ascending, so this only trims a prefix of today
		if start.Before(earliest) {
			continue
		}
		end := start.Add(s.opts.Length)
		taken := false
		for _, b := range busy {
			if b.Overlaps(start, end) {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, Slot{Start: start})
		}
	}
	return out, nil
}

func errorResult(err error) Result {
	if err == calendar.ErrNotConfigured {
		return Result{Status: model.StatusError, Message: notReady}
	}
	return Result{Status: model.StatusError, Message: fmt.Sprintf("Erro inesperado ao buscar horários disponíveis: %v", err)}
}

// Day lists free starts on date. A fully booked day is SUCCESS with no slots.
func (s *Searcher) Day(ctx context.Context, date time.Time) Result {
	slots, err := s.free(ctx, date)
	if err != nil {
		appLog.Error("day availability failed", err, "date", date.Format(model.DayLayout))
		return errorResult(err)
	}
	if len(slots) == 0 {
		return Result{
			Status:  model.StatusSuccess,
			Message: fmt.Sprintf("Não há horários disponíveis para %s.", s.midnight(date).Format(model.DayLayout)),
		}
	}
	return Result{Status: model.StatusSuccess, Slots: slots}
}

// DayString is Day for a YYYY-MM-DD string.
func (s *Searcher) DayString(ctx context.Context, v string) Result {
	d, err := time.ParseInLocation(model.DayLayout, v, s.opts.Location)
	if err != nil {
		return Result{Status: model.StatusError, Message: fmt.Sprintf("Formato inválido para a data: '%s'. Use 'YYYY-MM-DD'.", v)}
	}
	return s.Day(ctx, d)
}

// Next collects up to limit free starts, scanning day by day over widening
// windows and skipping closed days. Each window continues where the previous
// one stopped.
func (s *Searcher) Next(ctx context.Context, limit int) Result {
	if limit <= 0 {
		limit = 3
	}
	today := s.midnight(s.now())
	var found []Slot
	scanned := 0
	for _, window := range s.opts.Windows {
		appLog.Debug("escalating search", "window_days", window, "from_offset", scanned)
		for i := scanned; i < window; i++ {
			day := today.AddDate(0, 0, i)
			if s.Closed(day) {
				continue
			}
			slots, err := s.free(ctx, day)
			if err != nil {
				appLog.Error("escalating search failed", err, "date", day.Format(model.DayLayout))
				return errorResult(err)
			}
			for _, sl := range slots {
				found = append(found, sl)
				if len(found) >= limit {
					return Result{Status: model.StatusSuccess, Slots: found}
				}
			}
		}
		if window > scanned {
			scanned = window
		}
	}
	if len(found) > 0 {
		return Result{Status: model.StatusSuccess, Slots: found}
	}
	return Result{Status: model.StatusSuccess, Message: NoSlotsAhead}
}

// IsFree is the last-second check before a booking: start must be one of
// the free starts of its day.
func (s *Searcher) IsFree(ctx context.Context, start time.Time) (bool, error) {
	slots, err := s.free(ctx, start)
	if err != nil {
		return false, err
	}
	for _, sl := range slots {
		if sl.Start.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}
