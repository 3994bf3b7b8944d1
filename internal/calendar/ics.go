package calendar

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"clinic-scheduler/internal/model"
)

// ExportICS renders the profile's active appointments as an iCalendar feed.
func ExportICS(p model.Profile, length time.Duration, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//clinic-scheduler//appointments//PT")
	cal.SetName(fmt.Sprintf("Consultas de %s", p.Name))

	for _, a := range p.Appointments {
		uid := a.EventID
		if uid == "" {
			uid = fmt.Sprintf("%s-%d", p.ChatID, a.Slot)
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(now.UTC())
		ev.SetStartAt(a.Start.UTC())
		ev.SetEndAt(a.Start.Add(length).UTC())
		ev.SetSummary(fmt.Sprintf("Consulta %d", a.Number))
		ev.SetDescription(fmt.Sprintf("Consulta agendada para %s às %s", a.Date, a.Hour))
	}
	return cal.Serialize()
}
