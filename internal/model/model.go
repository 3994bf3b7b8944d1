package model

import (
	"sort"
	"time"
)

// MaxSlots is the number of appointments a user may hold at once.
const MaxSlots = 2

type User struct {
	ChatID    string
	Name      string
	Slots     [MaxSlots]Slot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one of a user's two appointment ownership records.
// An empty EventID means the slot holds nothing.
type Slot struct {
	Index   int
	Start   time.Time
	EventID string
}

func (s Slot) Occupied() bool { return s.EventID != "" }

// FreeAt reports whether the slot can take a new booking at now.
// An occupied slot whose instant already passed is reclaimable.
func (s Slot) FreeAt(now time.Time) bool {
	return !s.Occupied() || s.Start.Before(now)
}

// NewUser returns a user with slot indexes set and nothing booked.
func NewUser(chatID, name string) *User {
	u := &User{ChatID: chatID, Name: name}
	for i := range u.Slots {
		u.Slots[i].Index = i + 1
	}
	return u
}

// FreeSlot returns the index of the slot a new booking should land in,
// or 0 when both are taken.
func (u *User) FreeSlot(now time.Time) int {
	for _, s := range u.Slots {
		if s.FreeAt(now) {
			return s.Index
		}
	}
	return 0
}

// Slot returns the slot with the given 1-based index.
func (u *User) Slot(index int) (Slot, bool) {
	if index < 1 || index > MaxSlots {
		return Slot{}, false
	}
	return u.Slots[index-1], true
}

// HoldsEvent reports whether any slot other than skip references eventID.
func (u *User) HoldsEvent(eventID string, skip int) bool {
	for _, s := range u.Slots {
		if s.Index != skip && s.Occupied() && s.EventID == eventID {
			return true
		}
	}
	return false
}

// ActiveAppointments lists occupied slots starting at or after now, earliest first.
func (u *User) ActiveAppointments(now time.Time, loc *time.Location) []Appointment {
	var out []Appointment
	for _, s := range u.Slots {
		if !s.Occupied() || s.Start.Before(now) {
			continue
		}
		out = append(out, NewAppointment(s, loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Profile builds the read model cached per chat.
func (u *User) Profile(now time.Time, loc *time.Location) Profile {
	return Profile{
		ChatID:       u.ChatID,
		Name:         u.Name,
		Appointments: u.ActiveAppointments(now, loc),
	}
}

// Appointment is the denormalized view of an occupied slot.
type Appointment struct {
	Number  int       `json:"appointment_number"`
	Date    string    `json:"data"`
	Hour    string    `json:"hora"`
	Slot    int       `json:"slot"`
	EventID string    `json:"gcal_id"`
	Start   time.Time `json:"datetime_iso"`
}

func NewAppointment(s Slot, loc *time.Location) Appointment {
	local := s.Start.In(loc)
	return Appointment{
		Number:  s.Index,
		Date:    local.Format(DateLayout),
		Hour:    local.Format(HourLayout),
		Slot:    s.Index,
		EventID: s.EventID,
		Start:   s.Start,
	}
}

type Profile struct {
	ChatID       string        `json:"chat_id"`
	Name         string        `json:"username"`
	Appointments []Appointment `json:"appointments"`
}

// Appointment returns the appointment shown to the user under number.
func (p *Profile) Appointment(number int) (Appointment, bool) {
	for _, a := range p.Appointments {
		if a.Number == number {
			return a, true
		}
	}
	return Appointment{}, false
}

// Display layouts used in user-facing text.
const (
	DateLayout     = "02/01/2006"
	HourLayout     = "15:04"
	ShortLayout    = "02/01 - 15:04"
	DateHourLayout = "02/01/2006 às 15:04"
	DayLayout      = "2006-01-02"
)
