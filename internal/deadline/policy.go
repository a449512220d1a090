// Package deadline decides which changes a patient may still make to an
// appointment, given the appointment's calendar date and the current time.
//
// The result is a pure function of its inputs and is meant to be recomputed
// on every read. Comparisons happen at day granularity. The appointment date
// is a calendar date and keeps its own year, month and day whatever zone the
// time.Time carries. Only now is projected into the policy location.
package deadline

import (
	"strings"
	"time"
)

const (
	CancelWindowDays     = 2
	RescheduleWindowDays = 1
)

// Window is the set of actions still permitted for an appointment.
type Window int

const (
	WindowNone Window = iota
	WindowRescheduleOnly
	WindowCancelAndReschedule
)

func (w Window) CanCancel() bool {
	return w == WindowCancelAndReschedule
}

func (w Window) CanReschedule() bool {
	return w == WindowCancelAndReschedule || w == WindowRescheduleOnly
}

func (w Window) String() string {
	switch w {
	case WindowCancelAndReschedule:
		return "cancel_and_reschedule"
	case WindowRescheduleOnly:
		return "reschedule_only"
	default:
		return "none"
	}
}

type Policy struct {
	CancelWindowDays     int
	RescheduleWindowDays int
	// Location decides which calendar day now falls on. Nil means UTC.
	Location *time.Location
}

func Default() Policy {
	return Policy{
		CancelWindowDays:     CancelWindowDays,
		RescheduleWindowDays: RescheduleWindowDays,
		Location:             time.UTC,
	}
}

// Evaluate returns the permitted window for an appointment on appointmentDate
// as seen at now. A zero appointment date or now is treated as ill-formed and
// yields WindowNone.
func (p Policy) Evaluate(appointmentDate, now time.Time) Window {
	if appointmentDate.IsZero() || now.IsZero() {
		return WindowNone
	}

	cancelBy, rescheduleBy := p.Deadlines(appointmentDate)
	today := p.calendarDay(now.In(p.location()))

	switch {
	case !today.After(cancelBy):
		return WindowCancelAndReschedule
	case !today.After(rescheduleBy):
		return WindowRescheduleOnly
	default:
		return WindowNone
	}
}

// EvaluateString is Evaluate for dates that arrive as text. Unparseable input
// fails closed.
func (p Policy) EvaluateString(appointmentDate string, now time.Time) Window {
	d, ok := p.parse(appointmentDate)
	if !ok {
		return WindowNone
	}
	return p.Evaluate(d, now)
}

// Deadlines returns the last calendar day on which the appointment may be
// cancelled and the last day on which it may be rescheduled.
func (p Policy) Deadlines(appointmentDate time.Time) (cancelBy, rescheduleBy time.Time) {
	d := p.calendarDay(appointmentDate)
	return d.AddDate(0, 0, -p.CancelWindowDays), d.AddDate(0, 0, -p.RescheduleWindowDays)
}

// calendarDay keeps t's own date parts. Stores hand DATE columns back as
// midnight UTC, and converting those west of UTC would move them a day back.
func (p Policy) calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.location())
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

var layouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func (p Policy) parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, p.location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Evaluate applies the default policy.
func Evaluate(appointmentDate, now time.Time) Window {
	return Default().Evaluate(appointmentDate, now)
}
