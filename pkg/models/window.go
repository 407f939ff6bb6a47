package models

import "time"

// WindowKind is the size of a usage accounting window.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// WindowKinds lists every kind a request is checked against, narrowest first.
var WindowKinds = []WindowKind{WindowMinute, WindowHour, WindowDay}

// Start truncates t to the start of its UTC window.
func (k WindowKind) Start(t time.Time) time.Time {
	t = t.UTC()
	switch k {
	case WindowMinute:
		return t.Truncate(time.Minute)
	case WindowHour:
		return t.Truncate(time.Hour)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive end of the window that starts at start.
func (k WindowKind) End(start time.Time) time.Time {
	switch k {
	case WindowMinute:
		return start.Add(time.Minute)
	case WindowHour:
		return start.Add(time.Hour)
	default:
		return start.AddDate(0, 0, 1)
	}
}
