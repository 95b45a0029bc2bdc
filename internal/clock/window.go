package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a weekly working window: an HH:MM range (end inclusive)
// applied on a set of ISO weekdays (1=Monday .. 7=Sunday).
//
// Overnight windows (start > end, e.g. 22:00-06:00) wrap past midnight;
// the day filter applies to the day the window started on.
type Window struct {
	startMin int
	endMin   int
	days     map[time.Weekday]bool
	loc      *time.Location
}

// NewWindow builds a Window from config values.
// An empty days slice means every day.
func NewWindow(start, end string, days []int, loc *time.Location) (Window, error) {
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return Window{}, err
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return Window{}, err
	}
	if loc == nil {
		loc = time.Local
	}

	w := Window{
		startMin: sh*60 + sm,
		endMin:   eh*60 + em,
		days:     map[time.Weekday]bool{},
		loc:      loc,
	}
	for _, d := range days {
		if d < 1 || d > 7 {
			return Window{}, fmt.Errorf("working day %d out of range 1..7", d)
		}
		// ISO 7 (Sunday) maps to time.Sunday (0).
		w.days[time.Weekday(d%7)] = true
	}
	return w, nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.loc != nil {
		t = t.In(w.loc)
	}
	minute := t.Hour()*60 + t.Minute()

	if w.startMin <= w.endMin {
		return w.dayEnabled(t.Weekday()) && minute >= w.startMin && minute <= w.endMin
	}

	// Overnight: the tail before endMin belongs to the previous day's window.
	if minute >= w.startMin {
		return w.dayEnabled(t.Weekday())
	}
	if minute <= w.endMin {
		return w.dayEnabled(t.Add(-24 * time.Hour).Weekday())
	}
	return false
}

func (w Window) dayEnabled(d time.Weekday) bool {
	if len(w.days) == 0 {
		return true
	}
	return w.days[d]
}

func (w Window) Location() *time.Location {
	if w.loc == nil {
		return time.Local
	}
	return w.loc
}

// ParseHHMM parses a "HH:MM" clock value.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
