package clock

import (
	"testing"
	"time"
)

func mustWindow(t *testing.T, start, end string, days []int) Window {
	t.Helper()
	w, err := NewWindow(start, end, days, time.UTC)
	if err != nil {
		t.Fatalf("NewWindow(%q, %q): %v", start, end, err)
	}
	return w
}

func TestWindowContains(t *testing.T) {
	t.Parallel()

	// 2026-01-05 is a Monday.
	monday := func(hh, mm int) time.Time {
		return time.Date(2026, 1, 5, hh, mm, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		w     Window
		at    time.Time
		wants bool
	}{
		{"inside", mustWindow(t, "09:00", "18:00", nil), monday(12, 0), true},
		{"start edge", mustWindow(t, "09:00", "18:00", nil), monday(9, 0), true},
		{"end edge inclusive", mustWindow(t, "09:00", "18:00", nil), monday(18, 0), true},
		{"after end", mustWindow(t, "09:00", "18:00", nil), monday(18, 1), false},
		{"before start", mustWindow(t, "09:00", "18:00", nil), monday(8, 59), false},
		{"weekday enabled", mustWindow(t, "00:00", "23:59", []int{1, 2, 3, 4, 5}), monday(12, 0), true},
		{"weekend disabled", mustWindow(t, "00:00", "23:59", []int{1, 2, 3, 4, 5}), monday(12, 0).AddDate(0, 0, 5), false},
		{"overnight evening side", mustWindow(t, "22:00", "06:00", nil), monday(23, 0), true},
		{"overnight morning side", mustWindow(t, "22:00", "06:00", nil), monday(5, 30), true},
		{"overnight gap", mustWindow(t, "22:00", "06:00", nil), monday(12, 0), false},
		// Overnight Monday window spills into Tuesday morning even when
		// Tuesday itself is not a working day.
		{"overnight day carry", mustWindow(t, "22:00", "06:00", []int{1}), monday(2, 0).AddDate(0, 0, 1), true},
		{"overnight day carry off", mustWindow(t, "22:00", "06:00", []int{2}), monday(2, 0).AddDate(0, 0, 1), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.w.Contains(tt.at); got != tt.wants {
				t.Fatalf("Contains(%v) = %v, want %v", tt.at, got, tt.wants)
			}
		})
	}
}

func TestParseHHMMInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "24:00", "12:60", "noon", "9"} {
		if _, _, err := ParseHHMM(raw); err == nil {
			t.Fatalf("ParseHHMM(%q): expected error", raw)
		}
	}
}

func TestDayKey(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	if got := DayKey(at, time.UTC); got != "2026-03-01" {
		t.Fatalf("DayKey = %q", got)
	}
	if SameDay(at, at.Add(20*time.Minute), time.UTC) {
		t.Fatal("SameDay across midnight should be false")
	}
}
