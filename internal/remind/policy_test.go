package remind

import (
	"errors"
	"testing"
	"time"

	"readmark/internal/clock"
)

func TestDueAtDefaultIsNextDayNineLocal(t *testing.T) {
	t.Parallel()
	saved := time.Date(2024, 5, 14, 20, 30, 0, 0, time.UTC)

	due, err := DueAt(saved, "Europe/Berlin", PolicyDefault, false)
	if err != nil {
		t.Fatalf("DueAt error: %v", err)
	}
	loc, _ := time.LoadLocation("Europe/Berlin")
	local := due.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("local time-of-day = %02d:%02d, want 09:00", local.Hour(), local.Minute())
	}
	// Saved 22:30 Berlin on May 14; due the next calendar day.
	if local.Year() != 2024 || local.Month() != time.May || local.Day() != 15 {
		t.Fatalf("local date = %v, want 2024-05-15", local.Format("2006-01-02"))
	}
	if !due.After(saved) {
		t.Fatal("due instant not after save instant")
	}
}

func TestDueAtCrossesSpringForward(t *testing.T) {
	t.Parallel()
	// Saved just before the US spring-forward; the target day is on EDT
	// (UTC-4), so local 09:00 must resolve to 13:00Z, not 14:00Z.
	saved := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)

	due, err := DueAt(saved, "America/New_York", PolicyDefault, false)
	if err != nil {
		t.Fatalf("DueAt error: %v", err)
	}
	want := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtPolicyOffsets(t *testing.T) {
	t.Parallel()
	saved := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		policy  Policy
		wantDay int
	}{
		{PolicyDefault, 2},
		{PolicyTomorrow, 2},
		{PolicyIn2Days, 3},
		{PolicyIn3Days, 4},
	}
	for _, tt := range tests {
		due, err := DueAt(saved, "UTC", tt.policy, false)
		if err != nil {
			t.Fatalf("DueAt(%s) error: %v", tt.policy, err)
		}
		if due.Day() != tt.wantDay || due.Hour() != 9 {
			t.Fatalf("DueAt(%s) = %v, want day %d at 09:00", tt.policy, due, tt.wantDay)
		}
	}
}

func TestDueAtInvalidZone(t *testing.T) {
	t.Parallel()
	saved := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	if _, err := DueAt(saved, "Not/AZone", PolicyDefault, false); !errors.Is(err, clock.ErrInvalidTimezone) {
		t.Fatalf("err = %v, want ErrInvalidTimezone", err)
	}

	// Explicit opt-in falls back to UTC.
	due, err := DueAt(saved, "Not/AZone", PolicyDefault, true)
	if err != nil {
		t.Fatalf("DueAt with fallback error: %v", err)
	}
	want := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("fallback due = %v, want %v", due, want)
	}
}

func TestSnoozeDueAt(t *testing.T) {
	t.Parallel()
	fired := time.Date(2024, 5, 14, 13, 7, 0, 0, time.UTC) // 15:07 Berlin

	due, err := SnoozeDueAt(fired, "Europe/Berlin", false)
	if err != nil {
		t.Fatalf("SnoozeDueAt error: %v", err)
	}
	if !due.After(fired) {
		t.Fatal("snooze due not strictly after fire instant")
	}
	loc, _ := time.LoadLocation("Europe/Berlin")
	local := due.In(loc)
	if local.Hour() != 9 || local.Day() != 15 {
		t.Fatalf("snooze target = %v, want May 15 09:00 local", local)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	if p, err := ParsePolicy(""); err != nil || p != PolicyDefault {
		t.Fatalf("empty policy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("next_week"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
