package clock

import (
	"errors"
	"testing"
	"time"
)

func TestLoadZone(t *testing.T) {
	t.Parallel()
	loc, err := LoadZone("America/New_York")
	if err != nil {
		t.Fatalf("LoadZone error: %v", err)
	}
	if loc.String() != "America/New_York" {
		t.Fatalf("unexpected zone: %s", loc)
	}
}

func TestLoadZoneInvalid(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "   ", "Mars/Olympus", "UTC+5"} {
		if _, err := LoadZone(name); !errors.Is(err, ErrInvalidTimezone) {
			t.Fatalf("LoadZone(%q) = %v, want ErrInvalidTimezone", name, err)
		}
	}
}

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	fc := NewFake(start)
	if !fc.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", fc.Now(), start)
	}
	fc.Advance(90 * time.Second)
	if got := fc.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("after Advance: %v", got)
	}
	fc.Set(start)
	if !fc.Now().Equal(start) {
		t.Fatalf("after Set: %v", fc.Now())
	}
}

func TestRoundTripConversion(t *testing.T) {
	t.Parallel()
	loc, err := LoadZone("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadZone error: %v", err)
	}
	utc := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	local := ToLocal(utc, loc)
	if local.Hour() != 21 {
		t.Fatalf("Tokyo hour = %d, want 21", local.Hour())
	}
	if back := ToUTC(local); !back.Equal(utc) {
		t.Fatalf("round trip = %v, want %v", back, utc)
	}
}
