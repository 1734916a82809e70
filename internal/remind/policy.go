package remind

import (
	"fmt"
	"time"

	"readmark/internal/clock"
)

// Policy selects how far out a read-reminder lands. All policies resolve to
// 09:00 wall-clock time in the user's zone, N calendar days after the save.
type Policy string

const (
	PolicyDefault  Policy = "default" // next calendar day, same as tomorrow
	PolicyTomorrow Policy = "tomorrow"
	PolicyIn2Days  Policy = "in2days"
	PolicyIn3Days  Policy = "in3days"
)

const reminderHour = 9

// ParsePolicy validates a policy string. Empty means PolicyDefault.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyDefault, nil
	case PolicyDefault, PolicyTomorrow, PolicyIn2Days, PolicyIn3Days:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown reminder policy %q", s)
	}
}

func (p Policy) days() int {
	switch p {
	case PolicyIn2Days:
		return 2
	case PolicyIn3Days:
		return 3
	default:
		return 1
	}
}

// DueAt computes the UTC due instant for a link saved at savedAt by a user
// in zone tz.
//
// The 09:00 target is resolved in local wall-clock terms via time.Date in
// the user's location, so crossing a daylight-saving transition yields the
// correct UTC offset for the target day, not the save day.
//
// An unset or invalid tz fails with clock.ErrInvalidTimezone unless
// fallbackUTC is set, in which case the computation proceeds in UTC.
func DueAt(savedAt time.Time, tz string, p Policy, fallbackUTC bool) (time.Time, error) {
	loc, err := clock.LoadZone(tz)
	if err != nil {
		if !fallbackUTC {
			return time.Time{}, err
		}
		loc = time.UTC
	}
	return at0900(savedAt, loc, p.days()), nil
}

// SnoozeDueAt computes the due instant for a snoozed reminder: tomorrow at
// 09:00 local, relative to the instant the user snoozed (not the original
// due time).
func SnoozeDueAt(firedAt time.Time, tz string, fallbackUTC bool) (time.Time, error) {
	loc, err := clock.LoadZone(tz)
	if err != nil {
		if !fallbackUTC {
			return time.Time{}, err
		}
		loc = time.UTC
	}
	return at0900(firedAt, loc, 1), nil
}

func at0900(base time.Time, loc *time.Location, days int) time.Time {
	local := base.In(loc)
	// time.Date normalizes the day offset and resolves the wall-clock hour
	// against the zone's rules for that calendar day.
	target := time.Date(local.Year(), local.Month(), local.Day()+days, reminderHour, 0, 0, 0, loc)
	return target.UTC()
}
