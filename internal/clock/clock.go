// Package clock abstracts time so scheduling logic stays testable.
//
// Everything in the reminder core takes its notion of "now" from a Clock
// instead of calling time.Now directly. Tests substitute a Fake and move
// time by hand.
package clock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrInvalidTimezone reports an unknown or empty IANA zone identifier.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Clock supplies the current instant (always UTC).
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// LoadZone resolves an IANA zone name (e.g. "Europe/Berlin").
// An empty or unknown name yields ErrInvalidTimezone; zones are never
// guessed from offsets.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// ToLocal converts a UTC instant to wall-clock time in the given zone.
func ToLocal(t time.Time, loc *time.Location) time.Time {
	return t.In(loc)
}

// ToUTC converts a local wall-clock time back to a UTC instant.
func ToUTC(t time.Time) time.Time { return t.UTC() }

// Fake is a manually advanced Clock for tests.
// The zero value starts at the Unix epoch; use NewFake to pick a start.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}
