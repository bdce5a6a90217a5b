// Package clock converts between the canonical instant form stored by the
// scheduler (UTC) and the configured local zone in which recurrence
// patterns are expressed.
package clock

import (
	"sync"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/sendloop/sendloop/errors"
)

// Clock supplies the current instant. Production code uses System; tests
// use Fixed.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed returns a Fixed clock at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

// Now returns the current fixed instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// LocalDateTime is a wall-clock reading in the service's zone, without an
// offset.
type LocalDateTime struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// Service is the timezone service: it knows the configured zone and the
// current instant.
type Service struct {
	loc   *time.Location
	clock Clock
}

// NewService loads the named IANA zone.
func NewService(zone string, c Clock) (*Service, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", zone)
	}
	return NewServiceIn(loc, c), nil
}

// NewServiceIn builds a service around an already loaded location.
func NewServiceIn(loc *time.Location, c Clock) *Service {
	if c == nil {
		c = System{}
	}
	return &Service{loc: loc, clock: c}
}

// Location returns the configured zone.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the current instant in canonical (UTC) form.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

// ToLocal converts a canonical instant into the configured zone.
func (s *Service) ToLocal(t time.Time) time.Time {
	return t.In(s.loc)
}

// ToCanonical converts a local wall-clock reading into a UTC instant.
// Readings that fall in a DST gap or overlap resolve the way time.Date does.
func (s *Service) ToCanonical(l LocalDateTime) time.Time {
	return time.Date(l.Year, l.Month, l.Day, l.Hour, l.Minute, l.Second, 0, s.loc).UTC()
}
