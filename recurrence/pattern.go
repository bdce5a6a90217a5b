// Package recurrence computes the next fire time of a workflow's recurring
// schedule.
package recurrence

import (
	"strconv"
	"strings"

	"github.com/sendloop/sendloop/errors"
)

// Frequency is the repetition unit of a Pattern.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Pattern is the recurring part of a workflow's schedule configuration.
// Time is a local wall-clock "HH:MM" in the scheduler's zone.
type Pattern struct {
	Frequency Frequency `json:"frequency" yaml:"frequency"`
	Time      string    `json:"time" yaml:"time"`
	// DaysOfWeek uses 0=Sunday..6=Saturday and only applies to weekly.
	DaysOfWeek []int `json:"daysOfWeek,omitempty" yaml:"daysOfWeek,omitempty"`
	// DayOfMonth pins monthly patterns to a calendar day (1..31). Months
	// shorter than the pinned day fire on their last day. Zero anchors on
	// the day the computation starts from; see Anchored.
	DayOfMonth int `json:"dayOfMonth,omitempty" yaml:"dayOfMonth,omitempty"`
}

// Anchored pins an unpinned monthly pattern to day. Other patterns come
// back unchanged.
func (p Pattern) Anchored(day int) Pattern {
	if p.Frequency == Monthly && p.DayOfMonth == 0 && day >= 1 && day <= 31 {
		p.DayOfMonth = day
	}
	return p
}

// Validate rejects patterns NextFireTime cannot evaluate.
func (p Pattern) Validate() error {
	switch p.Frequency {
	case Daily, Weekly, Monthly:
	default:
		return errors.NewInvalidRequestError("unknown recurrence frequency %q", p.Frequency)
	}

	if _, _, err := ParseTimeOfDay(p.Time); err != nil {
		return err
	}

	for _, d := range p.DaysOfWeek {
		if d < 0 || d > 6 {
			return errors.NewInvalidRequestError("day of week %d out of range 0-6", d)
		}
	}

	if p.DayOfMonth < 0 || p.DayOfMonth > 31 {
		return errors.NewInvalidRequestError("day of month %d out of range 1-31", p.DayOfMonth)
	}

	return nil
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, errors.NewInvalidRequestError("time %q is not HH:MM", s)
	}

	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.NewInvalidRequestError("time %q has invalid hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.NewInvalidRequestError("time %q has invalid minute", s)
	}

	return hour, minute, nil
}
