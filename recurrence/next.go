package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
)

// fieldParser reads the five-field expressions built by cronSpec.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Calculator evaluates patterns in the clock service's zone.
type Calculator struct {
	tz *clock.Service
}

// NewCalculator returns a Calculator bound to tz.
func NewCalculator(tz *clock.Service) *Calculator {
	return &Calculator{tz: tz}
}

// NextFireTime returns the earliest occurrence of p strictly after from,
// in canonical (UTC) form. An occurrence equal to from at second precision
// counts as passed.
func (c *Calculator) NextFireTime(p Pattern, from time.Time) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	hour, minute, _ := ParseTimeOfDay(p.Time)

	if p.Frequency == Monthly {
		return c.nextMonthly(p, hour, minute, from), nil
	}

	sched, err := c.cronSchedule(p, hour, minute, from)
	if err != nil {
		return time.Time{}, err
	}
	// cron's Next starts from the second after from, which gives the
	// strict ordering required above.
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.Newf("no occurrence of %s %s found", p.Frequency, p.Time)
	}
	return next.UTC(), nil
}

// cronSchedule builds the daily or weekly schedule in the service zone.
// Weekly patterns without explicit days repeat on from's local weekday.
func (c *Calculator) cronSchedule(p Pattern, hour, minute int, from time.Time) (*cron.SpecSchedule, error) {
	dow := "*"
	if p.Frequency == Weekly {
		days := p.DaysOfWeek
		if len(days) == 0 {
			days = []int{int(c.tz.ToLocal(from).Weekday())}
		}
		dow = joinDays(days)
	}

	expr := strconv.Itoa(minute) + " " + strconv.Itoa(hour) + " * * " + dow
	parsed, err := fieldParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "build schedule %q", expr)
	}
	sched, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, errors.Newf("unexpected schedule type %T", parsed)
	}
	sched.Location = c.tz.Location()
	return sched, nil
}

// nextMonthly walks this month then next month, clamping the anchor day to
// each month's length.
func (c *Calculator) nextMonthly(p Pattern, hour, minute int, from time.Time) time.Time {
	local := c.tz.ToLocal(from)
	anchor := p.DayOfMonth
	if anchor == 0 {
		anchor = local.Day()
	}
	threshold := from.Truncate(time.Second)

	for offset := 0; ; offset++ {
		first := time.Date(local.Year(), local.Month()+time.Month(offset), 1, 0, 0, 0, 0, c.tz.Location())
		day := anchor
		if last := daysIn(first); day > last {
			day = last
		}
		candidate := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, c.tz.Location())
		if candidate.After(threshold) {
			return candidate.UTC()
		}
	}
}

func daysIn(firstOfMonth time.Time) int {
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month()+1, 0, 0, 0, 0, 0, firstOfMonth.Location()).Day()
}

func joinDays(days []int) string {
	seen := make(map[int]bool, len(days))
	var uniq []int
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	sort.Ints(uniq)

	parts := make([]string, len(uniq))
	for i, d := range uniq {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
