// Package schedule computes the monthly run slots of the load and the
// business month each slot targets.
//
// A run fires at the end of its one-month schedule interval: with a start date
// of 2024-03-01 and hour 6 the first run fires at 2024-04-01 06:00 UTC. The
// firing instant is the run's logical date and the reference date for its
// target month, so a backfilled run behaves exactly like the on-time one.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

// DateLayout is the key format of logical dates in history and flags.
const DateLayout = "2006-01-02"

// MonthLayout is the format of target months in logs and tables.
const MonthLayout = "2006-01"

// Schedule is a "minute 0, hour H, day 1 of every month" cron in UTC.
type Schedule struct {
	Start       time.Time // first day of the first interval, midnight UTC
	Hour        int
	MonthOffset int
	Catchup     bool
}

// FromConfig builds a Schedule from the schedule section of the configuration.
func FromConfig(cfg models.Schedule) (*Schedule, error) {
	start, err := time.ParseInLocation(DateLayout, cfg.StartDate, time.UTC)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "Invalid schedule.start_date").
			WithContext("start_date", cfg.StartDate)
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, errors.ConfigError("schedule.hour must be between 0 and 23", "schedule.hour")
	}
	if cfg.MonthOffset < 0 {
		return nil, errors.ConfigError("schedule.month_offset must not be negative", "schedule.month_offset")
	}
	return &Schedule{
		Start:       monthStart(start),
		Hour:        cfg.Hour,
		MonthOffset: cfg.MonthOffset,
		Catchup:     cfg.Catchup,
	}, nil
}

// Slot returns the firing instant in the month of t.
func (s *Schedule) Slot(t time.Time) time.Time {
	m := monthStart(t.UTC())
	return m.Add(time.Duration(s.Hour) * time.Hour)
}

// First returns the first firing instant: the end of the interval that
// begins at Start.
func (s *Schedule) First() time.Time {
	return s.Slot(s.Start.AddDate(0, 1, 0))
}

// Current returns the most recent firing instant at or before now, and false
// when the schedule has not fired yet.
func (s *Schedule) Current(now time.Time) (time.Time, bool) {
	slot := s.Slot(now)
	if slot.After(now.UTC()) {
		slot = s.Slot(monthStart(now.UTC()).AddDate(0, -1, 0))
	}
	if slot.Before(s.First()) {
		return time.Time{}, false
	}
	return slot, true
}

// Slots lists every firing instant in [from, until], oldest first. Instants
// before First are never returned.
func (s *Schedule) Slots(from, until time.Time) []time.Time {
	first := s.First()
	cur := s.Slot(from)
	if cur.Before(from.UTC()) {
		cur = s.Slot(monthStart(from.UTC()).AddDate(0, 1, 0))
	}
	if cur.Before(first) {
		cur = first
	}

	var slots []time.Time
	for !cur.After(until.UTC()) {
		slots = append(slots, cur)
		cur = s.Slot(monthStart(cur).AddDate(0, 1, 0))
	}
	return slots
}

// Due returns the slots a catch-up pass should consider at now: all slots
// since First when Catchup is set, otherwise only the current one.
func (s *Schedule) Due(now time.Time) []time.Time {
	current, ok := s.Current(now)
	if !ok {
		return nil
	}
	if !s.Catchup {
		return []time.Time{current}
	}
	return s.Slots(s.First(), current)
}

// TargetMonth returns the first day of the business month loaded by the run
// firing at logical.
func (s *Schedule) TargetMonth(logical time.Time) time.Time {
	return TargetMonth(logical, s.MonthOffset)
}

// TargetMonth truncates logical to its month and steps back offset months.
func TargetMonth(logical time.Time, offset int) time.Time {
	return monthStart(logical.UTC()).AddDate(0, -offset, 0)
}

// ParseLogicalDate accepts YYYY-MM-DD or YYYY-MM and returns the slot of
// that month.
func (s *Schedule) ParseLogicalDate(value string) (time.Time, error) {
	t, err := ParseMonth(value)
	if err != nil {
		return time.Time{}, err
	}
	slot := s.Slot(t)
	if slot.Before(s.First()) {
		return time.Time{}, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s is before the first scheduled run %s", slot.Format(DateLayout), s.First().Format(DateLayout))).
			WithContext("value", value)
	}
	return slot, nil
}

// ParseMonth accepts YYYY-MM-DD or YYYY-MM and returns the first day of that month in UTC.
func ParseMonth(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{DateLayout, MonthLayout} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return monthStart(t), nil
		}
	}
	return time.Time{}, errors.New(errors.ErrCodeInvalidInput,
		fmt.Sprintf("invalid month %q: want YYYY-MM or YYYY-MM-DD", value)).
		WithContext("value", value)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
