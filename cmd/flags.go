package cmd

import (
	"time"

	"github.com/spf13/pflag"

	"monthlyload/internal/schedule"
)

// monthValue is a pflag.Value accepting YYYY-MM or YYYY-MM-DD. It holds the
// first day of the month in UTC.
type monthValue struct {
	t   time.Time
	set bool
}

var _ pflag.Value = (*monthValue)(nil)

func (m *monthValue) String() string {
	if !m.set {
		return ""
	}
	return m.t.Format(schedule.MonthLayout)
}

func (m *monthValue) Set(s string) error {
	t, err := schedule.ParseMonth(s)
	if err != nil {
		return err
	}
	m.t, m.set = t, true
	return nil
}

func (m *monthValue) Type() string {
	return "month"
}

// IsSet reports whether the flag was given.
func (m *monthValue) IsSet() bool {
	return m.set
}

// Time returns the parsed month.
func (m *monthValue) Time() time.Time {
	return m.t
}
