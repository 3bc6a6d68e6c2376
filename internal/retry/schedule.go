package retry

import (
	"fmt"
	"time"

	"chatrelay/internal/constants"
)

// Schedule is the wait applied after each failed attempt. Entry n-1 is the
// delay after attempt n; attempts past the end reuse the last entry.
type Schedule []time.Duration

// DefaultSchedule returns 1s, 2s, 5s, 10s, 30s.
func DefaultSchedule() Schedule {
	s := make(Schedule, len(constants.DefaultRetrySchedule))
	copy(s, constants.DefaultRetrySchedule)
	return s
}

// ScheduleFromMillis builds a schedule from configuration values.
func ScheduleFromMillis(ms []int) (Schedule, error) {
	if len(ms) == 0 {
		return DefaultSchedule(), nil
	}
	s := make(Schedule, len(ms))
	for i, v := range ms {
		s[i] = time.Duration(v) * time.Millisecond
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate requires non-negative, non-decreasing delays.
func (s Schedule) Validate() error {
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("retry schedule entry %d is negative", i)
		}
		if i > 0 && d < s[i-1] {
			return fmt.Errorf("retry schedule entry %d (%s) is shorter than entry %d (%s)", i, d, i-1, s[i-1])
		}
	}
	return nil
}

// Delay returns the wait after the given number of failed attempts.
func (s Schedule) Delay(attempts int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}
