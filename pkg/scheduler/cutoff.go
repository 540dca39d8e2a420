package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrScheduleWindowExceeded is returned when a print would still be running at the daily cutoff
var ErrScheduleWindowExceeded = errors.New("schedule window exceeded")

// WindowError explains a cutoff rejection to the submitter
type WindowError struct {
	Cutoff           string
	RemainingMinutes int
	EstimatedMinutes int
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("print does not fit before %s: %d minutes left, print takes ~%d minutes",
		e.Cutoff, e.RemainingMinutes, e.EstimatedMinutes)
}

func (e *WindowError) Unwrap() error {
	return ErrScheduleWindowExceeded
}

// Cutoff is the daily time after which no print may still be running
type Cutoff struct {
	hour, minute int
	loc          *time.Location
}

// ParseCutoff parses "HH:MM" in loc. An empty value disables the window and returns nil.
func ParseCutoff(value string, loc *time.Location) (*Cutoff, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return nil, fmt.Errorf("invalid cutoff %q: expected HH:MM", value)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cutoff{hour: t.Hour(), minute: t.Minute(), loc: loc}, nil
}

// String returns the cutoff as HH:MM
func (c *Cutoff) String() string {
	return fmt.Sprintf("%02d:%02d", c.hour, c.minute)
}

// Remaining returns whole minutes until today's cutoff, 0 once it has passed.
// A nil cutoff never runs out.
func (c *Cutoff) Remaining(now time.Time) int {
	if c == nil {
		return int(^uint(0) >> 1)
	}
	local := now.In(c.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), c.hour, c.minute, 0, 0, c.loc)
	if !local.Before(end) {
		return 0
	}
	return int(end.Sub(local) / time.Minute)
}

// Check rejects a print of estimatedMinutes that cannot finish before the cutoff
func (c *Cutoff) Check(estimatedMinutes int, now time.Time) error {
	if c == nil {
		return nil
	}
	remaining := c.Remaining(now)
	if estimatedMinutes > remaining {
		return &WindowError{Cutoff: c.String(), RemainingMinutes: remaining, EstimatedMinutes: estimatedMinutes}
	}
	return nil
}
