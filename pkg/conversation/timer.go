package conversation

import (
	"fmt"
	"strings"
)

// MaxTimerMinutes caps a conversation timer at 365 days.
const MaxTimerMinutes = 365 * 24 * 60

type TimerUnit string

const (
	UnitMinutes TimerUnit = "minutes"
	UnitHours   TimerUnit = "hours"
	UnitDays    TimerUnit = "days"
)

// ParseTimerUnit accepts a unit name; empty input means minutes.
func ParseTimerUnit(raw string) (TimerUnit, error) {
	switch u := TimerUnit(strings.ToLower(strings.TrimSpace(raw))); u {
	case "":
		return UnitMinutes, nil
	case UnitMinutes, UnitHours, UnitDays:
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidTimer, raw)
}

// ConvertToMinutes normalizes a timer length to minutes. Results above
// MaxTimerMinutes are rejected.
func ConvertToMinutes(duration int, unit TimerUnit) (int, error) {
	if duration <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidTimer, duration)
	}
	var perUnit int
	switch unit {
	case UnitMinutes:
		perUnit = 1
	case UnitHours:
		perUnit = 60
	case UnitDays:
		perUnit = 60 * 24
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidTimer, unit)
	}
	if duration > MaxTimerMinutes/perUnit {
		return 0, fmt.Errorf("%w: %d %s exceeds %d minutes", ErrInvalidTimer, duration, unit, MaxTimerMinutes)
	}
	return duration * perUnit, nil
}
