package reconcile

import "time"

// Clock abstracts wall time so policy decisions and tests agree on what
// "today" means. Day boundaries are always computed in UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// DayUTC formats t as the UTC calendar date used for ActionRecord keys.
func DayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
