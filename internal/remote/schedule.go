package remote

import "time"

// Schedule returns how long after the most recent attempt the next one
// should start, given the number of attempts in the recent window
// (always at least 1). ok=false gives up.
type Schedule func(attempts int) (delay time.Duration, ok bool)

// DefaultMaxAttempts is how many attempts DefaultSchedule allows in the
// recent window.
const DefaultMaxAttempts = 5

// DefaultSchedule doubles from 500ms and gives up after
// DefaultMaxAttempts attempts.
func DefaultSchedule(attempts int) (time.Duration, bool) {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > DefaultMaxAttempts {
		return 0, false
	}
	return 500 * time.Millisecond << (attempts - 1), true
}

// FixedSchedule uses delays[n-1] for attempt n and gives up once they
// run out.
func FixedSchedule(delays ...time.Duration) Schedule {
	return func(attempts int) (time.Duration, bool) {
		if attempts < 1 || attempts > len(delays) {
			return 0, false
		}
		return delays[attempts-1], true
	}
}
