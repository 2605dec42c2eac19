// Package clock provides time sources for timers and id sequences.
//
// Components never call time.Now or time.AfterFunc directly; they take a
// Clock so tests can drive reconnection backoff, buffer timeouts and cache
// expiry deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Clock reads the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Sequence is a monotonic counter used to assign stream, table and
// failure ids.
//
// Thread-safety: Sequence is safe for concurrent use.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next value. The first call returns 1.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}
