// Package clock abstracts the time operations used by the countdown and
// the history labels so tests can drive them deterministically.
//
// Production code uses Real(). Tests use Fake(start) and call Advance to
// fire pending timers in deadline order.
package clock

import "time"

// Clock is the subset of the time package the dashboard depends on
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f after d elapses. The returned Timer can cancel
	// the pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop prevents the call from firing. Returns false if the call has
	// already fired or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
