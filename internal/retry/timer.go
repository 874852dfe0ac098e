package retry

import "time"

// Timer is the handle to a one-shot scheduled action. Stop reports whether
// the call prevented the action from firing.
type Timer interface {
	Stop() bool
}

// TimerFactory arms a one-shot timer. Production code uses AfterFunc; tests
// inject a factory backed by a simulated clock so scheduled actions can be
// fired deterministically.
type TimerFactory func(d time.Duration, fn func()) Timer

// AfterFunc is the TimerFactory backed by time.AfterFunc.
func AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
