package retry

import (
	"time"

	"github.com/jpillora/backoff"
)

// Default policy values shared by the connection manager and the
// subscription registry.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultDebounce    = 2 * time.Second
)

// Policy describes how retries for one logical slot are paced.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the policy used when the config leaves retry
// settings unset.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the backoff delay for the given attempt number:
// min(BaseDelay * 2^attempt, MaxDelay). Attempt 0 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempt))
}

// CanAttempt reports whether enough time has passed since the last attempt.
// A zero lastAttempt always allows the attempt. Pure guard, no side effects.
func CanAttempt(lastAttempt time.Time, debounce time.Duration, now time.Time) bool {
	if lastAttempt.IsZero() {
		return true
	}
	return now.Sub(lastAttempt) >= debounce
}
