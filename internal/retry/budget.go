package retry

import "time"

// Budget tracks retry attempts for one logical slot (the global connection
// or a single subscription). Not safe for concurrent use; the owner guards
// it with its own mutex.
type Budget struct {
	Policy      Policy
	Attempts    int
	LastAttempt time.Time
}

// NewBudget returns a fresh budget with zero attempts.
func NewBudget(p Policy) Budget {
	return Budget{Policy: p}
}

// Exhausted reports whether the budget has no attempts left.
func (b *Budget) Exhausted() bool {
	return b.Attempts >= b.Policy.MaxAttempts
}

// NextDelay returns the delay before the next attempt, based on the number
// of attempts already made.
func (b *Budget) NextDelay() time.Duration {
	return b.Policy.Delay(b.Attempts)
}

// Record marks one attempt at the given time.
func (b *Budget) Record(now time.Time) {
	b.Attempts++
	b.LastAttempt = now
}

// Reset clears the attempt counter after a confirmed success.
func (b *Budget) Reset() {
	b.Attempts = 0
}
