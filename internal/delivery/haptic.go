package delivery

import (
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/event"
)

// VibrationDriver abstracts the host vibration motor.
type VibrationDriver interface {
	Available() bool
	// Vibrate plays a pattern of alternating pulse and pause durations,
	// starting with a pulse.
	Vibrate(pattern []time.Duration) error
}

// HapticChannel vibrates per event. Pattern length scales with priority:
// a single short pulse for low, a long multi-pulse pattern for urgent.
type HapticChannel struct {
	driver VibrationDriver
	logger zerolog.Logger
}

// NewHapticChannel creates the haptic channel.
func NewHapticChannel(driver VibrationDriver, logger zerolog.Logger) *HapticChannel {
	return &HapticChannel{
		driver: driver,
		logger: logger.With().Str("component", "haptic-channel").Logger(),
	}
}

// Name implements Channel.
func (c *HapticChannel) Name() Name { return ChannelHaptic }

// Available implements Channel.
func (c *HapticChannel) Available() bool { return c.driver.Available() }

// Deliver implements Channel.
func (c *HapticChannel) Deliver(ev event.Event) error {
	if !c.driver.Available() {
		return nil
	}
	return c.driver.Vibrate(PatternFor(ev.Priority))
}

// PatternFor returns the vibration pattern for a priority.
func PatternFor(p event.Priority) []time.Duration {
	ms := time.Millisecond
	switch p {
	case event.PriorityLow:
		return []time.Duration{50 * ms}
	case event.PriorityHigh:
		return []time.Duration{150 * ms, 50 * ms, 150 * ms}
	case event.PriorityUrgent:
		return []time.Duration{200 * ms, 100 * ms, 200 * ms, 100 * ms, 200 * ms}
	default:
		return []time.Duration{100 * ms}
	}
}
