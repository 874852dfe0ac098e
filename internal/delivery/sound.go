package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/event"
	"carepulse/internal/retry"
)

// UrgentRepeatDelay is the gap between the two tone plays for urgent events.
const UrgentRepeatDelay = 300 * time.Millisecond

// AudioDriver abstracts the host audio output. The default driver is backed
// by beeep; tests inject a recording fake.
type AudioDriver interface {
	// Available reports whether the host can produce tones at all.
	Available() bool
	// Unlock prepares the audio output for playback. Called once, before
	// the first tone.
	Unlock() error
	// Beep plays one tone.
	Beep(freq float64, duration time.Duration) error
}

type unlockState int

const (
	unlockIdle unlockState = iota
	unlockPending
	unlockDone
)

// SoundChannel plays a tone per event. Tone frequency and repetition count
// are a function of priority: urgent plays the tone twice with a short gap,
// everything else plays once.
type SoundChannel struct {
	driver AudioDriver
	logger zerolog.Logger

	mu     sync.Mutex
	unlock unlockState

	newTimer retry.TimerFactory
}

// NewSoundChannel creates the sound channel.
func NewSoundChannel(driver AudioDriver, logger zerolog.Logger) *SoundChannel {
	return &SoundChannel{
		driver:   driver,
		logger:   logger.With().Str("component", "sound-channel").Logger(),
		newTimer: retry.AfterFunc,
	}
}

// Name implements Channel.
func (c *SoundChannel) Name() Name { return ChannelSound }

// Available implements Channel.
func (c *SoundChannel) Available() bool { return c.driver.Available() }

// Deliver implements Channel.
func (c *SoundChannel) Deliver(ev event.Event) error {
	if !c.driver.Available() {
		return nil
	}
	if !c.ensureUnlocked() {
		// Output not ready yet; the tone is dropped, not queued.
		c.logger.Debug().Str("event", ev.ID).Msg("audio not unlocked yet, tone dropped")
		return nil
	}

	freq, duration := toneFor(ev.Priority)
	if err := c.driver.Beep(freq, duration); err != nil {
		return err
	}
	if ev.Priority == event.PriorityUrgent {
		c.newTimer(UrgentRepeatDelay, func() {
			if err := c.driver.Beep(freq, duration); err != nil {
				c.logger.Warn().Err(err).Msg("urgent tone repeat failed")
			}
		})
	}
	return nil
}

// ensureUnlocked arms the one-time audio unlock on first use and reports
// whether playback is ready. The pending guard prevents a second arm when
// concurrent deliveries race on the first tone.
func (c *SoundChannel) ensureUnlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.unlock {
	case unlockDone:
		return true
	case unlockPending:
		return false
	}

	c.unlock = unlockPending
	go func() {
		err := c.driver.Unlock()
		c.mu.Lock()
		if err != nil {
			c.unlock = unlockIdle
		} else {
			c.unlock = unlockDone
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn().Err(err).Msg("audio unlock failed")
		}
	}()
	return false
}

// toneFor maps priority to tone frequency and length.
func toneFor(p event.Priority) (float64, time.Duration) {
	switch p {
	case event.PriorityLow:
		return 440, 120 * time.Millisecond
	case event.PriorityHigh:
		return 780, 180 * time.Millisecond
	case event.PriorityUrgent:
		return 880, 220 * time.Millisecond
	default:
		return 620, 150 * time.Millisecond
	}
}
