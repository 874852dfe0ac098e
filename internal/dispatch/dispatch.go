// Package dispatch normalizes inbound change events, consults delivery
// preferences and fans out to the local feedback channels.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/delivery"
	"carepulse/internal/event"
	"carepulse/internal/transport"
)

// PreferenceSet maps an event type to the channels allowed for it. The key
// "*" matches any event type without its own entry. An absent entry means
// do not deliver.
type PreferenceSet map[string]map[delivery.Name]bool

// Allows reports whether the given channel may fire for the event type.
func (s PreferenceSet) Allows(eventType string, ch delivery.Name) bool {
	if chans, ok := s[eventType]; ok {
		return chans[ch]
	}
	if chans, ok := s["*"]; ok {
		return chans[ch]
	}
	return false
}

// AllowAll returns a set permitting every channel for every event type.
func AllowAll() PreferenceSet {
	return PreferenceSet{"*": {
		delivery.ChannelSound:  true,
		delivery.ChannelVisual: true,
		delivery.ChannelHaptic: true,
	}}
}

// PreferenceLookup fetches delivery preferences for a user. The preference
// store is owned externally; this core only reads it.
type PreferenceLookup interface {
	GetDeliveryPreferences(ctx context.Context, userID string) (PreferenceSet, error)
}

// Outcome records what happened on one channel during a delivery.
type Outcome struct {
	Channel   delivery.Name `json:"channel"`
	Delivered bool          `json:"delivered"`
	Skipped   string        `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Skip reasons in Outcome.
const (
	SkipUnavailable = "unavailable"
	SkipPreference  = "preference"
)

// Hook observes the outcome of each handled event. Hooks run after the
// channels and must not block; hook failures never affect delivery.
type Hook interface {
	OnDelivered(ev event.Event, outcomes []Outcome)
}

// Options carries per-subscription dispatch settings.
type Options struct {
	// UserID scopes the preference lookup.
	UserID string
	// OnEvent, when set, receives every normalized event before the
	// delivery channels run. It is not deduplicated; dedup is scoped to
	// the visual channel only.
	OnEvent func(event.Event)
}

// Dispatcher fans inbound events out to the delivery channels.
type Dispatcher struct {
	channels []delivery.Channel
	prefs    PreferenceLookup
	ready    func() bool
	hooks    []Hook
	logger   zerolog.Logger
	now      func() time.Time

	lookupTimeout time.Duration
}

// New creates a Dispatcher. Channels fire in the given order. ready gates
// delivery: events arriving before the connection is initialized are
// dropped, not buffered.
func New(channels []delivery.Channel, prefs PreferenceLookup, ready func() bool, logger zerolog.Logger) *Dispatcher {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Dispatcher{
		channels:      channels,
		prefs:         prefs,
		ready:         ready,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
		now:           time.Now,
		lookupTimeout: 3 * time.Second,
	}
}

// AddHook registers an outcome hook.
func (d *Dispatcher) AddHook(h Hook) {
	d.hooks = append(d.hooks, h)
}

// Capabilities reports the availability flags of the configured channels.
func (d *Dispatcher) Capabilities() delivery.Capabilities {
	return delivery.DetectCapabilities(d.channels)
}

// HandleEvent processes one inbound change. All channel and lookup
// failures are contained here; HandleEvent never returns an error because
// local feedback is best effort.
func (d *Dispatcher) HandleEvent(change transport.ChangeEvent, opts Options) {
	if !d.ready() {
		d.logger.Debug().Str("topic", change.Topic).Msg("connection not ready, event dropped")
		return
	}

	ev := event.Normalize(change, d.now())
	if ev.UserID == "" {
		ev.UserID = opts.UserID
	}

	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}

	prefs := d.lookupPreferences(ev.UserID)
	outcomes := make([]Outcome, 0, len(d.channels))

	for _, ch := range d.channels {
		outcome := Outcome{Channel: ch.Name()}
		switch {
		case !ch.Available():
			outcome.Skipped = SkipUnavailable
		case !prefs.Allows(ev.Type, ch.Name()):
			outcome.Skipped = SkipPreference
		default:
			if err := ch.Deliver(ev); err != nil {
				// One channel failing must not prevent the others.
				outcome.Error = err.Error()
				d.logger.Warn().Err(err).Str("channel", string(ch.Name())).Str("event", ev.ID).Msg("delivery failed")
			} else {
				outcome.Delivered = true
			}
		}
		outcomes = append(outcomes, outcome)
	}

	d.logger.Debug().
		Str("event", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("priority", string(ev.Priority)).
		Msg("event dispatched")

	for _, h := range d.hooks {
		h.OnDelivered(ev, outcomes)
	}
}

// lookupPreferences fetches the user's preferences, failing closed: on any
// lookup error no channel is allowed to fire.
func (d *Dispatcher) lookupPreferences(userID string) PreferenceSet {
	if d.prefs == nil {
		return AllowAll()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.lookupTimeout)
	defer cancel()
	prefs, err := d.prefs.GetDeliveryPreferences(ctx, userID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user", userID).Msg("preference lookup failed, suppressing delivery")
		return PreferenceSet{}
	}
	return prefs
}
