// Package delivery implements the local feedback channels: sound, native
// visual alerts and vibration. Every channel is capability-detected and
// independently fault-tolerant; a missing capability is a silent no-op,
// never an error.
package delivery

import "carepulse/internal/event"

// Name identifies one delivery channel.
type Name string

const (
	ChannelSound  Name = "sound"
	ChannelVisual Name = "visual"
	ChannelHaptic Name = "haptic"
)

// Channel is one local feedback mechanism.
type Channel interface {
	// Name returns the channel identity used in preference lookups.
	Name() Name
	// Available reports whether the host supports this channel.
	Available() bool
	// Deliver triggers the feedback for one event. Returning an error only
	// signals a real delivery failure; an unavailable capability returns nil.
	Deliver(ev event.Event) error
}

// Capabilities are the progressive-enhancement flags exposed to callers.
type Capabilities struct {
	NativeAlerts bool `json:"nativeAlerts"`
	Audio        bool `json:"audio"`
	Vibration    bool `json:"vibration"`
}

// DetectCapabilities probes the given channels.
func DetectCapabilities(channels []Channel) Capabilities {
	var caps Capabilities
	for _, ch := range channels {
		switch ch.Name() {
		case ChannelSound:
			caps.Audio = ch.Available()
		case ChannelVisual:
			caps.NativeAlerts = ch.Available()
		case ChannelHaptic:
			caps.Vibration = ch.Available()
		}
	}
	return caps
}
