package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"carepulse/internal/delivery"
	"carepulse/internal/event"
	"carepulse/internal/transport"
)

// fakeChannel is a scripted delivery channel.
type fakeChannel struct {
	name      delivery.Name
	available bool
	err       error
	delivered []event.Event
}

func (c *fakeChannel) Name() delivery.Name { return c.name }
func (c *fakeChannel) Available() bool     { return c.available }

func (c *fakeChannel) Deliver(ev event.Event) error {
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, ev)
	return nil
}

// fakeLookup scripts the preference backend.
type fakeLookup struct {
	prefs PreferenceSet
	err   error
	calls int
}

func (l *fakeLookup) GetDeliveryPreferences(ctx context.Context, userID string) (PreferenceSet, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.prefs, nil
}

type recordedHook struct {
	events   []event.Event
	outcomes [][]Outcome
}

func (h *recordedHook) OnDelivered(ev event.Event, outcomes []Outcome) {
	h.events = append(h.events, ev)
	h.outcomes = append(h.outcomes, outcomes)
}

func testChange(id string) transport.ChangeEvent {
	record := fmt.Sprintf(`{"id":%q,"user_id":"42","type":"appointment","title":"Appointment reminder","message":"Dr. Osei at 3pm"}`, id)
	return transport.ChangeEvent{
		Topic:  "user:42",
		Kind:   transport.ChangeInserted,
		Record: json.RawMessage(record),
	}
}

func TestPreferenceSet_Allows(t *testing.T) {
	set := PreferenceSet{
		"appointment": {delivery.ChannelSound: true},
		"*":           {delivery.ChannelVisual: true},
	}

	tests := []struct {
		eventType string
		channel   delivery.Name
		want      bool
	}{
		{"appointment", delivery.ChannelSound, true},
		{"appointment", delivery.ChannelVisual, false}, // own entry wins, no wildcard fallthrough
		{"lab_result", delivery.ChannelVisual, true},   // wildcard
		{"lab_result", delivery.ChannelSound, false},
	}
	for _, tt := range tests {
		if got := set.Allows(tt.eventType, tt.channel); got != tt.want {
			t.Errorf("Allows(%q, %s) = %v, want %v", tt.eventType, tt.channel, got, tt.want)
		}
	}

	// An empty set denies everything.
	if (PreferenceSet{}).Allows("appointment", delivery.ChannelSound) {
		t.Error("empty set must deny")
	}
}

func TestDispatcher_DropsWhenNotReady(t *testing.T) {
	ch := &fakeChannel{name: delivery.ChannelVisual, available: true}
	lookup := &fakeLookup{prefs: AllowAll()}
	d := New([]delivery.Channel{ch}, lookup, func() bool { return false }, zerolog.Nop())

	d.HandleEvent(testChange("ev-1"), Options{})

	if len(ch.delivered) != 0 {
		t.Error("event delivered before connection was ready")
	}
	if lookup.calls != 0 {
		t.Error("preference lookup ran for a dropped event")
	}
}

func TestDispatcher_FailsClosedOnLookupError(t *testing.T) {
	ch := &fakeChannel{name: delivery.ChannelVisual, available: true}
	lookup := &fakeLookup{err: errors.New("backend down")}
	hook := &recordedHook{}
	d := New([]delivery.Channel{ch}, lookup, nil, zerolog.Nop())
	d.AddHook(hook)

	d.HandleEvent(testChange("ev-1"), Options{})

	if len(ch.delivered) != 0 {
		t.Error("delivery fired despite failed preference lookup")
	}
	if len(hook.outcomes) != 1 || hook.outcomes[0][0].Skipped != SkipPreference {
		t.Errorf("outcomes = %+v, want one preference skip", hook.outcomes)
	}
}

func TestDispatcher_ChannelFailureIsolation(t *testing.T) {
	broken := &fakeChannel{name: delivery.ChannelSound, available: true, err: errors.New("audio device busy")}
	ok := &fakeChannel{name: delivery.ChannelVisual, available: true}
	lookup := &fakeLookup{prefs: AllowAll()}
	hook := &recordedHook{}
	d := New([]delivery.Channel{broken, ok}, lookup, nil, zerolog.Nop())
	d.AddHook(hook)

	d.HandleEvent(testChange("ev-1"), Options{})

	if len(ok.delivered) != 1 {
		t.Error("healthy channel skipped after another channel failed")
	}
	outcomes := hook.outcomes[0]
	if outcomes[0].Error == "" || outcomes[0].Delivered {
		t.Errorf("broken channel outcome = %+v, want error", outcomes[0])
	}
	if !outcomes[1].Delivered {
		t.Errorf("healthy channel outcome = %+v, want delivered", outcomes[1])
	}
}

func TestDispatcher_SkipsUnavailableChannel(t *testing.T) {
	ch := &fakeChannel{name: delivery.ChannelHaptic, available: false}
	d := New([]delivery.Channel{ch}, &fakeLookup{prefs: AllowAll()}, nil, zerolog.Nop())
	hook := &recordedHook{}
	d.AddHook(hook)

	d.HandleEvent(testChange("ev-1"), Options{})

	if got := hook.outcomes[0][0].Skipped; got != SkipUnavailable {
		t.Errorf("skipped = %q, want %q", got, SkipUnavailable)
	}
}

func TestDispatcher_OnEventSeesEveryDelivery(t *testing.T) {
	ch := &fakeChannel{name: delivery.ChannelVisual, available: true}
	d := New([]delivery.Channel{ch}, &fakeLookup{prefs: AllowAll()}, nil, zerolog.Nop())

	var seen []event.Event
	opts := Options{UserID: "42", OnEvent: func(ev event.Event) { seen = append(seen, ev) }}

	// Same event id twice. The callback is not deduplicated; only the
	// visual channel dedups, and the fake here does not.
	d.HandleEvent(testChange("ev-1"), Options{})
	d.HandleEvent(testChange("ev-1"), opts)
	d.HandleEvent(testChange("ev-1"), opts)

	if len(seen) != 2 {
		t.Errorf("OnEvent fired %d times, want 2", len(seen))
	}
	for _, ev := range seen {
		if ev.ID != "ev-1" || ev.UserID != "42" {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestDispatcher_NilLookupAllowsAll(t *testing.T) {
	ch := &fakeChannel{name: delivery.ChannelSound, available: true}
	d := New([]delivery.Channel{ch}, nil, nil, zerolog.Nop())

	d.HandleEvent(testChange("ev-1"), Options{})

	if len(ch.delivered) != 1 {
		t.Error("nil lookup must permit delivery")
	}
}
