// Package subscription maps topic keys to live transport channels and
// keeps them alive with a per-key retry budget.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/connection"
	"carepulse/internal/dispatch"
	"carepulse/internal/retry"
	"carepulse/internal/transport"
)

// ConnectionGuard is the slice of the connection manager the registry
// consults before and after subscribing.
type ConnectionGuard interface {
	CanAttemptConnection() bool
	State() connection.State
	MarkConnectionSuccessful()
	MarkConnectionFailed(reason string)
}

// EventSink receives routed change events. Implemented by the dispatcher.
type EventSink interface {
	HandleEvent(change transport.ChangeEvent, opts dispatch.Options)
}

// Handle is what Subscribe returns to the caller. Unsubscribe is
// idempotent; on an inert handle it is a no-op.
type Handle struct {
	topic    string
	registry *Registry
}

// Topic returns the topic key this handle was created for. Empty on an
// inert handle.
func (h *Handle) Topic() string { return h.topic }

// Unsubscribe tears the subscription down.
func (h *Handle) Unsubscribe() {
	if h.registry == nil || h.topic == "" {
		return
	}
	h.registry.Unsubscribe(h.topic)
}

// entry is one live subscription. Exactly one entry exists per topic key;
// a second Subscribe replaces the first.
type entry struct {
	topic     string
	channel   transport.Channel
	opts      dispatch.Options
	budget    retry.Budget
	createdAt time.Time

	// One retry timer slot. gen guards stale timer and status callbacks
	// after the channel has been replaced or torn down.
	timer retry.Timer
	gen   uint64
}

// Registry owns every live subscription. The channel handle inside an
// entry is owned exclusively by the registry.
type Registry struct {
	transport transport.Transport
	guard     ConnectionGuard
	sink      EventSink
	policy    retry.Policy
	logger    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	genSeq  uint64

	// Seams for tests.
	now      func() time.Time
	newTimer retry.TimerFactory
}

// NewRegistry creates an empty registry.
func NewRegistry(tr transport.Transport, guard ConnectionGuard, sink EventSink, policy retry.Policy, logger zerolog.Logger) *Registry {
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	return &Registry{
		transport: tr,
		guard:     guard,
		sink:      sink,
		policy:    policy,
		logger:    logger.With().Str("component", "subscription-registry").Logger(),
		entries:   make(map[string]*entry),
		now:       time.Now,
		newTimer:  retry.AfterFunc,
	}
}

// Subscribe creates (or replaces) the subscription for topicKey. When the
// connection is debounced or in error, it returns an inert handle instead
// of an error: callers only ever see delayed connectivity, never a
// retryable failure.
func (r *Registry) Subscribe(ctx context.Context, topicKey string, opts dispatch.Options) *Handle {
	if topicKey == "" {
		return &Handle{}
	}
	if r.guard != nil {
		// Silent debounce: no retryable error surfaces to callers, they
		// only see delayed connectivity. An established connection is
		// never debounced.
		state := r.guard.State()
		if state == connection.StateError ||
			(state != connection.StateConnected && !r.guard.CanAttemptConnection()) {
			r.logger.Debug().Str("topic", topicKey).Msg("connection unavailable, returning inert handle")
			return &Handle{}
		}
	}

	// Replace semantics: the old entry is fully torn down before the new
	// channel is created, so there are never two live handles per key.
	r.teardown(topicKey)

	r.mu.Lock()
	r.genSeq++
	e := &entry{
		topic:     topicKey,
		opts:      opts,
		budget:    retry.NewBudget(r.policy),
		createdAt: r.now(),
		gen:       r.genSeq,
	}
	r.entries[topicKey] = e
	gen := e.gen
	r.mu.Unlock()

	r.establish(ctx, topicKey, gen)
	r.logger.Info().Str("topic", topicKey).Msg("subscribed")
	return &Handle{topic: topicKey, registry: r}
}

// establish creates and joins the transport channel for an entry. Called
// on first subscribe and again from the retry timer.
func (r *Registry) establish(ctx context.Context, topicKey string, gen uint64) {
	cb := transport.ChannelCallbacks{
		OnChange: func(change transport.ChangeEvent) {
			r.onChange(topicKey, gen, change)
		},
		OnStatus: func(status transport.ChannelStatus, err error) {
			r.onStatus(topicKey, gen, status, err)
		},
	}

	ch, err := r.transport.Channel(topicKey, cb)
	if err == nil {
		r.mu.Lock()
		e, ok := r.entries[topicKey]
		if !ok || e.gen != gen {
			// Torn down while the channel was being created; nothing has
			// joined yet, so there is nothing to release.
			r.mu.Unlock()
			return
		}
		e.channel = ch
		e.budget.LastAttempt = r.now()
		r.mu.Unlock()

		err = ch.Join(ctx)
		if err == nil {
			r.mu.Lock()
			e, ok := r.entries[topicKey]
			stale := !ok || e.gen != gen
			r.mu.Unlock()
			if stale {
				// Torn down while the join was in flight. The registry no
				// longer owns this channel; release it so it cannot stay
				// joined unobserved.
				if lerr := ch.Leave(); lerr != nil {
					r.logger.Debug().Err(lerr).Str("topic", topicKey).Msg("orphaned channel leave failed")
				}
				return
			}
		}
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("topic", topicKey).Msg("failed to establish subscription")
		if r.guard != nil {
			r.guard.MarkConnectionFailed(err.Error())
		}
		r.scheduleRetry(topicKey, gen)
	}
}

// onChange routes one inbound event into the dispatcher. Stale callbacks
// from a replaced channel are dropped.
func (r *Registry) onChange(topicKey string, gen uint64, change transport.ChangeEvent) {
	r.mu.Lock()
	e, ok := r.entries[topicKey]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	opts := e.opts
	r.mu.Unlock()

	r.sink.HandleEvent(change, opts)
}

// onStatus reacts to transport-level status changes for one subscription.
func (r *Registry) onStatus(topicKey string, gen uint64, status transport.ChannelStatus, err error) {
	r.mu.Lock()
	e, ok := r.entries[topicKey]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}

	switch status {
	case transport.StatusSubscribed:
		e.budget.Reset()
		r.mu.Unlock()
		if r.guard != nil {
			r.guard.MarkConnectionSuccessful()
		}
	case transport.StatusError, transport.StatusClosed:
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn().Err(err).Str("topic", topicKey).Msg("subscription lost")
		}
		r.scheduleRetry(topicKey, gen)
	default:
		r.mu.Unlock()
	}
}

// scheduleRetry arms the entry's one retry timer slot to tear down and
// recreate the subscription after its backoff delay. An exhausted budget
// gives up silently: delivery is best effort, not guaranteed.
func (r *Registry) scheduleRetry(topicKey string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[topicKey]
	if !ok || e.gen != gen || e.timer != nil {
		r.mu.Unlock()
		return
	}
	if e.budget.Exhausted() {
		r.mu.Unlock()
		r.logger.Error().Str("topic", topicKey).Int("attempts", e.budget.Attempts).Msg("subscription retry budget exhausted, giving up")
		return
	}
	delay := e.budget.NextDelay()
	e.budget.Record(r.now())
	attempt := e.budget.Attempts
	e.timer = r.newTimer(delay, func() { r.onRetryTimer(topicKey, gen) })
	r.mu.Unlock()

	r.logger.Info().Str("topic", topicKey).Dur("delay", delay).Int("attempt", attempt).Msg("subscription retry scheduled")
}

// onRetryTimer recreates the subscription's channel. The budget carries
// over; only a confirmed subscribed status resets it.
func (r *Registry) onRetryTimer(topicKey string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[topicKey]
	if !ok || e.gen != gen || e.timer == nil {
		// Cancelled or replaced after the timer fired.
		r.mu.Unlock()
		return
	}
	e.timer = nil
	old := e.channel
	e.channel = nil
	r.genSeq++
	e.gen = r.genSeq
	newGen := e.gen
	r.mu.Unlock()

	if old != nil {
		if err := old.Leave(); err != nil {
			r.logger.Debug().Err(err).Str("topic", topicKey).Msg("teardown during retry failed")
		}
	}
	r.establish(context.Background(), topicKey, newGen)
}

// Unsubscribe tears down the subscription for topicKey. Unsubscribing an
// absent key is a no-op.
func (r *Registry) Unsubscribe(topicKey string) {
	if r.teardown(topicKey) {
		r.logger.Info().Str("topic", topicKey).Msg("unsubscribed")
	}
}

// UnsubscribeAll tears down every subscription and cancels every pending
// retry timer. Used at teardown and as the first step of a forced global
// reconnection.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		r.teardown(topic)
	}
	r.logger.Info().Int("count", len(topics)).Msg("all subscriptions torn down")
}

// teardown removes the entry for topicKey, cancelling its timer before the
// channel is released. Reports whether an entry existed.
func (r *Registry) teardown(topicKey string) bool {
	r.mu.Lock()
	e, ok := r.entries[topicKey]
	if !ok {
		r.mu.Unlock()
		return false
	}
	// Cancel-then-null before anything else so a racing timer callback
	// sees a stale generation and does nothing.
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	r.genSeq++
	e.gen = r.genSeq
	ch := e.channel
	delete(r.entries, topicKey)
	r.mu.Unlock()

	if ch != nil {
		if err := ch.Leave(); err != nil {
			r.logger.Debug().Err(err).Str("topic", topicKey).Msg("channel leave failed")
		}
	}
	return true
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Topics returns the current topic keys.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	return topics
}

// RetryAttempts returns a snapshot of per-topic retry counters for the
// status surface.
func (r *Registry) RetryAttempts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.entries))
	for topic, e := range r.entries {
		out[topic] = e.budget.Attempts
	}
	return out
}
