// Package notifier is the public surface of the realtime notification
// core, tying the connection manager, subscription registry and dispatcher
// together for embedding callers.
package notifier

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"carepulse/internal/connection"
	"carepulse/internal/delivery"
	"carepulse/internal/dispatch"
	"carepulse/internal/event"
	"carepulse/internal/platform"
	"carepulse/internal/retry"
	"carepulse/internal/subscription"
	"carepulse/internal/transport"
)

// Status is the queryable connection/subscription state, used by embedders
// to render a "reconnecting" indicator.
type Status struct {
	State             connection.State `json:"state"`
	SubscriptionCount int              `json:"subscriptionCount"`
	RetryAttempts     map[string]int   `json:"retryAttempts"`
}

// Backend is the slice of the platform client the service needs.
type Backend interface {
	dispatch.PreferenceLookup
	CreateNotification(ctx context.Context, n platform.Notification) error
}

// Config holds Service settings.
type Config struct {
	Connection connection.Config
	Retry      retry.Policy
}

// Service is the embedding-facing facade.
type Service struct {
	conn       *connection.Manager
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	backend    Backend
	logger     zerolog.Logger

	// desired tracks what callers asked for, so a forced reconnection can
	// rebuild the same set of subscriptions.
	mu      sync.Mutex
	desired map[string]dispatch.Options
}

// Handle wraps a registry handle so unsubscribing also drops the topic
// from the desired set.
type Handle struct {
	topic   string
	inner   *subscription.Handle
	service *Service
}

// Topic returns the subscribed topic key.
func (h *Handle) Topic() string { return h.topic }

// Unsubscribe tears the subscription down. Idempotent.
func (h *Handle) Unsubscribe() {
	h.service.mu.Lock()
	delete(h.service.desired, h.topic)
	h.service.mu.Unlock()
	h.inner.Unsubscribe()
}

// New wires a Service. channels fire in the given order on every event.
func New(cfg Config, tr transport.Transport, backend Backend, channels []delivery.Channel, logger zerolog.Logger) *Service {
	conn := connection.NewManager(cfg.Connection, tr, logger)
	dispatcher := dispatch.New(channels, backend, func() bool {
		return conn.State() == connection.StateConnected
	}, logger)
	registry := subscription.NewRegistry(tr, conn, dispatcher, cfg.Retry, logger)

	return &Service{
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		backend:    backend,
		logger:     logger.With().Str("component", "notifier").Logger(),
		desired:    make(map[string]dispatch.Options),
	}
}

// AddHook registers a delivery-outcome hook.
func (s *Service) AddHook(h dispatch.Hook) {
	s.dispatcher.AddHook(h)
}

// Start initializes the connection. On failure the automatic reconnection
// is scheduled and the error returned so the caller can log it; the
// service keeps recovering in the background.
func (s *Service) Start(ctx context.Context) error {
	if err := s.conn.Initialize(ctx); err != nil {
		s.conn.ScheduleReconnection()
		return err
	}
	return nil
}

// Stop tears down every subscription and destroys the connection manager.
func (s *Service) Stop() {
	s.registry.UnsubscribeAll()
	s.conn.Destroy()
}

// Subscribe registers interest in a topic. See the registry for the inert
// handle semantics when the connection is unavailable.
func (s *Service) Subscribe(ctx context.Context, topicKey string, opts dispatch.Options) *Handle {
	inner := s.registry.Subscribe(ctx, topicKey, opts)
	if inner.Topic() != "" {
		s.mu.Lock()
		s.desired[topicKey] = opts
		s.mu.Unlock()
	}
	return &Handle{topic: topicKey, inner: inner, service: s}
}

// UnsubscribeAll tears down every subscription.
func (s *Service) UnsubscribeAll() {
	s.mu.Lock()
	s.desired = make(map[string]dispatch.Options)
	s.mu.Unlock()
	s.registry.UnsubscribeAll()
}

// GetConnectionStatus returns the current status snapshot.
func (s *Service) GetConnectionStatus() Status {
	return Status{
		State:             s.conn.State(),
		SubscriptionCount: s.registry.Count(),
		RetryAttempts:     s.registry.RetryAttempts(),
	}
}

// ForceReconnect tears down all subscriptions, resets the retry budget,
// reconnects and rebuilds the previously active subscription set. This is
// the explicit escape from the soft-terminal exhausted state.
func (s *Service) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	desired := make(map[string]dispatch.Options, len(s.desired))
	for topic, opts := range s.desired {
		desired[topic] = opts
	}
	s.mu.Unlock()

	s.registry.UnsubscribeAll()

	if err := s.conn.ForceReconnection(ctx); err != nil {
		return err
	}

	for topic, opts := range desired {
		s.registry.Subscribe(ctx, topic, opts)
	}
	s.logger.Info().Int("subscriptions", len(desired)).Msg("forced reconnection complete")
	return nil
}

// TestNotification asks the backend to create a test notification for the
// user; the realtime channel pushing it back is the round-trip smoke test.
func (s *Service) TestNotification(ctx context.Context, userID string) error {
	return s.backend.CreateNotification(ctx, platform.Notification{
		UserID:   userID,
		Type:     "test",
		Title:    "Test notification",
		Message:  "Realtime delivery is working.",
		Priority: event.PriorityNormal,
	})
}

// IsSupported returns the delivery capability flags.
func (s *Service) IsSupported() delivery.Capabilities {
	return s.dispatcher.Capabilities()
}
