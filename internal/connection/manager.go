// Package connection tracks the lifecycle of the single transport
// connection: health checking, failure reporting and reconnection
// scheduling with exponential backoff.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/retry"
	"carepulse/internal/transport"
)

// State is the process-wide connection state. Exactly one value holds at
// any time.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrRetryBudgetExhausted is returned when automatic reconnection has given
// up. Only ForceReconnection escapes this state.
var ErrRetryBudgetExhausted = errors.New("connection retry budget exhausted")

// StateListener observes state transitions. Listeners are called outside
// the manager lock and must not block.
type StateListener func(old, new State)

// Config holds Manager settings.
type Config struct {
	HealthCheckInterval time.Duration
	PingTimeout         time.Duration
	Debounce            time.Duration
	Retry               retry.Policy
}

// Manager owns the global connection lifecycle. It is constructed
// explicitly and injected into consumers; nothing here is ambient global
// state, so tests run isolated instances.
type Manager struct {
	cfg       Config
	transport transport.Transport
	logger    zerolog.Logger

	mu         sync.Mutex
	state      State
	budget     retry.Budget
	reconnect  retry.Timer
	reconGen   uint64
	healthStop chan struct{}
	listeners  []StateListener
	destroyed  bool

	// Seams for tests; default to the real clock.
	now      func() time.Time
	newTimer retry.TimerFactory
}

// NewManager creates a Manager in the disconnected state.
func NewManager(cfg Config, tr transport.Transport, logger zerolog.Logger) *Manager {
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = retry.DefaultDebounce
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Manager{
		cfg:       cfg,
		transport: tr,
		logger:    logger.With().Str("component", "connection-manager").Logger(),
		state:     StateDisconnected,
		budget:    retry.NewBudget(cfg.Retry),
		now:       time.Now,
		newTimer:  retry.AfterFunc,
	}
}

// OnStateChange registers a listener for state transitions.
func (m *Manager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnection attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.Attempts
}

// CanAttemptConnection reports whether a new connection attempt is allowed
// by the debounce window. Pure guard, no side effects.
func (m *Manager) CanAttemptConnection() bool {
	m.mu.Lock()
	last := m.budget.LastAttempt
	m.mu.Unlock()
	return retry.CanAttempt(last, m.cfg.Debounce, m.now())
}

// TestConnection issues one lightweight round trip. Success leaves the
// state untouched; failure moves it to error.
func (m *Manager) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := m.transport.Ping(ctx); err != nil {
		m.setState(StateError)
		return err
	}
	return nil
}

// Initialize runs a connection test and, on success, starts the health
// check loop. On failure it returns the error without scheduling a retry;
// the caller decides whether to schedule.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return errors.New("connection manager destroyed")
	}
	m.budget.LastAttempt = m.now()
	m.mu.Unlock()

	m.setState(StateConnecting)

	if err := m.TestConnection(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("connection test failed")
		return err
	}

	m.mu.Lock()
	// Destroy may have run while the connection test was in flight; a
	// destroyed manager must not come up connected with a live loop.
	if m.destroyed {
		m.mu.Unlock()
		return errors.New("connection manager destroyed")
	}
	m.budget.Reset()
	m.stopHealthLocked()
	stop := make(chan struct{})
	m.healthStop = stop
	m.mu.Unlock()

	m.setState(StateConnected)
	go m.healthLoop(stop)
	m.logger.Info().Msg("connection established")
	return nil
}

// Destroy stops the health loop, cancels any pending reconnection and
// moves to disconnected. The manager cannot be reused afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.cancelReconnectLocked()
	m.stopHealthLocked()
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.logger.Info().Msg("connection manager destroyed")
}

// MarkConnectionSuccessful is called by collaborators that observed a
// successful transport operation. It clears any pending reconnection and
// resets the attempt counter.
func (m *Manager) MarkConnectionSuccessful() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.budget.Reset()
	var stop chan struct{}
	// Transitioning into connected must leave a running health loop, same
	// as Initialize.
	if m.state != StateConnected && !m.destroyed {
		m.stopHealthLocked()
		stop = make(chan struct{})
		m.healthStop = stop
	}
	m.mu.Unlock()

	if stop != nil {
		m.setState(StateConnected)
		go m.healthLoop(stop)
	}
}

// MarkConnectionFailed is called by collaborators that observed a
// transport failure outside the health loop.
func (m *Manager) MarkConnectionFailed(reason string) {
	m.logger.Warn().Str("reason", reason).Msg("connection failure reported")
	m.setState(StateError)
	m.ScheduleReconnection()
}

// ScheduleReconnection arms the one reconnection timer slot. It is a no-op
// when a timer is already pending or the retry budget is exhausted; the
// exhausted state is soft-terminal and only ForceReconnection escapes it.
func (m *Manager) ScheduleReconnection() {
	m.mu.Lock()
	if m.destroyed || m.reconnect != nil {
		m.mu.Unlock()
		return
	}
	if m.budget.Exhausted() {
		m.mu.Unlock()
		m.logger.Error().Int("attempts", m.cfg.Retry.MaxAttempts).Msg("reconnection given up, waiting for explicit recovery")
		return
	}
	delay := m.budget.NextDelay()
	m.reconGen++
	gen := m.reconGen
	m.reconnect = m.newTimer(delay, func() { m.onReconnectTimer(gen) })
	attempts := m.budget.Attempts
	m.mu.Unlock()

	m.logger.Info().Dur("delay", delay).Int("attempt", attempts).Msg("reconnection scheduled")
}

// onReconnectTimer fires the pending reconnection. The generation check
// drops stale callbacks that raced with a cancel.
func (m *Manager) onReconnectTimer(gen uint64) {
	m.mu.Lock()
	if m.reconGen != gen || m.reconnect == nil {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	m.mu.Unlock()

	if err := m.Initialize(context.Background()); err != nil {
		m.mu.Lock()
		m.budget.Attempts++
		m.mu.Unlock()
		m.ScheduleReconnection()
	}
}

// ForceReconnection cancels any pending timer, resets the retry budget and
// reconnects immediately. Used for explicit recovery after the automatic
// budget is exhausted.
func (m *Manager) ForceReconnection(ctx context.Context) error {
	m.mu.Lock()
	m.cancelReconnectLocked()
	m.budget.Reset()
	m.budget.LastAttempt = time.Time{}
	m.stopHealthLocked()
	m.mu.Unlock()

	m.setState(StateDisconnected)

	if err := m.Initialize(ctx); err != nil {
		return err
	}
	return nil
}

// healthLoop re-tests the connection at a fixed interval while connected.
func (m *Manager) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.checkHealth() {
				return
			}
		}
	}
}

// checkHealth runs one health check tick. Returns false when the loop
// should stop because the connection moved out of connected.
func (m *Manager) checkHealth() bool {
	if m.State() != StateConnected {
		return false
	}
	if err := m.TestConnection(context.Background()); err != nil {
		m.logger.Warn().Err(err).Msg("health check failed")
		m.ScheduleReconnection()
		return false
	}
	return true
}

// cancelReconnectLocked stops and clears the pending reconnection timer.
// Cancel-then-null, so a fired callback cannot act after cancellation.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconGen++
}

func (m *Manager) stopHealthLocked() {
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

// setState transitions to the new state and notifies listeners. Leaving
// connected stops the health loop.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.state
	if old == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if old == StateConnected && s != StateConnected {
		m.stopHealthLocked()
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Debug().Str("from", string(old)).Str("to", string(s)).Msg("connection state changed")
	for _, fn := range listeners {
		fn(old, s)
	}
}
