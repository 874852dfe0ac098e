package hook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"carepulse/internal/dispatch"
	"carepulse/internal/event"
)

// DefaultExecutionTimeout bounds one hook invocation.
const DefaultExecutionTimeout = 5 * time.Second

// entryPoint is the function every hook script must define.
const entryPoint = "onDelivered"

// script is one loaded hook.
type script struct {
	name string
	vm   *goja.Runtime
	fn   goja.Callable
	mu   sync.Mutex // goja VMs are not goroutine safe
}

// Manager loads .js hook scripts and implements dispatch.Hook by invoking
// each script's onDelivered(event, outcomes) function.
type Manager struct {
	scripts []*script
	timeout time.Duration
	logger  zerolog.Logger
}

// NewManager creates an empty hook manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		timeout: DefaultExecutionTimeout,
		logger:  logger.With().Str("component", "hook-manager").Logger(),
	}
}

// LoadFromDirectory loads every .js file in dir. A missing directory is
// not an error; hooks are optional.
func (m *Manager) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		m.logger.Debug().Str("directory", dir).Msg("hooks directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat hooks directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("hooks path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read hooks directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := m.loadScript(path); err != nil {
			m.logger.Error().Err(err).Str("hook", e.Name()).Msg("failed to load hook")
			continue
		}
		m.logger.Info().Str("hook", e.Name()).Msg("hook loaded")
	}
	return nil
}

// LoadSource compiles one hook from source. Used by tests and embedders.
func (m *Manager) LoadSource(name, source string) error {
	vm := newRuntime(m.logger.With().Str("hook", name).Logger())
	if _, err := vm.RunString(source); err != nil {
		return fmt.Errorf("failed to evaluate hook: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return fmt.Errorf("hook does not define %s()", entryPoint)
	}

	m.scripts = append(m.scripts, &script{name: name, vm: vm, fn: fn})
	return nil
}

func (m *Manager) loadScript(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read hook file: %w", err)
	}
	return m.LoadSource(filepath.Base(path), string(source))
}

// Len returns the number of loaded hooks.
func (m *Manager) Len() int { return len(m.scripts) }

// OnDelivered implements dispatch.Hook.
func (m *Manager) OnDelivered(ev event.Event, outcomes []dispatch.Outcome) {
	if len(m.scripts) == 0 {
		return
	}

	payload := map[string]interface{}{
		"id":       ev.ID,
		"userId":   ev.UserID,
		"topic":    ev.Topic,
		"kind":     string(ev.Kind),
		"type":     ev.Type,
		"title":    ev.Title,
		"message":  ev.Message,
		"priority": string(ev.Priority),
	}
	// Round-trip through JSON so scripts see plain objects.
	outcomeData, err := json.Marshal(outcomes)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to marshal outcomes for hooks")
		return
	}
	var outcomeArg interface{}
	_ = json.Unmarshal(outcomeData, &outcomeArg)

	for _, s := range m.scripts {
		m.invoke(s, payload, outcomeArg)
	}
}

// invoke runs one script with a timeout, containing panics and errors.
func (m *Manager) invoke(s *script, eventArg, outcomeArg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.AfterFunc(m.timeout, func() {
		s.vm.Interrupt("hook execution timed out")
	})
	defer timer.Stop()
	defer s.vm.ClearInterrupt()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("hook", s.name).Interface("panic", r).Msg("hook panicked")
		}
	}()

	if _, err := s.fn(goja.Undefined(), s.vm.ToValue(eventArg), s.vm.ToValue(outcomeArg)); err != nil {
		m.logger.Warn().Err(err).Str("hook", s.name).Msg("hook failed")
	}
}
