package delivery

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"carepulse/internal/event"
)

// AlertDriver abstracts native desktop alerts.
type AlertDriver interface {
	Available() bool
	// Notify shows an alert that auto-dismisses after the host's fixed delay.
	Notify(title, message string) error
	// Alert shows a sticky alert that requires explicit dismissal.
	Alert(title, message string) error
}

// VisualChannel shows one native alert per logical event. Alerts are
// deduplicated by event ID, so at-least-once transport deliveries never
// produce two alerts for the same event. Urgent alerts are sticky; all
// others auto-dismiss.
type VisualChannel struct {
	driver AlertDriver
	seen   *lru.Cache[string, struct{}]
	logger zerolog.Logger
}

// NewVisualChannel creates the visual channel with a dedup cache of the
// given size.
func NewVisualChannel(driver AlertDriver, dedupSize int, logger zerolog.Logger) (*VisualChannel, error) {
	if dedupSize <= 0 {
		dedupSize = 512
	}
	cache, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &VisualChannel{
		driver: driver,
		seen:   cache,
		logger: logger.With().Str("component", "visual-channel").Logger(),
	}, nil
}

// Name implements Channel.
func (c *VisualChannel) Name() Name { return ChannelVisual }

// Available implements Channel.
func (c *VisualChannel) Available() bool { return c.driver.Available() }

// Deliver implements Channel.
func (c *VisualChannel) Deliver(ev event.Event) error {
	if !c.driver.Available() {
		return nil
	}
	if c.seen.Contains(ev.ID) {
		c.logger.Debug().Str("event", ev.ID).Msg("duplicate event, alert suppressed")
		return nil
	}
	c.seen.Add(ev.ID, struct{}{})

	if ev.Priority == event.PriorityUrgent {
		return c.driver.Alert(ev.Title, ev.Message)
	}
	return c.driver.Notify(ev.Title, ev.Message)
}
