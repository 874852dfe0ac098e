// Package platform is the REST client for the clinic platform backend. The
// backend owns durable notification state and delivery preferences; this
// core only calls it.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/delivery"
	"carepulse/internal/dispatch"
	"carepulse/internal/event"
)

// Notification is the payload for CreateNotification.
type Notification struct {
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  event.Priority `json:"priority"`
	ActionRef string         `json:"action_ref,omitempty"`
}

// preferenceRow is one row of the backend's delivery-preference table.
type preferenceRow struct {
	EventType string `json:"event_type"`
	Sound     bool   `json:"sound"`
	Visual    bool   `json:"visual"`
	Haptic    bool   `json:"haptic"`
}

// Config holds Client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the platform REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a platform API client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "platform-client").Logger(),
	}
}

// CreateNotification persists a notification row on the backend. Used to
// synthesize test and manual events; the realtime channel then pushes the
// row back as a change event.
func (c *Client) CreateNotification(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create notification: unexpected status %d: %s", resp.StatusCode, data)
	}
	return nil
}

// GetDeliveryPreferences implements dispatch.PreferenceLookup.
func (c *Client) GetDeliveryPreferences(ctx context.Context, userID string) (dispatch.PreferenceSet, error) {
	endpoint := c.baseURL + "/v1/delivery-preferences?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch preferences: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch preferences: unexpected status %d", resp.StatusCode)
	}

	var rows []preferenceRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}

	set := make(dispatch.PreferenceSet, len(rows))
	for _, row := range rows {
		set[row.EventType] = map[delivery.Name]bool{
			delivery.ChannelSound:  row.Sound,
			delivery.ChannelVisual: row.Visual,
			delivery.ChannelHaptic: row.Haptic,
		}
	}
	return set, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
