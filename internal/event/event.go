// Package event defines the normalized notification event flowing from the
// channel service into the delivery channels.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"carepulse/internal/transport"
)

// Priority is the severity tier controlling delivery-channel intensity.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Event is one normalized change notification. Immutable and transient;
// nothing in this core persists it. The transport is at-least-once, so the
// same ID can arrive more than once and consumers must tolerate that.
type Event struct {
	ID        string
	UserID    string
	Topic     string
	Kind      transport.ChangeKind
	Type      string
	Title     string
	Message   string
	Priority  Priority
	CreatedAt time.Time
	ActionRef string
}

// record is the wire shape of a notification row. Every field is optional;
// Normalize fills defaults rather than rejecting the event.
type record struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
	ActionRef string `json:"action_ref"`
}

// Normalize converts a raw transport change into an Event. Missing or
// malformed optional fields get defaults; Normalize never fails.
func Normalize(change transport.ChangeEvent, now time.Time) Event {
	var rec record
	if len(change.Record) > 0 {
		// A parse failure leaves rec zero-valued; defaults cover the rest.
		_ = json.Unmarshal(change.Record, &rec)
	}

	e := Event{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Topic:     change.Topic,
		Kind:      change.Kind,
		Type:      rec.Type,
		Title:     rec.Title,
		Message:   rec.Message,
		Priority:  Priority(rec.Priority),
		ActionRef: rec.ActionRef,
		CreatedAt: now,
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = transport.ChangeUpdated
	}
	if e.Type == "" {
		e.Type = "general"
	}
	if e.Title == "" {
		e.Title = "Notification"
	}
	if !e.Priority.Valid() {
		e.Priority = PriorityNormal
	}
	if rec.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
			e.CreatedAt = ts
		}
	}
	return e
}
