package transport

import (
	"context"
	"encoding/json"
)

// ChangeKind is the row-level change type delivered by the channel service.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
)

// ChangeEvent is one row-level change notification as received from the
// channel service. Record carries the service's payload untouched; the
// dispatcher normalizes it.
type ChangeEvent struct {
	Topic  string
	Kind   ChangeKind
	Record json.RawMessage
}

// ChannelStatus reports the state of one channel subscription.
type ChannelStatus string

const (
	StatusSubscribed ChannelStatus = "subscribed"
	StatusError      ChannelStatus = "error"
	StatusClosed     ChannelStatus = "closed"
)

// ChannelCallbacks are invoked by the transport as events and status changes
// arrive for one channel. Callbacks run on the transport's read goroutine
// and must not block.
type ChannelCallbacks struct {
	OnChange func(ChangeEvent)
	OnStatus func(ChannelStatus, error)
}

// Channel is one live subscription to a topic on the channel service.
// The wire protocol is owned entirely by the service; this interface only
// exposes join/leave semantics.
type Channel interface {
	// Join subscribes the channel on the service and starts delivering
	// events to the registered callbacks.
	Join(ctx context.Context) error
	// Leave unsubscribes and releases the channel. Idempotent.
	Leave() error
}

// Transport is the external push-channel collaborator. Implementations are
// expected to be safe for concurrent use.
type Transport interface {
	// Ping issues one lightweight round trip to the service.
	Ping(ctx context.Context) error
	// Channel creates a channel handle for the given topic. The channel is
	// not live until Join is called.
	Channel(topic string, cb ChannelCallbacks) (Channel, error)
	// Close releases the underlying connection.
	Close() error
}
