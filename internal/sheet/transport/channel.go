package transport

import "context"

// EventType names a push channel message.
type EventType string

const (
	EventConnected EventType = "connected"
	EventChanged   EventType = "changed"
	EventPing      EventType = "ping"
)

// Event is one message received on the push channel.
type Event struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"clientId,omitempty"`
}

// Subscription is an open push channel.
type Subscription interface {
	// Events delivers messages until the subscription ends. The channel is
	// closed when the connection drops or Close is called.
	Events() <-chan Event

	// Err reports why Events was closed. An error matching
	// errs.ErrChannelClosedPermanent means the channel can never reopen.
	Err() error

	// Close ends the subscription. It must not wait for the reader.
	Close() error
}

// Channel opens push subscriptions.
type Channel interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// PushEnabler registers the session for push notifications before the first
// subscription is opened.
type PushEnabler interface {
	EnablePush(ctx context.Context) error
}

// RefreshFunc fetches the record list and reconciles it.
type RefreshFunc func(ctx context.Context) error
