// Package bus provides the in-process event bus for the Tandem engine.
//
// The bus carries typed events (see the events package for the catalogue).
// Each subscriber owns a bounded queue; when the queue is full, publishers
// block until that subscriber drains, so slow consumers apply backpressure
// instead of losing events. Subscribers optionally filter by session id.
package bus

import "context"

// DefaultQueueSize is the per-subscriber queue depth used when a
// subscription does not override it.
const DefaultQueueSize = 64

// Event is a typed payload carried by the bus. Events that pertain to a
// specific session report its id from EventSessionID; others return "".
type Event interface {
	EventType() string
	EventSessionID() string
}

// EventBus is the publish/subscribe surface exposed by the engine.
type EventBus interface {
	// Publish delivers the event to every current subscriber whose filter
	// accepts it. Publish never fails; publishing with no subscribers is a
	// no-op. A cancelled context abandons delivery to subscribers that have
	// not yet accepted the event.
	Publish(ctx context.Context, event Event)

	// Subscribe creates a subscription. The returned subscription's Events
	// channel yields events in publish order until Close is called.
	Subscribe(ctx context.Context, opts ...SubscribeOption) (*Subscription, error)

	// Close shuts down the bus and terminates all subscriptions.
	Close()
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	sessionID string
	queueSize int
}

// WithSessionFilter restricts the subscription to events whose session id
// equals sessionID. Events without a session id are not delivered to
// filtered subscriptions.
func WithSessionFilter(sessionID string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.sessionID = sessionID
	}
}

// WithQueueSize overrides the subscription's bounded queue depth.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}
