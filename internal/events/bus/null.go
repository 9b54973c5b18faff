package bus

import (
	"context"

	"github.com/google/uuid"
)

// NullBus accepts publishes and yields immediately finished subscriptions.
// It exists so tests and embedders can run the engine without observers.
type NullBus struct{}

// NewNullBus creates a null event bus.
func NewNullBus() *NullBus {
	return &NullBus{}
}

// Publish discards the event.
func (*NullBus) Publish(ctx context.Context, event Event) {}

// Subscribe returns a subscription whose stream is already finished.
func (*NullBus) Subscribe(ctx context.Context, opts ...SubscribeOption) (*Subscription, error) {
	return newClosedSubscription(uuid.New().String()), nil
}

// Close is a no-op.
func (*NullBus) Close() {}
