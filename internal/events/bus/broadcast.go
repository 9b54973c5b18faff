package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/logger"
)

// BroadcastBus is the default EventBus implementation. Every subscriber
// whose filter accepts an event receives it on its own bounded queue in
// publish order.
type BroadcastBus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	closed    bool
	logger    *logger.Logger
}

// NewBroadcastBus creates a broadcast bus with the given default
// per-subscriber queue size (0 means DefaultQueueSize).
func NewBroadcastBus(queueSize int, log *logger.Logger) *BroadcastBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &BroadcastBus{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		logger:    log,
	}
}

// Publish delivers the event to every subscriber whose filter accepts it.
// When a subscriber's queue is full, Publish blocks until that subscriber
// drains or closes. Publish never fails.
func (b *BroadcastBus) Publish(ctx context.Context, event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.accepts(event) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- event:
		case <-s.done:
			// Closed mid-delivery; the event is discarded for this
			// subscriber without error.
		case <-ctx.Done():
			return
		}
	}

	b.logger.Debug("published event",
		zap.String("event_type", event.EventType()),
		zap.String("session_id", event.EventSessionID()),
		zap.Int("subscribers", len(targets)))
}

// Subscribe creates a subscription. Cancelling ctx closes it.
func (b *BroadcastBus) Subscribe(ctx context.Context, opts ...SubscribeOption) (*Subscription, error) {
	options := subscribeOptions{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	s := newSubscription(uuid.New().String(), options.sessionID, options.queueSize, b.removeSubscription)
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump(ctx)

	b.logger.Debug("subscribed",
		zap.String("subscription_id", s.id),
		zap.String("session_filter", options.sessionID))
	return s, nil
}

// pump forwards queued events to the consumer channel and closes it on
// termination. It runs for the lifetime of the subscription.
func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case ev := <-s.queue:
			select {
			case s.out <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
	}
}

// Close shuts down the bus and terminates all subscriptions.
func (b *BroadcastBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.terminate()
	}

	b.logger.Debug("event bus closed")
}

// SubscriberCount returns the number of active subscriptions.
func (b *BroadcastBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *BroadcastBus) removeSubscription(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
