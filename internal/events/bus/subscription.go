package bus

import "sync"

// Subscription is a cancellable stream of events. Consumers range over
// Events(); the channel closes when the subscription is closed, the
// subscribe context is cancelled, or the bus shuts down.
type Subscription struct {
	id        string
	sessionID string // filter; empty means all sessions

	queue chan Event // bounded; publishers block here
	out   chan Event // consumer-facing

	done      chan struct{}
	closeOnce sync.Once
	remove    func(id string)
}

func newSubscription(id, sessionID string, queueSize int, remove func(id string)) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if remove == nil {
		remove = func(string) {}
	}
	return &Subscription{
		id:        id,
		sessionID: sessionID,
		queue:     make(chan Event, queueSize),
		out:       make(chan Event),
		done:      make(chan struct{}),
		remove:    remove,
	}
}

// newClosedSubscription returns a subscription whose stream is already
// finished. Used by the null bus.
func newClosedSubscription(id string) *Subscription {
	s := newSubscription(id, "", 1, nil)
	s.terminate()
	close(s.out)
	return s
}

// Events returns the stream of accepted events in publish order.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// SessionFilter returns the session id this subscription is filtered to,
// or empty when unfiltered.
func (s *Subscription) SessionFilter() string {
	return s.sessionID
}

// Close terminates the subscription. Events published afterwards are
// discarded without error; the Events channel closes once the pump exits.
// Close is idempotent.
func (s *Subscription) Close() {
	s.terminate()
	s.remove(s.id)
}

// terminate signals shutdown without touching bus bookkeeping.
func (s *Subscription) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// accepts reports whether the event passes this subscription's filter.
func (s *Subscription) accepts(event Event) bool {
	if s.sessionID == "" {
		return true
	}
	return event.EventSessionID() == s.sessionID
}
