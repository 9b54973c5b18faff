package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/events/bus"
)

// SubjectBroadcast carries every engine event.
const SubjectBroadcast = "events.broadcast"

// SessionSubject returns the per-session subject for session-scoped events.
func SessionSubject(sessionID string) string {
	return "events.session." + sessionID
}

// SessionWildcardSubject subscribes to the session-scoped events of all
// sessions.
func SessionWildcardSubject() string {
	return "events.session.*"
}

// Envelope is the wire form of an event on NATS.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Forwarder republishes in-process bus events to NATS so out-of-process
// consumers can follow along. Delivery is fire-and-forget: a NATS outage
// never blocks or fails engine operations.
type Forwarder struct {
	conn   *nats.Conn
	bus    bus.EventBus
	logger *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder connects to NATS with reconnection handling. The forwarder
// does not subscribe until Start is called.
func NewForwarder(cfg config.EventsConfig, b bus.EventBus, log *logger.Logger) (*Forwarder, error) {
	opts := []nats.Option{
		nats.Name(cfg.NATSClientID),
		nats.MaxReconnects(cfg.NATSMaxReconnect),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.NATSURL))

	return &Forwarder{
		conn:   conn,
		bus:    b,
		logger: log,
		done:   make(chan struct{}),
	}, nil
}

// Start subscribes to the bus and pumps events to NATS until ctx is
// cancelled or Close is called.
func (f *Forwarder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := f.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}
	f.cancel = cancel

	go func() {
		defer close(f.done)
		for event := range sub.Events() {
			f.forward(event)
		}
	}()
	return nil
}

// forward publishes one event on the broadcast subject and, when session
// scoped, on the per-session subject.
func (f *Forwarder) forward(event bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("failed to marshal event for NATS",
			zap.String("type", event.EventType()),
			zap.Error(err))
		return
	}

	env := Envelope{
		ID:        uuid.NewString(),
		Type:      event.EventType(),
		SessionID: event.EventSessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		f.logger.Error("failed to marshal event envelope", zap.Error(err))
		return
	}

	if err := f.conn.Publish(SubjectBroadcast, data); err != nil {
		f.logger.Warn("failed to publish event to NATS",
			zap.String("type", env.Type),
			zap.Error(err))
		return
	}
	if env.SessionID != "" {
		if err := f.conn.Publish(SessionSubject(env.SessionID), data); err != nil {
			f.logger.Warn("failed to publish session event to NATS",
				zap.String("type", env.Type),
				zap.String("session_id", env.SessionID),
				zap.Error(err))
		}
	}
}

// Close stops forwarding, flushes pending publishes and drops the
// connection.
func (f *Forwarder) Close() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	if err := f.conn.Drain(); err != nil {
		f.logger.Warn("NATS drain failed", zap.Error(err))
	}
	f.conn.Close()
}
