package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/events/bus"
)

// ProvidedBus wraps the in-process bus and, when configured, the NATS
// forwarder that mirrors it for external consumers.
type ProvidedBus struct {
	Bus       bus.EventBus
	Forwarder *Forwarder
}

// Provide builds the in-process event bus and attaches the NATS forwarder
// when a NATS URL is configured. The returned cleanup stops the forwarder
// and closes the bus.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	b := bus.NewBroadcastBus(cfg.Events.QueueSize, log)
	provided := &ProvidedBus{Bus: b}

	if strings.TrimSpace(cfg.Events.NATSURL) != "" {
		fwd, err := NewForwarder(cfg.Events, b, log)
		if err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("failed to initialize NATS forwarder: %w", err)
		}
		if err := fwd.Start(ctx); err != nil {
			fwd.conn.Close()
			b.Close()
			return nil, nil, fmt.Errorf("failed to start NATS forwarder: %w", err)
		}
		provided.Forwarder = fwd
	}

	cleanup := func() error {
		if provided.Forwarder != nil {
			provided.Forwarder.Close()
		}
		b.Close()
		return nil
	}
	return provided, cleanup, nil
}
