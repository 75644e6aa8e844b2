package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
)

// Transport is the process's domain-event connection. It embeds the
// active bus implementation and remembers whether events actually
// cross process boundaries.
type Transport struct {
	bus.EventBus
	distributed bool
}

// Connect chooses the transport from config: a NATS URL selects the
// shared bus, an empty one selects the in-process bus for single-node
// runs.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return &Transport{EventBus: bus.NewMemoryEventBus(log)}, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect domain-event bus: %w", err)
	}
	return &Transport{EventBus: natsBus, distributed: true}, nil
}

// Distributed reports whether events reach other processes.
func (t *Transport) Distributed() bool { return t.distributed }

// HealthProbe adapts connection state for the health aggregator. The
// in-process bus cannot fail, so it gets a nil (disabled) probe.
func (t *Transport) HealthProbe() func(context.Context) error {
	if !t.distributed {
		return nil
	}
	return func(context.Context) error {
		if !t.IsConnected() {
			return fmt.Errorf("connection down")
		}
		return nil
	}
}
