package wrapper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
)

// HealthEmitter refreshes the session heartbeat on the state hash. If the
// process dies, the hash TTL lapses and the gateway monitor marks the
// session failed.
type HealthEmitter struct {
	bus       bus.Client
	sessionID string
	interval  time.Duration
	logger    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthEmitter creates a heartbeat emitter for one session.
func NewHealthEmitter(b bus.Client, sessionID string, log *logger.Logger) *HealthEmitter {
	return &HealthEmitter{
		bus:       b,
		sessionID: sessionID,
		interval:  heartbeatInterval,
		logger:    log,
	}
}

// Start launches the heartbeat loop. The first beat is written immediately.
func (h *HealthEmitter) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.beat(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()

	h.logger.Info("health emitter started",
		zap.String("session_id", h.sessionID),
		zap.Duration("interval", h.interval))
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (h *HealthEmitter) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.logger.Info("health emitter stopped")
}

func (h *HealthEmitter) beat(ctx context.Context) {
	key := bus.StateKey(h.sessionID)
	err := h.bus.HashSet(ctx, key, map[string]string{
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("failed to write heartbeat", zap.Error(err))
		return
	}
	if err := h.bus.Expire(ctx, key, stateTTL); err != nil {
		h.logger.Error("failed to refresh state ttl", zap.Error(err))
	}
}
