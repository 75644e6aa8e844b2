package wrapper

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/pkg/stream"
)

const (
	busConnectRetries = 30
	busConnectDelay   = time.Second
)

// App wires the wrapper components together and owns their lifecycle.
type App struct {
	config     *Config
	logger     *logger.Logger
	bus        bus.Client
	publisher  *Publisher
	health     *HealthEmitter
	interrupts *InterruptListener
	runner     *AgentRunner
	loop       *InteractiveLoop
}

// NewApp connects to the bus and assembles the wrapper. The bus is the
// session's only control channel, so connection failures are fatal after
// bounded retries.
func NewApp(ctx context.Context, cfg *Config, log *logger.Logger) (*App, error) {
	client, err := connectBus(ctx, cfg.RedisURL, log)
	if err != nil {
		return nil, err
	}

	pub := NewPublisher(client, cfg.SessionID, log)
	runner := NewAgentRunner(cfg, pub, log)

	return &App{
		config:     cfg,
		logger:     log,
		bus:        client,
		publisher:  pub,
		health:     NewHealthEmitter(client, cfg.SessionID, log),
		interrupts: NewInterruptListener(client, cfg.SessionID, log),
		runner:     runner,
		loop:       NewInteractiveLoop(cfg, pub, runner, log),
	}, nil
}

// Run generates workspace config, starts the background components, and
// blocks in the interactive loop until a signal or stop interrupt arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	NewConfigGenerator(a.config, a.logger).Generate()

	a.health.Start(ctx)
	defer a.health.Stop()

	a.interrupts.OnInterrupt(a.handleInterrupt)
	if err := a.interrupts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start interrupt listener: %w", err)
	}
	defer a.interrupts.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		a.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		a.loop.Stop()
	}()

	err := a.loop.Run(ctx)

	// Report terminal state on a fresh context: the run context may
	// already be canceled during shutdown.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if stateErr := a.publisher.UpdateState(stopCtx, models.StatusStopped); stateErr != nil {
		a.logger.Warn("failed to report stopped state", zap.Error(stateErr))
	}

	return err
}

// Fail reports a fatal wrapper error so the gateway and any streaming
// clients see why the session died, then releases bus resources.
func (a *App) Fail(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.publisher.PublishError(ctx, reason); err != nil {
		a.logger.Error("failed to publish fatal error", zap.Error(err))
	}
	if err := a.publisher.UpdateState(ctx, models.StatusFailed); err != nil {
		a.logger.Error("failed to report failed state", zap.Error(err))
	}
	a.Close()
}

// Close releases the bus connection.
func (a *App) Close() {
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("failed to close bus client", zap.Error(err))
	}
}

// handleInterrupt reacts to control messages from the parent or gateway.
func (a *App) handleInterrupt(ctx context.Context, i *stream.Interrupt) {
	switch i.Type {
	case stream.InterruptStop:
		a.loop.Stop()
	case stream.InterruptRedirect:
		a.runner.Stop()
		banner := RedirectBanner(i)
		if err := a.publisher.InjectPrompt(ctx, banner); err != nil {
			a.logger.Error("failed to queue redirect prompt", zap.Error(err))
		}
	case stream.InterruptPause:
		a.runner.Stop()
	default:
		a.logger.Warn("ignoring unknown interrupt type", zap.String("type", i.Type))
	}
}

// connectBus dials the bus with bounded retries. The wrapper usually races
// the broker on container startup, so transient refusals are expected.
func connectBus(ctx context.Context, url string, log *logger.Logger) (bus.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= busConnectRetries; attempt++ {
		client, err := bus.NewRedisClient(ctx, url, log)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Warn("bus not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busConnectDelay):
		}
	}
	return nil, fmt.Errorf("bus unreachable after %d attempts: %w", busConnectRetries, lastErr)
}
