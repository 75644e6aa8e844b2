package wrapper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/pkg/stream"
)

// Publisher sends session envelopes and state updates over the bus.
// Every published envelope is also pushed onto the capped replay buffer so
// late-joining stream clients can catch up.
type Publisher struct {
	bus       bus.Client
	sessionID string
	logger    *logger.Logger
}

// NewPublisher creates a publisher for one session.
func NewPublisher(b bus.Client, sessionID string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:       b,
		sessionID: sessionID,
		logger:    log,
	}
}

// PublishOutput publishes a normalized agent event as an output envelope.
func (p *Publisher) PublishOutput(ctx context.Context, data map[string]interface{}) error {
	env, err := stream.NewOutput(p.sessionID, data)
	if err != nil {
		return err
	}
	return p.publish(ctx, env)
}

// PublishResult publishes the terminal result envelope and stores the
// result payload for late retrieval.
func (p *Publisher) PublishResult(ctx context.Context, result *stream.Result) error {
	env, err := stream.NewResult(p.sessionID, result)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, env); err != nil {
		return err
	}
	if err := p.bus.SetWithTTL(ctx, bus.ResultKey(p.sessionID), env.Data, resultTTL); err != nil {
		p.logger.Warn("failed to store session result", zap.Error(err))
	}
	return nil
}

// PublishError publishes an error envelope.
func (p *Publisher) PublishError(ctx context.Context, message string) error {
	return p.publish(ctx, stream.NewError(p.sessionID, message))
}

// UpdateState writes the session status and heartbeat to the state hash
// and refreshes its TTL.
func (p *Publisher) UpdateState(ctx context.Context, status models.Status) error {
	key := bus.StateKey(p.sessionID)
	err := p.bus.HashSet(ctx, key, map[string]string{
		"status":         string(status),
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.bus.Expire(ctx, key, stateTTL)
}

// GetInput waits up to timeout for the next prompt on the input queue.
// Returns (nil, nil) when the queue stays empty.
func (p *Publisher) GetInput(ctx context.Context, timeout time.Duration) (*stream.InputMessage, error) {
	raw, err := p.bus.BlockingPop(ctx, bus.InputKey(p.sessionID), timeout)
	if err != nil || raw == nil {
		return nil, err
	}
	msg, err := stream.DecodeInput(raw)
	if err != nil {
		p.logger.Warn("dropping malformed input message", zap.Error(err))
		return nil, nil
	}
	return msg, nil
}

// InjectPrompt pushes a prompt at the head of the input queue, ahead of
// anything already waiting. Used for interrupt redirects.
func (p *Publisher) InjectPrompt(ctx context.Context, prompt string) error {
	raw, err := stream.NewInput(prompt, "").Encode()
	if err != nil {
		return err
	}
	return p.bus.PushFront(ctx, bus.InputKey(p.sessionID), raw)
}

// publish sends the envelope on the output topic and records it in the
// replay buffer. Buffer failures are logged, not fatal: live delivery is
// the contract, replay is best effort.
func (p *Publisher) publish(ctx context.Context, env *stream.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	if _, err := p.bus.Publish(ctx, bus.OutputTopic(p.sessionID), raw); err != nil {
		return err
	}

	bufKey := bus.OutputBufferKey(p.sessionID)
	if err := p.bus.PushFront(ctx, bufKey, raw); err != nil {
		p.logger.Warn("failed to buffer output envelope", zap.Error(err))
		return nil
	}
	if err := p.bus.Trim(ctx, bufKey, 0, outputBufferLimit-1); err != nil {
		p.logger.Warn("failed to trim output buffer", zap.Error(err))
	}
	if err := p.bus.Expire(ctx, bufKey, resultTTL); err != nil {
		p.logger.Warn("failed to refresh output buffer ttl", zap.Error(err))
	}
	return nil
}
