package platform

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	sessionstore "github.com/agentdock/agentdock/internal/session/store"
)

const (
	eventSource = "platform-bridge"

	// pollInterval is how often Ask checks the response key while a
	// question is outstanding.
	pollInterval = time.Second

	defaultAskTimeout  = 1800
	defaultMaxAttempts = 3
	defaultPriority    = "normal"
)

// Service relays questions and notifications between sessions and the
// messaging platform, recording every exchange as an interaction.
type Service struct {
	store    *Store
	sessions *sessionstore.Store
	bus      bus.Client
	poster   Poster
	events   eventbus.EventBus
	logger   *logger.Logger
}

// NewService wires the platform bridge. A nil poster means the bridge is
// disabled; Ask and Notify then report the service as unavailable.
func NewService(st *Store, sessions *sessionstore.Store, busClient bus.Client, poster Poster, evts eventbus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		bus:      busClient,
		poster:   poster,
		events:   evts,
		logger:   log,
	}
}

// AskParams describes a question relayed to a human.
type AskParams struct {
	SessionID      string
	Question       string
	TimeoutSeconds int // per delivery attempt, defaults to 1800
	MaxAttempts    int // defaults to 3
	Priority       string
	Options        []string
}

// AskResult is the outcome of a completed ask.
type AskResult struct {
	InteractionID string            `json:"interaction_id"`
	Status        InteractionStatus `json:"status"`
	Response      *string           `json:"response,omitempty"`
	TimedOut      bool              `json:"timed_out"`
}

// Ask posts a question to the platform and blocks until a human answers,
// every attempt expires, or the context is cancelled. Each attempt gets
// its own timeout window; unanswered attempts are re-asked in the same
// thread. Cancellation leaves the interaction pending.
func (s *Service) Ask(ctx context.Context, params AskParams) (*AskResult, error) {
	if s.poster == nil {
		return nil, apperrors.ServiceUnavailable("discord")
	}
	if params.TimeoutSeconds <= 0 {
		params.TimeoutSeconds = defaultAskTimeout
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = defaultMaxAttempts
	}
	if params.Priority == "" {
		params.Priority = defaultPriority
	}
	if _, err := s.sessions.GetByID(ctx, params.SessionID); err != nil {
		return nil, err
	}

	in := &Interaction{
		SessionID:      params.SessionID,
		Type:           TypeQuestion,
		Status:         StatusPending,
		Message:        params.Question,
		MaxAttempts:    params.MaxAttempts,
		TimeoutSeconds: params.TimeoutSeconds,
		Priority:       params.Priority,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	log := s.logger.WithSessionID(params.SessionID)
	log.Info("Relaying question to platform",
		zap.String("interaction_id", in.ID),
		zap.Int("timeout_seconds", params.TimeoutSeconds),
		zap.Int("max_attempts", params.MaxAttempts),
	)
	s.publishEvent(ctx, events.InteractionAsked, in, nil)

	responseKey := bus.DiscordResponseKey(params.SessionID, in.ID)
	window := time.Duration(params.TimeoutSeconds) * time.Second

	for attempt := 1; attempt <= params.MaxAttempts; attempt++ {
		in.Attempt = attempt
		if err := s.store.Update(ctx, in); err != nil {
			log.Warn("Failed to persist interaction attempt", zap.Error(err))
		}

		if err := s.postAttempt(ctx, in, params.Options); err != nil {
			// The attempt is burned: polling for a question nobody saw
			// would just stall the caller.
			log.Warn("Failed to post question",
				zap.String("interaction_id", in.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		answer, err := s.pollResponse(ctx, responseKey, window)
		if err != nil {
			return nil, err
		}
		if answer != nil {
			return s.finishAnswered(ctx, in, string(answer), log)
		}
		log.Info("Question attempt expired unanswered",
			zap.String("interaction_id", in.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", params.MaxAttempts),
		)
	}

	in.Status = StatusTimeout
	if err := s.store.Update(ctx, in); err != nil {
		log.Warn("Failed to persist interaction timeout", zap.Error(err))
	}
	s.publishEvent(ctx, events.InteractionTimedOut, in, nil)
	return &AskResult{InteractionID: in.ID, Status: StatusTimeout, TimedOut: true}, nil
}

// postAttempt delivers one attempt. The first post (or any attempt whose
// thread never got created) opens a thread; later attempts nudge inside it.
func (s *Service) postAttempt(ctx context.Context, in *Interaction, options []string) error {
	if in.ThreadID == nil {
		threadID, messageID, err := s.poster.PostQuestion(ctx, in, options)
		if err != nil {
			return err
		}
		if threadID != "" {
			in.ThreadID = &threadID
		}
		if messageID != "" {
			in.MessageID = &messageID
		}
		if err := s.store.Update(ctx, in); err != nil {
			s.logger.WithSessionID(in.SessionID).Warn("Failed to persist thread handle", zap.Error(err))
		}
		return nil
	}
	return s.poster.PostRetry(ctx, in)
}

// pollResponse watches the response key until the window closes. It
// returns the payload when the bot wrote an answer, (nil, nil) when the
// window expired, and the context error on cancellation.
func (s *Service) pollResponse(ctx context.Context, key string, window time.Duration) ([]byte, error) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		payload, err := s.bus.Get(ctx, key)
		if err != nil {
			s.logger.Debug("Failed to read response key", zap.String("key", key), zap.Error(err))
		} else if payload != nil {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Service) finishAnswered(ctx context.Context, in *Interaction, answer string, log *logger.Logger) (*AskResult, error) {
	now := time.Now().UTC()
	in.Status = StatusAnswered
	in.Response = &answer
	in.AnsweredAt = &now
	if err := s.store.Update(ctx, in); err != nil {
		log.Warn("Failed to persist answer", zap.Error(err))
	}
	s.publishEvent(ctx, events.InteractionAnswered, in, map[string]interface{}{
		"attempt": in.Attempt,
	})
	log.Info("Question answered",
		zap.String("interaction_id", in.ID),
		zap.Int("attempt", in.Attempt),
	)
	return &AskResult{
		InteractionID: in.ID,
		Status:        StatusAnswered,
		Response:      &answer,
		TimedOut:      false,
	}, nil
}

// NotifyParams describes a one-way notification.
type NotifyParams struct {
	SessionID string
	Message   string
	Priority  string
	Summary   string
}

// NotifyResult reports the delivery outcome.
type NotifyResult struct {
	InteractionID string            `json:"interaction_id"`
	Status        InteractionStatus `json:"status"`
}

// Notify posts a one-way message to the platform. The interaction is
// recorded either way: completed on delivery, failed when the platform
// rejected it.
func (s *Service) Notify(ctx context.Context, params NotifyParams) (*NotifyResult, error) {
	if s.poster == nil {
		return nil, apperrors.ServiceUnavailable("discord")
	}
	if params.Priority == "" {
		params.Priority = defaultPriority
	}
	if _, err := s.sessions.GetByID(ctx, params.SessionID); err != nil {
		return nil, err
	}

	in := &Interaction{
		SessionID: params.SessionID,
		Type:      TypeNotification,
		Status:    StatusPending,
		Message:   params.Message,
		Priority:  params.Priority,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}

	log := s.logger.WithSessionID(params.SessionID)
	if err := s.poster.PostNotification(ctx, in, params.Summary); err != nil {
		in.Status = StatusFailed
		if uerr := s.store.Update(ctx, in); uerr != nil {
			log.Warn("Failed to persist notification failure", zap.Error(uerr))
		}
		return nil, apperrors.InternalError("failed to post notification", err)
	}

	in.Status = StatusCompleted
	if err := s.store.Update(ctx, in); err != nil {
		log.Warn("Failed to persist notification delivery", zap.Error(err))
	}
	log.Info("Notification posted", zap.String("interaction_id", in.ID))
	return &NotifyResult{InteractionID: in.ID, Status: StatusCompleted}, nil
}

// GetInteraction returns one interaction by id.
func (s *Service) GetInteraction(ctx context.Context, id string) (*Interaction, error) {
	return s.store.Get(ctx, id)
}

// ListInteractions returns a session's interactions, newest first.
func (s *Service) ListInteractions(ctx context.Context, sessionID string, limit int) ([]*Interaction, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListBySession(ctx, sessionID, limit)
}

func (s *Service) publishEvent(ctx context.Context, eventType string, in *Interaction, extra map[string]interface{}) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{
		"interaction_id": in.ID,
		"session_id":     in.SessionID,
		"type":           string(in.Type),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.events.Publish(ctx, eventType, eventbus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish interaction event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
