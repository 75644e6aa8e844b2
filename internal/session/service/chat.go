package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/pkg/stream"
)

// Chat queues a prompt for the session's worker. Streaming requests
// return immediately with a message id; output arrives on the session's
// websocket stream. Blocking requests wait for the turn's terminal
// result, up to the request timeout.
func (s *Service) Chat(ctx context.Context, id string, req *dto.ChatRequest) (*dto.ChatAccepted, *dto.ChatResult, error) {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !session.Status.AcceptsInput() {
		return nil, nil, apperrors.Conflict(
			fmt.Sprintf("session '%s' is not ready for input (status: %s)", id, session.Status))
	}

	userMsg := &models.Message{
		SessionID: id,
		Role:      models.RoleUser,
		Content:   req.Prompt,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, nil, err
	}

	if req.Streaming() {
		if err := s.pushPrompt(ctx, id, req.Prompt, userMsg.ID); err != nil {
			return nil, nil, err
		}
		return &dto.ChatAccepted{
			MessageID: userMsg.ID,
			Status:    dto.MessageProcessing,
		}, nil, nil
	}

	result, err := s.chatBlocking(ctx, id, req, userMsg)
	if err != nil {
		return nil, nil, err
	}
	return nil, result, nil
}

// chatBlocking subscribes to the session's output topic before the prompt
// is queued, so the result cannot slip past between push and subscribe.
func (s *Service) chatBlocking(ctx context.Context, id string, req *dto.ChatRequest, userMsg *models.Message) (*dto.ChatResult, error) {
	timeout := s.config.Session.RequestTimeoutDuration()
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	sub, err := s.bus.Subscribe(ctx, bus.OutputTopic(id))
	if err != nil {
		return nil, apperrors.InternalError("failed to subscribe to session output", err)
	}
	defer sub.Close()

	if err := s.pushPrompt(ctx, id, req.Prompt, userMsg.ID); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, apperrors.Timeout(
				fmt.Sprintf("Request timed out after %d seconds", int(timeout.Seconds())))
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil, apperrors.InternalError("session output stream closed",
					errors.New("subscription ended before a result arrived"))
			}
			envelope, err := stream.Decode(raw)
			if err != nil {
				continue
			}
			switch envelope.Type {
			case stream.TypeResult:
				return s.recordResult(ctx, id, userMsg.ID, envelope)
			case stream.TypeError:
				message := stream.ParseError(envelope, "agent turn failed")
				return nil, apperrors.InternalError("agent turn failed", errors.New(message))
			}
		}
	}
}

// recordResult persists the assistant's reply and rolls the turn's cost
// into the session totals.
func (s *Service) recordResult(ctx context.Context, sessionID, messageID string, envelope *stream.Envelope) (*dto.ChatResult, error) {
	var result stream.Result
	if err := envelope.ParseData(&result); err != nil {
		return nil, apperrors.InternalError("failed to decode agent result", err)
	}
	usage := parseUsage(result.Usage)

	duration := result.DurationMS
	assistant := &models.Message{
		SessionID:    sessionID,
		Role:         models.RoleAssistant,
		Content:      result.Result,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      result.TotalCostUSD,
		DurationMS:   &duration,
	}
	if err := s.store.CreateMessage(ctx, assistant); err != nil {
		s.logger.Warn("Failed to persist assistant message",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	turns := result.NumTurns
	if turns <= 0 {
		turns = 1
	}
	if err := s.store.AddUsage(ctx, sessionID, result.TotalCostUSD, turns); err != nil {
		s.logger.Warn("Failed to update session usage",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	subtype := result.Subtype
	if subtype == "" {
		subtype = "success"
	}
	return &dto.ChatResult{
		MessageID:    messageID,
		Type:         stream.TypeResult,
		Subtype:      subtype,
		Result:       result.Result,
		DurationMS:   &duration,
		TotalCostUSD: result.TotalCostUSD,
		Usage:        usage,
	}, nil
}

// MessageStatus reports whether the turn started by messageID has
// completed. Completion means an assistant reply recorded at or after the
// user message; until then the turn is processing.
func (s *Service) MessageStatus(ctx context.Context, sessionID, messageID string) (*dto.MessageDetail, error) {
	msg, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}

	if msg.Role == models.RoleAssistant {
		return &dto.MessageDetail{
			MessageID: messageID,
			Status:    dto.MessageCompleted,
			Result:    resultFromMessage(messageID, msg),
		}, nil
	}

	reply, err := s.store.AssistantReplyAfter(ctx, sessionID, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return &dto.MessageDetail{
			MessageID: messageID,
			Status:    dto.MessageProcessing,
		}, nil
	}
	return &dto.MessageDetail{
		MessageID: messageID,
		Status:    dto.MessageCompleted,
		Result:    resultFromMessage(messageID, reply),
	}, nil
}

// Messages returns the session's chat history, oldest first.
func (s *Service) Messages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if _, err := s.store.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, limit)
}

// Interrupt delivers a control message to the session's worker. Delivery
// is at-least-once: published for a listening worker and queued for one
// that is mid-turn.
func (s *Service) Interrupt(ctx context.Context, id string, req *dto.InterruptRequest) error {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return apperrors.Conflict(
			fmt.Sprintf("session '%s' has ended and cannot be interrupted", id))
	}

	switch req.Type {
	case stream.InterruptStop, stream.InterruptRedirect, stream.InterruptPause:
	default:
		return apperrors.ValidationError("type",
			fmt.Sprintf("unknown interrupt type %q", req.Type))
	}
	if req.Type == stream.InterruptRedirect && req.Message == "" {
		return apperrors.ValidationError("message", "message is required for redirect interrupts")
	}

	interrupt := stream.NewInterrupt(req.Type, req.Message, req.Priority, "")
	if err := s.deliverInterrupt(ctx, id, interrupt); err != nil {
		return apperrors.InternalError("failed to deliver interrupt", err)
	}

	s.logger.WithSessionID(id).Info("Interrupt delivered",
		zap.String("type", req.Type),
		zap.String("priority", interrupt.Priority),
	)
	return nil
}

func (s *Service) pushPrompt(ctx context.Context, id, prompt, messageID string) error {
	input := stream.NewInput(prompt, messageID)
	payload, err := input.Encode()
	if err != nil {
		return apperrors.InternalError("failed to encode prompt", err)
	}
	if err := s.bus.Push(ctx, bus.InputKey(id), payload); err != nil {
		return apperrors.InternalError("failed to queue prompt", err)
	}
	return nil
}

func parseUsage(raw json.RawMessage) dto.UsageInfo {
	var usage dto.UsageInfo
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &usage)
	}
	return usage
}

func resultFromMessage(messageID string, msg *models.Message) *dto.ChatResult {
	return &dto.ChatResult{
		MessageID:    messageID,
		Type:         stream.TypeResult,
		Subtype:      "success",
		Result:       msg.Content,
		DurationMS:   msg.DurationMS,
		TotalCostUSD: msg.CostUSD,
		Usage: dto.UsageInfo{
			InputTokens:  msg.InputTokens,
			OutputTokens: msg.OutputTokens,
		},
	}
}
