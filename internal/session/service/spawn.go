package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/pkg/stream"
)

// Workspace modes for spawned children.
const (
	// SpawnInherit shares the parent's workspace with the child.
	SpawnInherit = "inherit"
	// SpawnClone shares the parent's workspace like inherit; the child
	// works on the same tree rather than a private copy.
	SpawnClone = "clone"
	// SpawnEphemeral gives the child a fresh throwaway workspace.
	SpawnEphemeral = "ephemeral"
)

// Spawn creates a child session under parentID. Tree limits are enforced
// inside the row-insert transaction, so concurrent spawns against the
// same parent cannot overshoot; the checks here only reject the obvious
// cases before a container is paid for.
func (s *Service) Spawn(ctx context.Context, parentID string, req *dto.SpawnRequest) (*dto.SpawnResponse, error) {
	parent, err := s.store.GetByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.Terminal() {
		return nil, apperrors.Conflict(
			fmt.Sprintf("session '%s' has ended and cannot spawn children", parentID))
	}

	limits := s.Limits()
	if err := s.precheckLimits(ctx, parent, limits); err != nil {
		return nil, err
	}

	child, err := s.buildChild(parent, req)
	if err != nil {
		return nil, err
	}

	resp, err := s.launch(ctx, child, func(insertCtx context.Context, sess *models.Session) error {
		return s.store.CreateChildLocked(insertCtx, parentID, sess, limits)
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.WithSessionID(parentID)
	log.Info("Child session spawned",
		zap.String("child_session_id", resp.SessionID),
		zap.String("workspace_mode", spawnMode(req)),
	)
	s.publishEvent(ctx, events.ChildSpawned, parentID, map[string]interface{}{
		"child_session_id": resp.SessionID,
	})

	// The watcher forwards every terminal result the child produces to
	// the parent's children topic.
	s.watchChildResults(parentID, resp.SessionID)

	// The child is idle now, so the initial prompt is consumed rather
	// than queued against a worker that never boots.
	if req.Prompt != "" {
		input := stream.NewInput(req.Prompt, "")
		payload, err := input.Encode()
		if err == nil {
			err = s.bus.Push(ctx, bus.InputKey(resp.SessionID), payload)
		}
		if err != nil {
			log.Warn("Failed to queue initial prompt for child",
				zap.String("child_session_id", resp.SessionID),
				zap.Error(err),
			)
		}
	}

	return &dto.SpawnResponse{
		ChildSessionID:  resp.SessionID,
		Status:          resp.Status,
		ParentSessionID: parentID,
	}, nil
}

// Children lists a session's direct children.
func (s *Service) Children(ctx context.Context, parentID string) (*dto.ChildrenResponse, error) {
	if _, err := s.store.GetByID(ctx, parentID); err != nil {
		return nil, err
	}
	children, err := s.store.ChildrenOf(ctx, parentID)
	if err != nil {
		return nil, err
	}

	summaries := make([]*dto.ChildSummary, 0, len(children))
	for _, child := range children {
		summaries = append(summaries, dto.ChildSummaryFromModel(child))
	}
	return &dto.ChildrenResponse{
		ParentSessionID: parentID,
		Children:        summaries,
	}, nil
}

// IsDescendant reports whether childID sits anywhere under parentID in
// the spawn tree. The MCP tools use this to stop a session from driving
// children it does not own.
func (s *Service) IsDescendant(ctx context.Context, parentID, childID string) (bool, error) {
	current := childID
	for i := 0; i <= s.config.Session.MaxSpawnDepth; i++ {
		session, err := s.store.GetByID(ctx, current)
		if err != nil {
			return false, err
		}
		if session.ParentSessionID == nil {
			return false, nil
		}
		if *session.ParentSessionID == parentID {
			return true, nil
		}
		current = *session.ParentSessionID
	}
	return false, nil
}

func (s *Service) precheckLimits(ctx context.Context, parent *models.Session, limits store.Limits) error {
	depth, err := s.store.DepthOf(ctx, parent.ID)
	if err != nil {
		return err
	}
	if depth+1 > limits.MaxDepth {
		return apperrors.LimitExceeded(
			fmt.Sprintf("Maximum spawn depth (%d) exceeded", limits.MaxDepth))
	}

	children, err := s.store.ChildrenOf(ctx, parent.ID)
	if err != nil {
		return err
	}
	live := 0
	for _, child := range children {
		if !child.Status.Terminal() {
			live++
		}
	}
	if live+1 > limits.MaxChildren {
		return apperrors.LimitExceeded(
			fmt.Sprintf("Maximum children per session (%d) exceeded", limits.MaxChildren))
	}

	rootID, err := s.store.RootOf(ctx, parent.ID)
	if err != nil {
		return err
	}
	total, err := s.store.CountLiveInTree(ctx, rootID)
	if err != nil {
		return err
	}
	if total+1 > limits.MaxTotal {
		return apperrors.LimitExceeded(
			fmt.Sprintf("Maximum total instances (%d) exceeded", limits.MaxTotal))
	}
	return nil
}

// buildChild resolves the child's workspace and config from the parent
// and the spawn request. Child config is the parent's config with the
// request's entries layered on top.
func (s *Service) buildChild(parent *models.Session, req *dto.SpawnRequest) (*models.Session, error) {
	parentID := parent.ID
	child := &models.Session{
		ParentSessionID: &parentID,
		OwnerUserID:     parent.OwnerUserID,
	}

	switch spawnMode(req) {
	case SpawnInherit, SpawnClone:
		child.WorkspaceType = parent.WorkspaceType
		if parent.WorkspaceID != nil {
			id := *parent.WorkspaceID
			child.WorkspaceID = &id
		}
	case SpawnEphemeral:
		child.WorkspaceType = models.WorkspaceEphemeral
	default:
		return nil, apperrors.ValidationError("workspace_mode",
			fmt.Sprintf("unknown workspace mode %q", req.WorkspaceMode))
	}

	if len(parent.Config) > 0 || len(req.Config) > 0 {
		merged := make(map[string]interface{}, len(parent.Config)+len(req.Config))
		for k, v := range parent.Config {
			merged[k] = v
		}
		for k, v := range req.Config {
			merged[k] = v
		}
		child.Config = merged
	}
	return child, nil
}

func spawnMode(req *dto.SpawnRequest) string {
	if req.WorkspaceMode == "" {
		return SpawnInherit
	}
	return req.WorkspaceMode
}

// watchChildResults subscribes to the child's output topic and republishes
// each terminal result as a child_result envelope on the parent's children
// topic, so the parent's worker (and anything watching its stream) learns
// the outcome without polling.
func (s *Service) watchChildResults(parentID, childID string) {
	ctx := context.Background()
	sub, err := s.bus.Subscribe(ctx, bus.OutputTopic(childID))
	if err != nil {
		s.logger.Warn("Failed to subscribe to child output",
			zap.String("session_id", parentID),
			zap.String("child_session_id", childID),
			zap.Error(err),
		)
		return
	}

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer sub.Close()

		for {
			select {
			case <-s.closed:
				return
			case raw, ok := <-sub.Messages():
				if !ok {
					return
				}
				envelope, err := stream.Decode(raw)
				if err != nil || envelope.Type != stream.TypeResult {
					continue
				}
				s.forwardChildResult(ctx, parentID, childID, envelope)
			}
		}
	}()
}

func (s *Service) forwardChildResult(ctx context.Context, parentID, childID string, envelope *stream.Envelope) {
	forward := stream.NewChildResult(parentID, childID, envelope.Data)
	payload, err := forward.Encode()
	if err != nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.bus.Publish(publishCtx, bus.ChildrenTopic(parentID), payload); err != nil {
		s.logger.Warn("Failed to forward child result",
			zap.String("session_id", parentID),
			zap.String("child_session_id", childID),
			zap.Error(err),
		)
		return
	}
	s.publishEvent(publishCtx, events.ChildFinished, parentID, map[string]interface{}{
		"child_session_id": childID,
	})
}
