// Package service implements the session lifecycle: the container create
// saga, the spawn tree, chat and interrupt delivery, and the heartbeat
// monitor that fails sessions whose workers went silent.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/container"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/pkg/stream"
)

const (
	// initialStateTTL bounds the gateway-written state hash. The wrapper
	// refreshes the TTL with every heartbeat once it boots.
	initialStateTTL = 60 * time.Second

	// sagaGrace pads the detached create context beyond the startup
	// timeout so compensation still has a live context to run under.
	sagaGrace = 30 * time.Second

	// maxListLimit caps session list page sizes.
	maxListLimit = 100

	eventSource = "session-service"
)

// Containers is the container runtime surface the service depends on.
// *container.Client implements it; tests substitute a fake.
type Containers interface {
	Create(ctx context.Context, opts container.CreateOptions) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	WaitForRunning(ctx context.Context, containerID string, timeout time.Duration) (bool, error)
	Status(ctx context.Context, containerID string) (container.Status, error)
	IPAddress(ctx context.Context, containerID string) (string, error)
}

// Service owns session lifecycle operations.
type Service struct {
	store      *store.Store
	bus        bus.Client
	containers Containers
	events     eventbus.EventBus
	config     *config.Config
	logger     *logger.Logger

	// watchers tracks background goroutines (child-result forwarders,
	// blocking chat waiters) so Shutdown can drain them.
	watchers sync.WaitGroup

	closed   chan struct{}
	closeOne sync.Once
}

// New creates the session service.
func New(st *store.Store, busClient bus.Client, containers Containers, evts eventbus.EventBus, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:      st,
		bus:        busClient,
		containers: containers,
		events:     evts,
		config:     cfg,
		logger:     log,
		closed:     make(chan struct{}),
	}
}

// Limits returns the configured spawn-tree limits.
func (s *Service) Limits() store.Limits {
	return store.Limits{
		MaxDepth:    s.config.Session.MaxSpawnDepth,
		MaxChildren: s.config.Session.MaxChildren,
		MaxTotal:    s.config.Session.MaxTotalInstance,
	}
}

// Shutdown waits for background watchers to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeOne.Do(func() { close(s.closed) })

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create provisions a workspace and worker container for a new root
// session and waits for the worker to come up. The saga runs on a context
// detached from the HTTP request: a client that disconnects mid-create
// still gets either a live session or a compensated failure, never a
// half-built one.
func (s *Service) Create(ctx context.Context, req *dto.CreateSessionRequest) (*dto.SessionResponse, error) {
	session := &models.Session{
		WorkspaceType: models.WorkspaceEphemeral,
		Config:        req.Config,
	}
	if req.Workspace != nil {
		switch req.Workspace.Type {
		case "", string(models.WorkspaceEphemeral):
		case string(models.WorkspacePersistent):
			session.WorkspaceType = models.WorkspacePersistent
			if req.Workspace.ID != "" {
				id := req.Workspace.ID
				session.WorkspaceID = &id
			}
		default:
			return nil, apperrors.ValidationError("workspace.type",
				fmt.Sprintf("unknown workspace type %q", req.Workspace.Type))
		}
	}

	return s.launch(ctx, session, func(insertCtx context.Context, sess *models.Session) error {
		return s.store.Create(insertCtx, sess)
	})
}

// insertFunc persists the session row. Root sessions use store.Create;
// spawned children use CreateChildLocked so limits hold under concurrency.
type insertFunc func(ctx context.Context, session *models.Session) error

func (s *Service) launch(ctx context.Context, session *models.Session, insert insertFunc) (*dto.SessionResponse, error) {
	sagaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.config.Session.StartupTimeoutDuration()+sagaGrace)
	defer cancel()

	// Assign the id up front: the workspace path and container env need
	// it before the row exists.
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	log := s.logger.WithSessionID(session.ID)

	workspacePath, err := s.provisionWorkspace(session)
	if err != nil {
		return nil, err
	}

	containerID, err := s.containers.Create(sagaCtx, container.CreateOptions{
		SessionID:     session.ID,
		WorkspacePath: workspacePath,
		Env:           s.workerEnv(session),
	})
	if err != nil {
		s.cleanupWorkspace(session)
		return nil, apperrors.InternalError("failed to create worker container", err)
	}
	session.ContainerID = &containerID

	if err := insert(sagaCtx, session); err != nil {
		// No row landed: remove the container so nothing references it.
		_ = s.containers.Remove(sagaCtx, containerID, true)
		s.cleanupWorkspace(session)
		return nil, err
	}

	if err := s.writeInitialState(sagaCtx, session); err != nil {
		// Survivable: the wrapper rebuilds the hash on its first heartbeat.
		log.Warn("Failed to write initial session state", zap.Error(err))
	}

	if err := s.containers.Start(sagaCtx, containerID); err != nil {
		s.failCreate(sagaCtx, session, "container failed to start: "+err.Error())
		return nil, apperrors.InternalError("failed to start worker container", err)
	}

	running, err := s.containers.WaitForRunning(sagaCtx, containerID, s.config.Session.StartupTimeoutDuration())
	if err != nil {
		s.failCreate(sagaCtx, session, "error waiting for container: "+err.Error())
		return nil, apperrors.InternalError("failed waiting for worker container", err)
	}
	if !running {
		reason := fmt.Sprintf("container did not reach running state within %d seconds",
			s.config.Session.StartupTimeout)
		s.failCreate(sagaCtx, session, reason)
		return nil, apperrors.Timeout(reason)
	}

	if err := s.store.UpdateStatus(sagaCtx, session.ID, models.StatusIdle, nil); err != nil {
		log.Error("Failed to mark session idle", zap.Error(err))
	}

	log.Info("Session created",
		zap.String("container_id", containerID),
		zap.String("workspace_type", string(session.WorkspaceType)),
	)
	s.publishEvent(sagaCtx, events.SessionCreated, session.ID, map[string]interface{}{
		"container_id":   containerID,
		"workspace_type": string(session.WorkspaceType),
		"parent_id":      derefOr(session.ParentSessionID, ""),
	})

	return &dto.SessionResponse{
		SessionID:    session.ID,
		Status:       string(models.StatusIdle),
		ContainerID:  containerID,
		CreatedAt:    session.CreatedAt,
		WebSocketURL: s.websocketURL(session.ID),
	}, nil
}

// failCreate compensates a create saga that died after the row landed:
// the row survives as FAILED with the reason, live keys are purged and
// the container is torn down.
func (s *Service) failCreate(ctx context.Context, session *models.Session, reason string) {
	log := s.logger.WithSessionID(session.ID)
	log.Error("Session creation failed", zap.String("reason", reason))

	if err := s.store.UpdateStatus(ctx, session.ID, models.StatusFailed, &reason); err != nil {
		log.Error("Failed to record session failure", zap.Error(err))
	}
	s.purgeLiveState(ctx, session.ID)
	if session.ContainerID != nil {
		_ = s.containers.Stop(ctx, *session.ContainerID)
		_ = s.containers.Remove(ctx, *session.ContainerID, true)
	}
	s.cleanupWorkspace(session)
	s.publishEvent(ctx, events.SessionFailed, session.ID, map[string]interface{}{
		"reason": reason,
	})
}

// Get returns the full session view including direct child ids.
func (s *Service) Get(ctx context.Context, id string) (*dto.SessionDetail, error) {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ChildrenOf(ctx, id)
	if err != nil {
		return nil, err
	}
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		childIDs = append(childIDs, child.ID)
	}
	return dto.DetailFromModel(session, childIDs), nil
}

// List returns a page of sessions newest-first plus the unpaged total.
func (s *Service) List(ctx context.Context, filter store.ListFilter) (*dto.SessionListResponse, error) {
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	sessions, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	details := make([]*dto.SessionDetail, 0, len(sessions))
	for _, session := range sessions {
		details = append(details, dto.DetailFromModel(session, nil))
	}
	return &dto.SessionListResponse{
		Sessions: details,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// Stop ends a session's worker. Stopping an already-ended session is a
// no-op, not an error.
func (s *Service) Stop(ctx context.Context, id string) (*dto.SessionDetail, error) {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return s.Get(ctx, id)
	}

	log := s.logger.WithSessionID(id)

	// Ask the worker to wind down before the container is stopped so the
	// agent subprocess gets its graceful signal first.
	interrupt := stream.NewInterrupt(stream.InterruptStop, "", stream.PriorityHigh, "")
	if err := s.deliverInterrupt(ctx, id, interrupt); err != nil {
		log.Warn("Failed to deliver stop interrupt", zap.Error(err))
	}

	if session.ContainerID != nil {
		if err := s.containers.Stop(ctx, *session.ContainerID); err != nil {
			log.Warn("Failed to stop container", zap.Error(err))
		}
	}

	if err := s.store.UpdateStatus(ctx, id, models.StatusStopped, nil); err != nil {
		return nil, err
	}
	// Live keys are left to their TTLs; only the active-set membership
	// must go so the monitor stops watching.
	if err := s.bus.SetRemove(ctx, bus.ActiveSessionsKey, id); err != nil {
		log.Warn("Failed to remove session from active set", zap.Error(err))
	}

	log.Info("Session stopped")
	s.publishEvent(ctx, events.SessionStopped, id, nil)
	s.publishEvent(ctx, events.SessionStatusChanged, id, map[string]interface{}{
		"status": string(models.StatusStopped),
	})

	return s.Get(ctx, id)
}

// Delete removes a session entirely: worker container, live bus keys,
// workspace (ephemeral only) and the database row. Sessions with live
// children cannot be deleted; ended children are detached and survive
// as roots of their own histories.
func (s *Service) Delete(ctx context.Context, id string) error {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	log := s.logger.WithSessionID(id)

	if !session.Status.Terminal() {
		interrupt := stream.NewInterrupt(stream.InterruptStop, "", stream.PriorityHigh, "")
		if err := s.deliverInterrupt(ctx, id, interrupt); err != nil {
			log.Debug("Failed to deliver stop interrupt before delete", zap.Error(err))
		}
	}

	if session.ContainerID != nil {
		if err := s.containers.Stop(ctx, *session.ContainerID); err != nil {
			log.Warn("Failed to stop container during delete", zap.Error(err))
		}
		if err := s.containers.Remove(ctx, *session.ContainerID, true); err != nil {
			log.Warn("Failed to remove container during delete", zap.Error(err))
		}
	}

	// Row first: a Conflict on live children must abort before state
	// and workspace are destroyed.
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.bus.DeletePattern(ctx, bus.SessionKeyPattern(id)); err != nil {
		log.Warn("Failed to purge session keys", zap.Error(err))
	}
	if err := s.bus.SetRemove(ctx, bus.ActiveSessionsKey, id); err != nil {
		log.Warn("Failed to remove session from active set", zap.Error(err))
	}
	s.cleanupWorkspace(session)

	log.Info("Session deleted")
	s.publishEvent(ctx, events.SessionDeleted, id, nil)
	return nil
}

// GetResult returns the worker's last terminal result, while the result
// key's TTL lasts.
func (s *Service) GetResult(ctx context.Context, id string) (*stream.Result, error) {
	raw, err := s.bus.Get(ctx, bus.ResultKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// Distinguish "no result yet" from "no such session".
		if _, err := s.store.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, apperrors.NotFound("result", id)
	}

	var result stream.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.InternalError("failed to decode session result", err)
	}
	return &result, nil
}

// ReplayOutput returns up to limit recent output envelopes, oldest first.
// The buffer is capped, so long sessions only replay their tail.
func (s *Service) ReplayOutput(ctx context.Context, id string, limit int) ([]json.RawMessage, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	// Stored newest-at-head; reverse for chronological replay.
	raw, err := s.bus.Range(ctx, bus.OutputBufferKey(id), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, json.RawMessage(raw[i]))
	}
	return out, nil
}

// --- saga helpers ---

func (s *Service) provisionWorkspace(session *models.Session) (string, error) {
	root := s.config.Docker.WorkspaceRoot
	var path string
	switch session.WorkspaceType {
	case models.WorkspacePersistent:
		id := session.ID
		if session.WorkspaceID != nil && *session.WorkspaceID != "" {
			id = *session.WorkspaceID
		}
		session.WorkspaceID = &id
		path = filepath.Join(root, "workspaces", id)
	default:
		path = filepath.Join(root, session.ID)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", apperrors.InternalError("failed to provision workspace", err)
	}
	return path, nil
}

// cleanupWorkspace removes ephemeral workspace directories. Persistent
// workspaces outlive their sessions.
func (s *Service) cleanupWorkspace(session *models.Session) {
	if session.WorkspaceType != models.WorkspaceEphemeral {
		return
	}
	path := filepath.Join(s.config.Docker.WorkspaceRoot, session.ID)
	if err := os.RemoveAll(path); err != nil {
		s.logger.Warn("Failed to remove ephemeral workspace",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) workerEnv(session *models.Session) map[string]string {
	env := map[string]string{
		"SESSION_ID":  session.ID,
		"REDIS_URL":   s.config.Docker.WorkerRedisURL,
		"GATEWAY_URL": s.config.Docker.WorkerGatewayURL,
	}
	if s.config.Docker.AgentBinary != "" {
		env["AGENT_BIN"] = s.config.Docker.AgentBinary
	}
	if session.ParentSessionID != nil {
		env["PARENT_SESSION_ID"] = *session.ParentSessionID
	}
	if len(session.Config) > 0 {
		if raw, err := json.Marshal(session.Config); err == nil {
			env["AGENT_PROFILE"] = string(raw)
		}
	}
	return env
}

// writeInitialState registers the session on the bus before the worker
// boots: a starting state hash and membership in the active set.
func (s *Service) writeInitialState(ctx context.Context, session *models.Session) error {
	stateKey := bus.StateKey(session.ID)
	fields := map[string]string{
		"status":     string(models.StatusStarting),
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	if session.ParentSessionID != nil {
		fields["parent_session_id"] = *session.ParentSessionID
	}
	if err := s.bus.HashSet(ctx, stateKey, fields); err != nil {
		return err
	}
	if err := s.bus.Expire(ctx, stateKey, initialStateTTL); err != nil {
		return err
	}
	return s.bus.SetAdd(ctx, bus.ActiveSessionsKey, session.ID)
}

// purgeLiveState drops a session's bus keys and active-set membership.
// The result key is kept so late GetResult calls still work.
func (s *Service) purgeLiveState(ctx context.Context, id string) {
	if err := s.bus.Delete(ctx, bus.StateKey(id), bus.InputKey(id), bus.InterruptQueueKey(id)); err != nil {
		s.logger.Debug("Failed to delete session live keys",
			zap.String("session_id", id), zap.Error(err))
	}
	if err := s.bus.SetRemove(ctx, bus.ActiveSessionsKey, id); err != nil {
		s.logger.Debug("Failed to remove session from active set",
			zap.String("session_id", id), zap.Error(err))
	}
}

// deliverInterrupt publishes on the interrupt topic and queues a backup
// copy so a worker mid-turn still sees it.
func (s *Service) deliverInterrupt(ctx context.Context, id string, interrupt *stream.Interrupt) error {
	payload, err := interrupt.Encode()
	if err != nil {
		return err
	}
	if _, err := s.bus.Publish(ctx, bus.InterruptTopic(id), payload); err != nil {
		return err
	}
	return s.bus.Push(ctx, bus.InterruptQueueKey(id), payload)
}

func (s *Service) websocketURL(sessionID string) string {
	base := s.config.Server.PublicURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/api/v1/sessions/%s/stream", strings.TrimSuffix(base, "/"), sessionID)
}

func (s *Service) publishEvent(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID

	subject := eventType
	switch eventType {
	case events.SessionStatusChanged:
		subject = events.BuildSessionStatusSubject(sessionID)
	case events.ChildFinished:
		subject = events.BuildChildFinishedSubject(sessionID)
	}
	if err := s.events.Publish(ctx, subject, eventbus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish domain event",
			zap.String("event_type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
