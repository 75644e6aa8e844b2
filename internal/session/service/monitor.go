package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/events"
	"github.com/agentdock/agentdock/internal/session/models"
	"github.com/agentdock/agentdock/pkg/stream"
)

const (
	// monitorInterval is how often the active set is swept.
	monitorInterval = 30 * time.Second

	// startupGrace extends the startup timeout before a starting session
	// with no state hash counts as dead. Container pulls and slow boots
	// land inside this window.
	startupGrace = 30 * time.Second

	heartbeatLostReason = "worker heartbeat lost"
)

// RunMonitor sweeps the active session set until ctx is cancelled. A
// session whose state hash has expired lost its worker: the hash carries
// a 60s TTL and the wrapper refreshes it every 10s, so absence means no
// heartbeat for at least the TTL.
func (s *Service) RunMonitor(ctx context.Context) {
	s.logger.Info("Session monitor started",
		zap.Duration("interval", monitorInterval))

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session monitor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	ids, err := s.bus.SetMembers(ctx, bus.ActiveSessionsKey)
	if err != nil {
		s.logger.Warn("Monitor failed to read active sessions", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.checkSession(ctx, id)
	}
}

func (s *Service) checkSession(ctx context.Context, id string) {
	state, err := s.bus.HashGetAll(ctx, bus.StateKey(id))
	if err != nil {
		s.logger.Warn("Monitor failed to read session state",
			zap.String("session_id", id), zap.Error(err))
		return
	}
	if len(state) > 0 {
		return
	}

	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Active-set entry with no row: leftover from a purged
			// session. Drop it.
			_ = s.bus.SetRemove(ctx, bus.ActiveSessionsKey, id)
			return
		}
		s.logger.Warn("Monitor failed to load session",
			zap.String("session_id", id), zap.Error(err))
		return
	}

	if session.Status.Terminal() {
		_ = s.bus.SetRemove(ctx, bus.ActiveSessionsKey, id)
		return
	}

	// A starting worker has not written its first heartbeat yet; give it
	// the full startup window before declaring it dead.
	if session.Status == models.StatusStarting {
		deadline := session.CreatedAt.Add(s.config.Session.StartupTimeoutDuration() + startupGrace)
		if time.Now().UTC().Before(deadline) {
			return
		}
	}

	s.failSession(ctx, session)
}

// failSession marks a heartbeat-lost session failed, tells its stream
// subscribers, and drops it from the active set. The container is stopped
// best-effort in case the wrapper wedged while the container lives on.
func (s *Service) failSession(ctx context.Context, session *models.Session) {
	log := s.logger.WithSessionID(session.ID)
	log.Warn("Session worker heartbeat lost, marking failed",
		zap.String("previous_status", string(session.Status)))

	reason := heartbeatLostReason
	if err := s.store.UpdateStatus(ctx, session.ID, models.StatusFailed, &reason); err != nil {
		log.Error("Failed to mark session failed", zap.Error(err))
		return
	}

	envelope := stream.NewError(session.ID, reason)
	if payload, err := envelope.Encode(); err == nil {
		if _, err := s.bus.Publish(ctx, bus.OutputTopic(session.ID), payload); err != nil {
			log.Debug("Failed to publish failure envelope", zap.Error(err))
		}
	}

	if err := s.bus.SetRemove(ctx, bus.ActiveSessionsKey, session.ID); err != nil {
		log.Debug("Failed to remove failed session from active set", zap.Error(err))
	}

	if session.ContainerID != nil {
		if err := s.containers.Stop(ctx, *session.ContainerID); err != nil {
			log.Debug("Failed to stop container of failed session", zap.Error(err))
		}
	}

	s.publishEvent(ctx, events.SessionFailed, session.ID, map[string]interface{}{
		"reason": reason,
	})
}
