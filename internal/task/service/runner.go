package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	sessiondto "github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/task/models"
	"github.com/agentdock/agentdock/pkg/stream"
)

const (
	// finishTimeout bounds the bookkeeping writes after a run ends.
	finishTimeout = 10 * time.Second
	// summaryLimit caps the stored result summary.
	summaryLimit = 1000
)

// RunTask executes one run of a task end to end: it validates and fills
// the template, creates an agent session bound to the task's workspace,
// seeds the prompt, and watches the session's output stream until a
// result, an error or the request timeout ends the run.
//
// At most one run per task is in flight at a time. A manual start that
// loses the race gets a conflict; the scheduler treats the same conflict
// as a coalesced fire and skips.
func (s *Service) RunTask(ctx context.Context, taskID string, params map[string]string, trigger models.Trigger, by string) (*models.Run, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !s.tryAcquire(task.ID) {
		return nil, apperrors.Conflict(fmt.Sprintf("Task '%s' already has a run in flight", task.Name))
	}

	run, prompt, err := s.Start(ctx, task.ID, params, trigger, by)
	if err != nil {
		s.release(task.ID)
		return nil, err
	}

	sessionReq := &sessiondto.CreateSessionRequest{}
	if task.WorkspaceType == "persistent" {
		workspaceID := task.Name
		if task.WorkspaceID != nil && *task.WorkspaceID != "" {
			workspaceID = *task.WorkspaceID
		}
		sessionReq.Workspace = &sessiondto.WorkspaceSpec{Type: "persistent", ID: workspaceID}
	}

	session, err := s.sessions.Create(ctx, sessionReq)
	if err != nil {
		s.failRun(run.ID, task.ID, "", fmt.Sprintf("session creation failed: %v", err))
		s.release(task.ID)
		return nil, err
	}

	if _, err := s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:    runStatusPtr(models.RunRunning),
		SessionID: &session.SessionID,
	}); err != nil {
		s.failRun(run.ID, task.ID, session.SessionID, fmt.Sprintf("run bookkeeping failed: %v", err))
		s.release(task.ID)
		return nil, err
	}

	// Subscribe before seeding the prompt so the result cannot slip past.
	sub, err := s.bus.Subscribe(context.Background(), bus.OutputTopic(session.SessionID))
	if err != nil {
		s.failRun(run.ID, task.ID, session.SessionID, fmt.Sprintf("output subscription failed: %v", err))
		s.release(task.ID)
		return nil, err
	}

	input := stream.NewInput(prompt, run.ID)
	payload, err := input.Encode()
	if err == nil {
		err = s.bus.Push(ctx, bus.InputKey(session.SessionID), payload)
	}
	if err != nil {
		sub.Close()
		s.failRun(run.ID, task.ID, session.SessionID, fmt.Sprintf("prompt delivery failed: %v", err))
		s.release(task.ID)
		return nil, err
	}

	s.logger.WithTaskID(task.ID).Info("Task run dispatched",
		zap.String("run_id", run.ID),
		zap.String("session_id", session.SessionID),
		zap.String("trigger", string(trigger)),
	)

	s.watchers.Add(1)
	go s.watchRun(run.ID, task.ID, session.SessionID, sub)

	run.Status = models.RunRunning
	run.SessionID = &session.SessionID
	return run, nil
}

// watchRun waits for the run's session to emit a result or error. It
// owns the task's in-flight slot until the run reaches a terminal state.
func (s *Service) watchRun(runID, taskID, sessionID string, sub bus.Subscription) {
	defer s.watchers.Done()
	defer s.release(taskID)
	defer sub.Close()

	timeout := s.config.Session.RequestTimeoutDuration()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.closed:
			// Shutdown: the run stays RUNNING and is reconciled on restart.
			s.logger.WithTaskID(taskID).Warn("Run watcher stopped by shutdown",
				zap.String("run_id", runID))
			return
		case <-timer.C:
			s.finishRun(runID, taskID, sessionID, models.RunFailed, "",
				fmt.Sprintf("Run timed out after %d seconds", int(timeout.Seconds())))
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				s.finishRun(runID, taskID, sessionID, models.RunFailed, "",
					"output stream closed before a result arrived")
				return
			}
			envelope, err := stream.Decode(payload)
			if err != nil {
				continue
			}
			switch envelope.Type {
			case stream.TypeResult:
				var result stream.Result
				if err := envelope.ParseData(&result); err != nil {
					s.finishRun(runID, taskID, sessionID, models.RunFailed, "",
						fmt.Sprintf("malformed result payload: %v", err))
					return
				}
				status := models.RunCompleted
				errorMessage := ""
				if result.Subtype != "" && result.Subtype != "success" {
					status = models.RunFailed
					errorMessage = fmt.Sprintf("agent finished with subtype %q", result.Subtype)
				}
				s.finishRun(runID, taskID, sessionID, status, truncate(result.Result, summaryLimit), errorMessage)
				return
			case stream.TypeError:
				message := stream.ParseError(envelope, "agent reported an error")
				s.finishRun(runID, taskID, sessionID, models.RunFailed, "", message)
				return
			}
		}
	}
}

// finishRun records the terminal status and stops the run's session. The
// session's output buffer and result key survive for inspection.
func (s *Service) finishRun(runID, taskID, sessionID string, status models.RunStatus, summary, errorMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	update := RunUpdate{Status: &status}
	if summary != "" {
		update.ResultSummary = &summary
	}
	if errorMessage != "" {
		update.ErrorMessage = &errorMessage
	}
	if _, err := s.UpdateRun(ctx, runID, update); err != nil {
		s.logger.WithTaskID(taskID).Error("Failed to record run result",
			zap.String("run_id", runID), zap.Error(err))
	}

	if sessionID != "" {
		if _, err := s.sessions.Stop(ctx, sessionID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.WithTaskID(taskID).Warn("Failed to stop run session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	s.logger.WithTaskID(taskID).Info("Task run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
	)
}

// failRun marks a run failed before the watcher took over.
func (s *Service) failRun(runID, taskID, sessionID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	status := models.RunFailed
	if _, err := s.UpdateRun(ctx, runID, RunUpdate{Status: &status, ErrorMessage: &message}); err != nil {
		s.logger.WithTaskID(taskID).Error("Failed to mark run failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	if sessionID != "" {
		if _, err := s.sessions.Stop(ctx, sessionID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.WithTaskID(taskID).Warn("Failed to stop run session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (s *Service) tryAcquire(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[taskID] {
		return false
	}
	s.inflight[taskID] = true
	return true
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, taskID)
}

func runStatusPtr(status models.RunStatus) *models.RunStatus {
	return &status
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
