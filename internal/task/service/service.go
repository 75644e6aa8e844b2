// Package service implements task definitions, parameter templating, run
// accounting and the glue that turns a fired task into an agent session.
package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	sessiondto "github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/task/dto"
	"github.com/agentdock/agentdock/internal/task/models"
	"github.com/agentdock/agentdock/internal/task/store"
)

var (
	// taskNameRe is the allowed task name alphabet.
	taskNameRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	// placeholderRe matches {name} template placeholders.
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)
)

const eventSource = "task-service"

// Sessions is the session surface the runner needs. The session service
// implements it.
type Sessions interface {
	Create(ctx context.Context, req *sessiondto.CreateSessionRequest) (*sessiondto.SessionResponse, error)
	Stop(ctx context.Context, id string) (*sessiondto.SessionDetail, error)
}

// Service owns the task domain.
type Service struct {
	store    *store.Store
	sessions Sessions
	bus      bus.Client
	events   eventbus.EventBus
	config   *config.Config
	logger   *logger.Logger

	// inflight holds one slot per task: at most one run executes at a
	// time, whether fired by the scheduler or started manually.
	mu       sync.Mutex
	inflight map[string]bool

	watchers sync.WaitGroup
	closed   chan struct{}
	closeOne sync.Once
}

// New creates the task service.
func New(st *store.Store, sessions Sessions, busClient bus.Client, evts eventbus.EventBus, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		bus:      busClient,
		events:   evts,
		config:   cfg,
		logger:   log,
		inflight: make(map[string]bool),
		closed:   make(chan struct{}),
	}
}

// Shutdown waits for run watchers to finish.
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

// Create validates and persists a new task definition.
func (s *Service) Create(ctx context.Context, req *dto.CreateTaskRequest) (*models.Task, error) {
	if !taskNameRe.MatchString(req.Name) {
		return nil, apperrors.ValidationError("task_name",
			"must contain only lowercase letters, digits and hyphens")
	}
	if _, err := s.store.GetTaskByName(ctx, req.Name); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("Task with name '%s' already exists", req.Name))
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}
	if err := validateTemplate(req.TemplatePrompt, req.RequiredParameters); err != nil {
		return nil, err
	}
	if err := validateWorkspaceType(req.WorkspaceType); err != nil {
		return nil, err
	}

	timezone := req.ScheduleTimezone
	if timezone == "" {
		timezone = "UTC"
	}
	var scheduleCron *string
	if req.ScheduleCron != "" {
		if err := ValidateSchedule(req.ScheduleCron, timezone); err != nil {
			return nil, err
		}
		cronExpr := req.ScheduleCron
		scheduleCron = &cronExpr
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task := &models.Task{
		Name:               req.Name,
		Description:        req.Description,
		TemplatePrompt:     req.TemplatePrompt,
		RequiredParameters: req.RequiredParameters,
		OptionalParameters: req.OptionalParameters,
		ScheduleCron:       scheduleCron,
		ScheduleTimezone:   timezone,
		Enabled:            enabled,
		WorkspaceType:      req.WorkspaceType,
		WorkspaceID:        req.WorkspaceID,
		OwnerUserID:        req.OwnerUserID,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.WithTaskID(task.ID).Info("Task created", zap.String("task_name", task.Name))
	s.publishEvent(ctx, events.TaskCreated, task.ID, map[string]interface{}{
		"task_name": task.Name,
	})
	return task, nil
}

// Get returns a live task by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// GetByName returns a live task by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*models.Task, error) {
	return s.store.GetTaskByName(ctx, name)
}

// List returns a page of live tasks plus the unpaged total.
func (s *Service) List(ctx context.Context, filter store.ListFilter) (*dto.TaskListResponse, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	responses := make([]*dto.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, dto.TaskFromModel(task))
	}
	return &dto.TaskListResponse{
		Tasks:  responses,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Update applies the non-nil fields of req and re-validates the result.
func (s *Service) Update(ctx context.Context, id string, req *dto.UpdateTaskRequest) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.TemplatePrompt != nil {
		task.TemplatePrompt = *req.TemplatePrompt
	}
	if req.RequiredParameters != nil {
		task.RequiredParameters = *req.RequiredParameters
	}
	if req.OptionalParameters != nil {
		task.OptionalParameters = *req.OptionalParameters
	}
	if req.ScheduleTimezone != nil {
		task.ScheduleTimezone = *req.ScheduleTimezone
		if task.ScheduleTimezone == "" {
			task.ScheduleTimezone = "UTC"
		}
	}
	if req.ScheduleCron != nil {
		if *req.ScheduleCron == "" {
			task.ScheduleCron = nil
		} else {
			cronExpr := *req.ScheduleCron
			task.ScheduleCron = &cronExpr
		}
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.Paused != nil {
		task.Paused = *req.Paused
	}
	if req.WorkspaceType != nil {
		task.WorkspaceType = *req.WorkspaceType
	}
	if req.WorkspaceID != nil {
		task.WorkspaceID = req.WorkspaceID
	}

	if err := validateTemplate(task.TemplatePrompt, task.RequiredParameters); err != nil {
		return nil, err
	}
	if err := validateWorkspaceType(task.WorkspaceType); err != nil {
		return nil, err
	}
	if task.ScheduleCron != nil {
		if err := ValidateSchedule(*task.ScheduleCron, task.ScheduleTimezone); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.TaskUpdated, task.ID, map[string]interface{}{
		"task_name": task.Name,
	})
	return task, nil
}

// Delete removes a task. Soft by default: the row survives with
// deleted_at set and enabled cleared, and its run history stays
// queryable. Hard delete removes the row and cascades runs and audit.
func (s *Service) Delete(ctx context.Context, id string, hard bool) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if hard {
		err = s.store.HardDeleteTask(ctx, id)
	} else {
		err = s.store.SoftDeleteTask(ctx, id)
	}
	if err != nil {
		return err
	}

	s.logger.WithTaskID(id).Info("Task deleted",
		zap.String("task_name", task.Name), zap.Bool("hard", hard))
	s.publishEvent(ctx, events.TaskDeleted, id, map[string]interface{}{
		"task_name": task.Name,
		"hard":      hard,
	})
	return nil
}

// Start validates parameters, fills the template and records a STARTING
// run. The caller is expected to create a session and seed the returned
// prompt; RunTask does both.
func (s *Service) Start(ctx context.Context, id string, params map[string]string, trigger models.Trigger, by string) (*models.Run, string, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !task.Enabled {
		return nil, "", apperrors.Conflict(fmt.Sprintf("Task '%s' is disabled", task.Name))
	}
	if task.Paused {
		return nil, "", apperrors.Conflict(fmt.Sprintf("Task '%s' is paused", task.Name))
	}

	merged, err := mergeParameters(task, params)
	if err != nil {
		return nil, "", err
	}
	prompt, err := fillTemplate(task.TemplatePrompt, merged)
	if err != nil {
		return nil, "", err
	}

	run := &models.Run{
		TaskID:      task.ID,
		Status:      models.RunStarting,
		Trigger:     trigger,
		Parameters:  merged,
		TriggeredBy: by,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, "", err
	}
	if err := s.store.MarkRunStarted(ctx, task.ID, run.StartedAt); err != nil {
		s.logger.WithTaskID(task.ID).Warn("Failed to roll run counter", zap.Error(err))
	}

	s.logger.WithTaskID(task.ID).Info("Task run started",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(trigger)),
	)
	s.publishEvent(ctx, events.TaskRunStarted, task.ID, map[string]interface{}{
		"run_id":  run.ID,
		"trigger": string(trigger),
	})
	return run, prompt, nil
}

// RunUpdate carries the mutable fields of UpdateRun. Nil means unchanged.
type RunUpdate struct {
	Status        *models.RunStatus
	SessionID     *string
	ResultSummary *string
	ErrorMessage  *string
	RetryCount    *int
}

// UpdateRun applies updates to a run. The first transition into a
// terminal status stamps completed_at, computes the duration, and rolls
// the task's success/failure counters and running average.
func (s *Service) UpdateRun(ctx context.Context, runID string, update RunUpdate) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	wasTerminal := run.Status.Terminal()
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.SessionID != nil {
		run.SessionID = update.SessionID
	}
	if update.ResultSummary != nil {
		run.ResultSummary = *update.ResultSummary
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.RetryCount != nil {
		run.RetryCount = *update.RetryCount
	}

	newlyTerminal := !wasTerminal && run.Status.Terminal()
	if newlyTerminal && run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
		duration := int(now.Sub(run.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		run.DurationSeconds = &duration
	}

	if err := s.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	if newlyTerminal {
		duration := 0
		if run.DurationSeconds != nil {
			duration = *run.DurationSeconds
		}
		if err := s.store.UpdateCountersForRun(ctx, run.TaskID, run.Status, duration); err != nil {
			s.logger.WithTaskID(run.TaskID).Warn("Failed to roll run statistics", zap.Error(err))
		}
		taskName := ""
		if task, err := s.store.GetTask(ctx, run.TaskID); err == nil {
			taskName = task.Name
		}
		s.publishEvent(ctx, events.TaskRunFinished, run.TaskID, map[string]interface{}{
			"run_id":           run.ID,
			"task_name":        taskName,
			"status":           string(run.Status),
			"duration_seconds": duration,
			"result_summary":   run.ResultSummary,
			"error_message":    run.ErrorMessage,
		})
	}
	return run, nil
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// RunHistory returns a page of a task's runs newest-first.
func (s *Service) RunHistory(ctx context.Context, taskID string, limit, offset int) (*dto.RunHistoryResponse, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	filter := store.RunFilter{TaskID: taskID, Limit: limit, Offset: offset}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	responses := make([]*dto.RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, dto.RunFromModel(run, task.Name))
	}
	return &dto.RunHistoryResponse{
		TaskName: task.Name,
		Runs:     responses,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// ScheduleAudit returns a task's schedule change trail newest-first.
func (s *Service) ScheduleAudit(ctx context.Context, taskID string, limit int) (*dto.ScheduleHistoryResponse, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	changes, err := s.store.ListScheduleChanges(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}

	responses := make([]*dto.ScheduleChangeResponse, 0, len(changes))
	for _, change := range changes {
		responses = append(responses, dto.ScheduleChangeFromModel(change))
	}
	return &dto.ScheduleHistoryResponse{TaskID: taskID, Changes: responses}, nil
}

// Store exposes the underlying store to the scheduler, which shares the
// task tables for schedule state and audit.
func (s *Service) Store() *store.Store {
	return s.store
}

// ValidateSchedule checks a 5-field cron expression against a timezone.
func ValidateSchedule(expr, timezone string) error {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return apperrors.ValidationError("schedule_timezone",
			fmt.Sprintf("unknown timezone %q", timezone))
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s", timezone, expr)
	if _, err := cron.ParseStandard(spec); err != nil {
		return apperrors.ValidationError("schedule_cron",
			fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return nil
}

// validateTemplate checks that every required parameter has a placeholder.
func validateTemplate(template string, required []string) error {
	placeholders := make(map[string]bool)
	for _, match := range placeholderRe.FindAllStringSubmatch(template, -1) {
		placeholders[match[1]] = true
	}
	for _, param := range required {
		if !placeholders[param] {
			return apperrors.ValidationError("required_parameters",
				fmt.Sprintf("Required parameter '%s' not found in template", param))
		}
	}
	return nil
}

func validateWorkspaceType(workspaceType string) error {
	switch workspaceType {
	case "", "ephemeral", "persistent":
		return nil
	default:
		return apperrors.ValidationError("workspace_type",
			fmt.Sprintf("unknown workspace type %q", workspaceType))
	}
}

// mergeParameters fills optional defaults and rejects missing required
// parameters. The input map is not mutated.
func mergeParameters(task *models.Task, params map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(task.OptionalParameters)+len(params))
	for name, value := range task.OptionalParameters {
		merged[name] = value
	}
	for name, value := range params {
		merged[name] = value
	}

	var missing []string
	for _, name := range task.RequiredParameters {
		if _, ok := merged[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.ValidationError("parameters",
			fmt.Sprintf("Missing required parameters: %s", strings.Join(missing, ", ")))
	}
	return merged, nil
}

// fillTemplate substitutes {name} placeholders and fails when any remain.
func fillTemplate(template string, params map[string]string) (string, error) {
	filled := template
	for name, value := range params {
		filled = strings.ReplaceAll(filled, "{"+name+"}", value)
	}

	if matches := placeholderRe.FindAllStringSubmatch(filled, -1); len(matches) > 0 {
		remaining := make([]string, 0, len(matches))
		seen := make(map[string]bool)
		for _, match := range matches {
			if !seen[match[1]] {
				seen[match[1]] = true
				remaining = append(remaining, match[1])
			}
		}
		sort.Strings(remaining)
		return "", apperrors.ValidationError("template_prompt",
			fmt.Sprintf("Template has unfilled placeholders: %s", strings.Join(remaining, ", ")))
	}
	return filled, nil
}

func (s *Service) publishEvent(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = taskID

	subject := eventType
	if eventType == events.TaskRunFinished {
		subject = events.BuildTaskRunSubject(taskID)
	}
	if err := s.events.Publish(ctx, subject, eventbus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}
