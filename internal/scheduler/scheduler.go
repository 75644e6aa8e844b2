// Package scheduler owns the cron entries that fire scheduled tasks. It
// keeps one entry per schedulable task, audits every schedule mutation,
// and coalesces fires that overlap an in-flight run of the same task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/task/models"
	taskservice "github.com/agentdock/agentdock/internal/task/service"
	taskstore "github.com/agentdock/agentdock/internal/task/store"
)

const eventSource = "scheduler"

// Scheduler maps schedulable tasks to cron entries.
type Scheduler struct {
	tasks  *taskservice.Service
	store  *taskstore.Store
	events eventbus.EventBus
	config *config.Config
	logger *logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler over the task service's store.
func New(tasks *taskservice.Service, evts eventbus.EventBus, cfg *config.Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		store:   tasks.Store(),
		events:  evts,
		config:  cfg,
		logger:  log,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts the cron loop and waits for in-flight fires to hand off.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadAll rebuilds every cron entry from the database. Called once at
// startup so schedules survive restarts. A task that fails to schedule
// is logged and skipped; one bad expression must not block the rest.
func (s *Scheduler) ReloadAll(ctx context.Context) (int, error) {
	tasks, err := s.store.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for taskID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
	s.mu.Unlock()

	loaded := 0
	for _, task := range tasks {
		if err := s.schedule(task); err != nil {
			s.logger.WithTaskID(task.ID).Error("Failed to restore schedule",
				zap.String("task_name", task.Name), zap.Error(err))
			continue
		}
		loaded++
	}
	s.logger.Info("Schedules reloaded", zap.Int("loaded", loaded), zap.Int("total", len(tasks)))
	return loaded, nil
}

// ApplySchedule sets, changes or removes a task's cron schedule. The
// task row, the live cron entry and the audit trail move together. An
// empty expression removes the schedule.
func (s *Scheduler) ApplySchedule(ctx context.Context, taskID, expr, timezone, triggeredBy, userID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var before *string
	if task.ScheduleCron != nil {
		prev := *task.ScheduleCron
		before = &prev
	}

	var action string
	switch {
	case expr == "" && before == nil:
		return task, nil
	case expr == "":
		action = models.ScheduleRemoved
		task.ScheduleCron = nil
	case before == nil:
		action = models.ScheduleAdded
	default:
		action = models.ScheduleModified
	}

	if expr != "" {
		if timezone == "" {
			timezone = task.ScheduleTimezone
		}
		if err := taskservice.ValidateSchedule(expr, timezone); err != nil {
			return nil, err
		}
		task.ScheduleCron = &expr
		task.ScheduleTimezone = timezone
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.unschedule(task.ID)
	if task.Schedulable() {
		if err := s.schedule(task); err != nil {
			return nil, err
		}
	}

	s.audit(ctx, task, action, before, task.ScheduleCron, triggeredBy, userID)
	return task, nil
}

// Pause keeps the task's schedule on record but stops firing it.
func (s *Scheduler) Pause(ctx context.Context, taskID, triggeredBy, userID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Paused {
		return task, nil
	}
	if err := s.store.SetPaused(ctx, taskID, true); err != nil {
		return nil, err
	}
	task.Paused = true

	s.unschedule(task.ID)
	s.audit(ctx, task, models.SchedulePaused, task.ScheduleCron, task.ScheduleCron, triggeredBy, userID)
	return task, nil
}

// Resume re-arms a paused task's schedule.
func (s *Scheduler) Resume(ctx context.Context, taskID, triggeredBy, userID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Paused {
		return task, nil
	}
	if err := s.store.SetPaused(ctx, taskID, false); err != nil {
		return nil, err
	}
	task.Paused = false

	if task.Schedulable() {
		if err := s.schedule(task); err != nil {
			return nil, err
		}
	}
	s.audit(ctx, task, models.ScheduleResumed, task.ScheduleCron, task.ScheduleCron, triggeredBy, userID)
	return task, nil
}

// Unschedule drops a task's cron entry without touching the row. Used
// when a task is deleted.
func (s *Scheduler) Unschedule(taskID string) {
	s.unschedule(taskID)
}

// Sync reconciles a task's live cron entry with its row: armed when the
// task is schedulable, absent otherwise. Unlike ApplySchedule it writes
// nothing, so callers that already persisted the row (create, update)
// use it to keep the entry in step.
func (s *Scheduler) Sync(task *models.Task) error {
	s.unschedule(task.ID)
	if !task.Schedulable() {
		return nil
	}
	return s.schedule(task)
}

// ScheduledTaskIDs lists the tasks currently holding a cron entry.
func (s *Scheduler) ScheduledTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for taskID := range s.entries {
		ids = append(ids, taskID)
	}
	return ids
}

// NextFireTimes computes the next count activations of a schedule.
func NextFireTimes(expr, timezone string, count int) ([]time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	schedule, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", timezone, expr))
	if err != nil {
		return nil, apperrors.ValidationError("schedule_cron",
			fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}

	times := make([]time.Time, 0, count)
	from := time.Now()
	for i := 0; i < count; i++ {
		next := schedule.Next(from)
		if next.IsZero() {
			break
		}
		times = append(times, next)
		from = next
	}
	return times, nil
}

// schedule registers a cron entry for the task, replacing any old one.
func (s *Scheduler) schedule(task *models.Task) error {
	if task.ScheduleCron == nil || *task.ScheduleCron == "" {
		return apperrors.BadRequest(fmt.Sprintf("task '%s' has no schedule", task.Name))
	}
	timezone := task.ScheduleTimezone
	if timezone == "" {
		timezone = "UTC"
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s", timezone, *task.ScheduleCron)

	taskID := task.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(taskID) })
	if err != nil {
		return apperrors.ValidationError("schedule_cron",
			fmt.Sprintf("invalid cron expression %q: %v", *task.ScheduleCron, err))
	}

	s.mu.Lock()
	if old, ok := s.entries[taskID]; ok {
		s.cron.Remove(old)
	}
	s.entries[taskID] = entryID
	s.mu.Unlock()

	s.logger.WithTaskID(task.ID).Info("Schedule armed",
		zap.String("task_name", task.Name),
		zap.String("cron", *task.ScheduleCron),
		zap.String("timezone", timezone),
	)
	return nil
}

func (s *Scheduler) unschedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
}

// fire runs one scheduled activation. The task is re-fetched so edits
// made after arming are honored, and activations that arrive past the
// misfire grace are dropped rather than run late.
func (s *Scheduler) fire(taskID string) {
	ctx := context.Background()
	log := s.logger.WithTaskID(taskID)

	s.mu.Lock()
	entryID, armed := s.entries[taskID]
	s.mu.Unlock()

	var scheduledAt time.Time
	if armed {
		scheduledAt = s.cron.Entry(entryID).Prev
	}
	if !scheduledAt.IsZero() {
		if delay := time.Since(scheduledAt); delay > s.config.Scheduler.MisfireGraceDuration() {
			log.Warn("Dropping misfired schedule activation",
				zap.Time("scheduled_at", scheduledAt),
				zap.Duration("delay", delay),
			)
			s.publishEvent(ctx, events.ScheduleMisfire, map[string]interface{}{
				"task_id":      taskID,
				"scheduled_at": scheduledAt,
				"delay_ms":     delay.Milliseconds(),
			})
			return
		}
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Info("Unscheduling deleted task")
			s.unschedule(taskID)
			return
		}
		log.Error("Failed to load task for scheduled fire", zap.Error(err))
		return
	}
	if !task.Schedulable() {
		log.Info("Skipping fire for unschedulable task",
			zap.Bool("enabled", task.Enabled), zap.Bool("paused", task.Paused))
		return
	}

	// Optional parameter defaults fill the template on scheduled fires.
	if _, err := s.tasks.RunTask(ctx, taskID, nil, models.TriggerScheduled, "scheduler"); err != nil {
		if apperrors.IsConflict(err) {
			log.Info("Coalescing schedule fire into in-flight run")
			return
		}
		log.Error("Scheduled run failed to start", zap.Error(err))
	}
}

func (s *Scheduler) audit(ctx context.Context, task *models.Task, action string, before, after *string, triggeredBy, userID string) {
	change := &models.ScheduleChange{
		TaskID:         task.ID,
		Action:         action,
		ScheduleBefore: before,
		ScheduleAfter:  after,
		TriggeredBy:    triggeredBy,
		UserID:         userID,
	}
	if err := s.store.AppendScheduleChange(ctx, change); err != nil {
		s.logger.WithTaskID(task.ID).Error("Failed to append schedule audit entry", zap.Error(err))
	}

	data := map[string]interface{}{
		"task_id":      task.ID,
		"task_name":    task.Name,
		"action":       action,
		"triggered_by": triggeredBy,
	}
	if before != nil {
		data["schedule_before"] = *before
	}
	if after != nil {
		data["schedule_after"] = *after
	}
	s.publishEvent(ctx, events.ScheduleChanged, data)
}

func (s *Scheduler) publishEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, eventbus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("Failed to publish scheduler event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
