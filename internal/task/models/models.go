// Package models defines the scheduled-task domain types.
package models

import "time"

// RunStatus is the lifecycle status of one task execution.
type RunStatus string

const (
	RunScheduled         RunStatus = "scheduled"
	RunWaitingDependency RunStatus = "waiting_dependency"
	RunStarting          RunStatus = "starting"
	RunRunning           RunStatus = "running"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled  Trigger = "scheduled"
	TriggerManual     Trigger = "manual"
	TriggerDependency Trigger = "dependency"
	TriggerRetry      Trigger = "retry"
)

// Schedule audit actions.
const (
	ScheduleAdded    = "added"
	ScheduleRemoved  = "removed"
	ScheduleModified = "modified"
	SchedulePaused   = "paused"
	ScheduleResumed  = "resumed"
)

// Task is a reusable prompt template, optionally on a cron schedule.
// Every name in RequiredParameters must appear as a {name} placeholder
// in TemplatePrompt.
type Task struct {
	ID                 string            `json:"id"`
	Name               string            `json:"task_name"`
	Description        string            `json:"description,omitempty"`
	TemplatePrompt     string            `json:"template_prompt"`
	RequiredParameters []string          `json:"required_parameters"`
	OptionalParameters map[string]string `json:"optional_parameters"`
	ScheduleCron       *string           `json:"schedule_cron,omitempty"`
	ScheduleTimezone   string            `json:"schedule_timezone"`
	Enabled            bool              `json:"enabled"`
	Paused             bool              `json:"paused"`
	// WorkspaceType/WorkspaceID pin runs to a persistent workspace so
	// consecutive runs see each other's files. Empty means ephemeral.
	WorkspaceType      string     `json:"workspace_type,omitempty"`
	WorkspaceID        *string    `json:"workspace_id,omitempty"`
	OwnerUserID        string     `json:"owner_user_id,omitempty"`
	RunCount           int        `json:"run_count"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	AvgDurationSeconds int        `json:"avg_duration_seconds"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Schedulable reports whether the task should hold a cron entry.
func (t *Task) Schedulable() bool {
	return t.Enabled && !t.Paused && t.DeletedAt == nil &&
		t.ScheduleCron != nil && *t.ScheduleCron != ""
}

// Run is one execution of a task.
type Run struct {
	ID              string            `json:"id"`
	TaskID          string            `json:"task_id"`
	SessionID       *string           `json:"session_id,omitempty"`
	Status          RunStatus         `json:"status"`
	Trigger         Trigger           `json:"trigger"`
	Parameters      map[string]string `json:"parameters"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	ResultSummary   string            `json:"result_summary,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RetryCount      int               `json:"retry_count"`
	TriggeredBy     string            `json:"triggered_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ScheduleChange is one audit entry for a task's schedule.
type ScheduleChange struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	Action         string    `json:"action"`
	ScheduleBefore *string   `json:"schedule_before,omitempty"`
	ScheduleAfter  *string   `json:"schedule_after,omitempty"`
	TriggeredBy    string    `json:"triggered_by"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
