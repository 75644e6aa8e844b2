// Package dto defines the request and response shapes of the task API.
package dto

import (
	"time"

	"github.com/agentdock/agentdock/internal/task/models"
)

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Name               string            `json:"task_name" binding:"required"`
	Description        string            `json:"description,omitempty"`
	TemplatePrompt     string            `json:"template_prompt" binding:"required"`
	RequiredParameters []string          `json:"required_parameters,omitempty"`
	OptionalParameters map[string]string `json:"optional_parameters,omitempty"`
	ScheduleCron       string            `json:"schedule_cron,omitempty"`
	ScheduleTimezone   string            `json:"schedule_timezone,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled       *bool   `json:"enabled,omitempty"`
	WorkspaceType string  `json:"workspace_type,omitempty"`
	WorkspaceID   *string `json:"workspace_id,omitempty"`
	OwnerUserID   string  `json:"owner_user_id,omitempty"`
}

// UpdateTaskRequest is the body of PUT /api/v1/tasks/{id}. Nil fields are
// left unchanged.
type UpdateTaskRequest struct {
	Description        *string            `json:"description,omitempty"`
	TemplatePrompt     *string            `json:"template_prompt,omitempty"`
	RequiredParameters *[]string          `json:"required_parameters,omitempty"`
	OptionalParameters *map[string]string `json:"optional_parameters,omitempty"`
	ScheduleCron       *string            `json:"schedule_cron,omitempty"`
	ScheduleTimezone   *string            `json:"schedule_timezone,omitempty"`
	Enabled            *bool              `json:"enabled,omitempty"`
	Paused             *bool              `json:"paused,omitempty"`
	WorkspaceType      *string            `json:"workspace_type,omitempty"`
	WorkspaceID        *string            `json:"workspace_id,omitempty"`
}

// StartTaskRequest is the body of POST /api/v1/tasks/{id}/start.
type StartTaskRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ScheduleRequest is the body of POST /api/v1/tasks/{id}/schedule. An
// empty cron expression removes the schedule.
type ScheduleRequest struct {
	ScheduleCron     string `json:"schedule_cron"`
	ScheduleTimezone string `json:"schedule_timezone,omitempty"`
}

// TaskResponse is the API view of a task.
type TaskResponse struct {
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
	WorkspaceType      string            `json:"workspace_type,omitempty"`
	WorkspaceID        *string           `json:"workspace_id,omitempty"`
	OwnerUserID        string            `json:"owner_user_id,omitempty"`
	RunCount           int               `json:"run_count"`
	SuccessCount       int               `json:"success_count"`
	FailureCount       int               `json:"failure_count"`
	AvgDurationSeconds int               `json:"avg_duration_seconds"`
	LastRunAt          *time.Time        `json:"last_run_at,omitempty"`
	NextRunTimes       []time.Time       `json:"next_run_times,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// TaskListResponse is the paginated task list.
type TaskListResponse struct {
	Tasks  []*TaskResponse `json:"tasks"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// RunResponse is the API view of one task run.
type RunResponse struct {
	ID              string            `json:"id"`
	TaskID          string            `json:"task_id"`
	TaskName        string            `json:"task_name,omitempty"`
	SessionID       *string           `json:"session_id,omitempty"`
	Status          string            `json:"status"`
	Trigger         string            `json:"trigger"`
	Parameters      map[string]string `json:"parameters"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	ResultSummary   string            `json:"result_summary,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RetryCount      int               `json:"retry_count"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RunHistoryResponse is the paginated run history of one task.
type RunHistoryResponse struct {
	TaskName string         `json:"task_name"`
	Runs     []*RunResponse `json:"runs"`
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

// ScheduleChangeResponse is one schedule audit entry.
type ScheduleChangeResponse struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	ScheduleBefore *string   `json:"schedule_before,omitempty"`
	ScheduleAfter  *string   `json:"schedule_after,omitempty"`
	TriggeredBy    string    `json:"triggered_by"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ScheduleHistoryResponse is the schedule audit trail of one task.
type ScheduleHistoryResponse struct {
	TaskID  string                    `json:"task_id"`
	Changes []*ScheduleChangeResponse `json:"changes"`
}

// TaskFromModel converts a task row.
func TaskFromModel(task *models.Task) *TaskResponse {
	required := task.RequiredParameters
	if required == nil {
		required = []string{}
	}
	optional := task.OptionalParameters
	if optional == nil {
		optional = map[string]string{}
	}
	return &TaskResponse{
		ID:                 task.ID,
		Name:               task.Name,
		Description:        task.Description,
		TemplatePrompt:     task.TemplatePrompt,
		RequiredParameters: required,
		OptionalParameters: optional,
		ScheduleCron:       task.ScheduleCron,
		ScheduleTimezone:   task.ScheduleTimezone,
		Enabled:            task.Enabled,
		Paused:             task.Paused,
		WorkspaceType:      task.WorkspaceType,
		WorkspaceID:        task.WorkspaceID,
		OwnerUserID:        task.OwnerUserID,
		RunCount:           task.RunCount,
		SuccessCount:       task.SuccessCount,
		FailureCount:       task.FailureCount,
		AvgDurationSeconds: task.AvgDurationSeconds,
		LastRunAt:          task.LastRunAt,
		CreatedAt:          task.CreatedAt,
		UpdatedAt:          task.UpdatedAt,
	}
}

// RunFromModel converts a run row. taskName may be empty when the caller
// does not have the task at hand.
func RunFromModel(run *models.Run, taskName string) *RunResponse {
	params := run.Parameters
	if params == nil {
		params = map[string]string{}
	}
	return &RunResponse{
		ID:              run.ID,
		TaskID:          run.TaskID,
		TaskName:        taskName,
		SessionID:       run.SessionID,
		Status:          string(run.Status),
		Trigger:         string(run.Trigger),
		Parameters:      params,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DurationSeconds: run.DurationSeconds,
		ResultSummary:   run.ResultSummary,
		ErrorMessage:    run.ErrorMessage,
		RetryCount:      run.RetryCount,
		CreatedAt:       run.CreatedAt,
	}
}

// ScheduleChangeFromModel converts one audit row.
func ScheduleChangeFromModel(change *models.ScheduleChange) *ScheduleChangeResponse {
	return &ScheduleChangeResponse{
		ID:             change.ID,
		Action:         change.Action,
		ScheduleBefore: change.ScheduleBefore,
		ScheduleAfter:  change.ScheduleAfter,
		TriggeredBy:    change.TriggeredBy,
		UserID:         change.UserID,
		CreatedAt:      change.CreatedAt,
	}
}
