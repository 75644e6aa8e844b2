// Package store persists tasks, their runs and the schedule audit trail.
// Booleans are stored as integers so the same schema works on SQLite and
// Postgres through the shared pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/task/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	template_prompt TEXT NOT NULL,
	required_parameters TEXT NOT NULL DEFAULT '[]',
	optional_parameters TEXT NOT NULL DEFAULT '{}',
	schedule_cron TEXT,
	schedule_timezone TEXT NOT NULL DEFAULT 'UTC',
	enabled INTEGER NOT NULL DEFAULT 1,
	paused INTEGER NOT NULL DEFAULT 0,
	workspace_type TEXT NOT NULL DEFAULT '',
	workspace_id TEXT,
	owner_user_id TEXT NOT NULL DEFAULT '',
	run_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	avg_duration_seconds INTEGER NOT NULL DEFAULT 0,
	last_run_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_live_name ON tasks(task_name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	session_id TEXT,
	status TEXT NOT NULL,
	run_trigger TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '{}',
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	duration_seconds INTEGER,
	result_summary TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	triggered_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);

CREATE TABLE IF NOT EXISTS schedule_history (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	schedule_before TEXT,
	schedule_after TEXT,
	triggered_by TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_history_task ON schedule_history(task_id, created_at);
`

// Store persists the task domain.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// New creates the store and ensures the schema exists.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: log}
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, err
	}
	return s, nil
}

type taskRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"task_name"`
	Description        string         `db:"description"`
	TemplatePrompt     string         `db:"template_prompt"`
	RequiredParameters string         `db:"required_parameters"`
	OptionalParameters string         `db:"optional_parameters"`
	ScheduleCron       sql.NullString `db:"schedule_cron"`
	ScheduleTimezone   string         `db:"schedule_timezone"`
	Enabled            int            `db:"enabled"`
	Paused             int            `db:"paused"`
	WorkspaceType      string         `db:"workspace_type"`
	WorkspaceID        sql.NullString `db:"workspace_id"`
	OwnerUserID        string         `db:"owner_user_id"`
	RunCount           int            `db:"run_count"`
	SuccessCount       int            `db:"success_count"`
	FailureCount       int            `db:"failure_count"`
	AvgDurationSeconds int            `db:"avg_duration_seconds"`
	LastRunAt          sql.NullTime   `db:"last_run_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	DeletedAt          sql.NullTime   `db:"deleted_at"`
}

const taskColumns = `id, task_name, description, template_prompt,
	required_parameters, optional_parameters, schedule_cron,
	schedule_timezone, enabled, paused, workspace_type, workspace_id,
	owner_user_id, run_count, success_count, failure_count,
	avg_duration_seconds, last_run_at, created_at, updated_at, deleted_at`

func (r *taskRow) toModel() *models.Task {
	task := &models.Task{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		TemplatePrompt:     r.TemplatePrompt,
		ScheduleTimezone:   r.ScheduleTimezone,
		Enabled:            r.Enabled != 0,
		Paused:             r.Paused != 0,
		WorkspaceType:      r.WorkspaceType,
		OwnerUserID:        r.OwnerUserID,
		RunCount:           r.RunCount,
		SuccessCount:       r.SuccessCount,
		FailureCount:       r.FailureCount,
		AvgDurationSeconds: r.AvgDurationSeconds,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.RequiredParameters), &task.RequiredParameters); err != nil {
		task.RequiredParameters = nil
	}
	if err := json.Unmarshal([]byte(r.OptionalParameters), &task.OptionalParameters); err != nil {
		task.OptionalParameters = nil
	}
	if r.ScheduleCron.Valid && r.ScheduleCron.String != "" {
		cron := r.ScheduleCron.String
		task.ScheduleCron = &cron
	}
	if r.WorkspaceID.Valid {
		id := r.WorkspaceID.String
		task.WorkspaceID = &id
	}
	if r.LastRunAt.Valid {
		at := r.LastRunAt.Time
		task.LastRunAt = &at
	}
	if r.DeletedAt.Valid {
		at := r.DeletedAt.Time
		task.DeletedAt = &at
	}
	return task
}

func taskArgs(task *models.Task) ([]interface{}, error) {
	required, err := json.Marshal(orEmptySlice(task.RequiredParameters))
	if err != nil {
		return nil, err
	}
	optional, err := json.Marshal(orEmptyMap(task.OptionalParameters))
	if err != nil {
		return nil, err
	}
	return []interface{}{
		task.Name, task.Description, task.TemplatePrompt,
		string(required), string(optional),
		task.ScheduleCron, task.ScheduleTimezone,
		boolToInt(task.Enabled), boolToInt(task.Paused),
		task.WorkspaceType, task.WorkspaceID, task.OwnerUserID,
	}, nil
}

// CreateTask inserts a new task. Name uniqueness is checked by the
// service; a racing duplicate still fails on the unique constraint.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.ScheduleTimezone == "" {
		task.ScheduleTimezone = "UTC"
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append([]interface{}{task.ID}, args...)
	args = append(args, task.CreatedAt, task.UpdatedAt)

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO tasks (id, task_name, description, template_prompt,
			required_parameters, optional_parameters, schedule_cron,
			schedule_timezone, enabled, paused, workspace_type,
			workspace_id, owner_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query, args...)
	return err
}

// GetTask returns a task by id. Soft-deleted tasks read as not found.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r := s.pool.Reader()
	var row taskRow
	query := r.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ? AND deleted_at IS NULL`)
	if err := sqlx.GetContext(ctx, r, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("task", id)
		}
		return nil, err
	}
	return row.toModel(), nil
}

// GetTaskByName returns a live task by its unique name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*models.Task, error) {
	r := s.pool.Reader()
	var row taskRow
	query := r.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE task_name = ? AND deleted_at IS NULL`)
	if err := sqlx.GetContext(ctx, r, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("task", name)
		}
		return nil, err
	}
	return row.toModel(), nil
}

// ListFilter narrows ListTasks results.
type ListFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}

// ListTasks returns live tasks newest-first.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	var args []interface{}
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	r := s.pool.Reader()
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, r, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toModel())
	}
	return tasks, nil
}

// CountTasks returns the number of live tasks matching the filter.
func (s *Store) CountTasks(ctx context.Context, filter ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL`
	var args []interface{}
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	r := s.pool.Reader()
	var count int
	if err := sqlx.GetContext(ctx, r, &count, r.Rebind(query), args...); err != nil {
		return 0, err
	}
	return count, nil
}

// ListScheduled returns every task that should hold a cron entry.
func (s *Store) ListScheduled(ctx context.Context) ([]*models.Task, error) {
	r := s.pool.Reader()
	query := r.Rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE deleted_at IS NULL AND enabled = 1 AND paused = 0
			AND schedule_cron IS NOT NULL AND schedule_cron != ''
		ORDER BY created_at ASC`)
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, r, &rows, query); err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toModel())
	}
	return tasks, nil
}

// UpdateTask rewrites a task's definition fields. Counters and soft-delete
// state are managed by their own operations.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append(args, task.UpdatedAt, task.ID)

	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE tasks SET task_name = ?, description = ?, template_prompt = ?,
			required_parameters = ?, optional_parameters = ?,
			schedule_cron = ?, schedule_timezone = ?, enabled = ?, paused = ?,
			workspace_type = ?, workspace_id = ?, owner_user_id = ?,
			updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	result, err := w.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(result, "task", task.ID)
}

// SetPaused flips only the paused flag.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET paused = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	result, err := w.ExecContext(ctx, query, boolToInt(paused), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result, "task", id)
}

// SoftDeleteTask marks a task deleted and disabled. The schedule string is
// kept for the audit trail; the live cron entry is removed by the caller.
func (s *Store) SoftDeleteTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET deleted_at = ?, enabled = 0, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	result, err := w.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(result, "task", id)
}

// HardDeleteTask removes the task row; runs and history cascade.
func (s *Store) HardDeleteTask(ctx context.Context, id string) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(result, "task", id)
}

// MarkRunStarted rolls run_count and last_run_at for a newly started run.
func (s *Store) MarkRunStarted(ctx context.Context, taskID string, at time.Time) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE tasks SET run_count = run_count + 1, last_run_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	result, err := w.ExecContext(ctx, query, at, at, taskID)
	if err != nil {
		return err
	}
	return requireRow(result, "task", taskID)
}

// UpdateCountersForRun rolls a finished run into the task's statistics.
// The running average is computed in 64-bit floating point and rounded
// half-to-even: avg' = round((avg*(n-1) + duration) / n) with n being the
// task's run_count. Cancelled runs touch neither counters nor average.
func (s *Store) UpdateCountersForRun(ctx context.Context, taskID string, status models.RunStatus, durationSeconds int) error {
	if status != models.RunCompleted && status != models.RunFailed {
		return nil
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var counters struct {
		RunCount           int `db:"run_count"`
		AvgDurationSeconds int `db:"avg_duration_seconds"`
	}
	query := tx.Rebind(`SELECT run_count, avg_duration_seconds FROM tasks WHERE id = ?`)
	if err := sqlx.GetContext(ctx, tx, &counters, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("task", taskID)
		}
		return err
	}

	n := counters.RunCount
	if n < 1 {
		n = 1
	}
	avg := int(math.RoundToEven(
		(float64(counters.AvgDurationSeconds)*float64(n-1) + float64(durationSeconds)) / float64(n)))

	successDelta, failureDelta := 0, 0
	if status == models.RunCompleted {
		successDelta = 1
	} else {
		failureDelta = 1
	}

	update := tx.Rebind(`UPDATE tasks
		SET success_count = success_count + ?, failure_count = failure_count + ?,
			avg_duration_seconds = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, successDelta, failureDelta, avg, time.Now().UTC(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(result sql.Result, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
