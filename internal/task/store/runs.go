package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/task/models"
)

type runRow struct {
	ID              string         `db:"id"`
	TaskID          string         `db:"task_id"`
	SessionID       sql.NullString `db:"session_id"`
	Status          string         `db:"status"`
	Trigger         string         `db:"run_trigger"`
	Parameters      string         `db:"parameters"`
	StartedAt       time.Time      `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	DurationSeconds sql.NullInt64  `db:"duration_seconds"`
	ResultSummary   string         `db:"result_summary"`
	ErrorMessage    string         `db:"error_message"`
	RetryCount      int            `db:"retry_count"`
	TriggeredBy     string         `db:"triggered_by"`
	CreatedAt       time.Time      `db:"created_at"`
}

const runColumns = `id, task_id, session_id, status, run_trigger, parameters,
	started_at, completed_at, duration_seconds, result_summary,
	error_message, retry_count, triggered_by, created_at`

func (r *runRow) toModel() *models.Run {
	run := &models.Run{
		ID:            r.ID,
		TaskID:        r.TaskID,
		Status:        models.RunStatus(r.Status),
		Trigger:       models.Trigger(r.Trigger),
		StartedAt:     r.StartedAt,
		ResultSummary: r.ResultSummary,
		ErrorMessage:  r.ErrorMessage,
		RetryCount:    r.RetryCount,
		TriggeredBy:   r.TriggeredBy,
		CreatedAt:     r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Parameters), &run.Parameters); err != nil {
		run.Parameters = nil
	}
	if r.SessionID.Valid {
		id := r.SessionID.String
		run.SessionID = &id
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time
		run.CompletedAt = &at
	}
	if r.DurationSeconds.Valid {
		d := int(r.DurationSeconds.Int64)
		run.DurationSeconds = &d
	}
	return run
}

// CreateRun inserts a new task run.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.CreatedAt = now

	params, err := json.Marshal(orEmptyMap(run.Parameters))
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO task_runs (id, task_id, session_id, status, run_trigger,
			parameters, started_at, completed_at, duration_seconds,
			result_summary, error_message, retry_count, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		run.ID, run.TaskID, run.SessionID, string(run.Status), string(run.Trigger),
		string(params), run.StartedAt, run.CompletedAt, nullableInt(run.DurationSeconds),
		run.ResultSummary, run.ErrorMessage, run.RetryCount, run.TriggeredBy, run.CreatedAt)
	return err
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r := s.pool.Reader()
	var row runRow
	query := r.Rebind(`SELECT ` + runColumns + ` FROM task_runs WHERE id = ?`)
	if err := sqlx.GetContext(ctx, r, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("task run", id)
		}
		return nil, err
	}
	return row.toModel(), nil
}

// UpdateRun rewrites a run's mutable fields.
func (s *Store) UpdateRun(ctx context.Context, run *models.Run) error {
	params, err := json.Marshal(orEmptyMap(run.Parameters))
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE task_runs SET session_id = ?, status = ?, parameters = ?,
			completed_at = ?, duration_seconds = ?, result_summary = ?,
			error_message = ?, retry_count = ?
		WHERE id = ?`)
	result, err := w.ExecContext(ctx, query,
		run.SessionID, string(run.Status), string(params),
		run.CompletedAt, nullableInt(run.DurationSeconds),
		run.ResultSummary, run.ErrorMessage, run.RetryCount, run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, "task run", run.ID)
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	TaskID string
	Status models.RunStatus
	Limit  int
	Offset int
}

// ListRuns returns runs newest-first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs`
	var args []interface{}
	var where []string
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	r := s.pool.Reader()
	var rows []runRow
	if err := sqlx.SelectContext(ctx, r, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}
	runs := make([]*models.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toModel())
	}
	return runs, nil
}

// CountRuns returns the number of runs matching the filter, ignoring
// Limit and Offset.
func (s *Store) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	query := `SELECT COUNT(*) FROM task_runs`
	var args []interface{}
	var where []string
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}

	r := s.pool.Reader()
	var count int
	if err := sqlx.GetContext(ctx, r, &count, r.Rebind(query), args...); err != nil {
		return 0, err
	}
	return count, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
