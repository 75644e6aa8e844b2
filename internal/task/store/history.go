package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdock/agentdock/internal/task/models"
)

type scheduleChangeRow struct {
	ID             string         `db:"id"`
	TaskID         string         `db:"task_id"`
	Action         string         `db:"action"`
	ScheduleBefore sql.NullString `db:"schedule_before"`
	ScheduleAfter  sql.NullString `db:"schedule_after"`
	TriggeredBy    string         `db:"triggered_by"`
	UserID         string         `db:"user_id"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *scheduleChangeRow) toModel() *models.ScheduleChange {
	change := &models.ScheduleChange{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Action:      r.Action,
		TriggeredBy: r.TriggeredBy,
		UserID:      r.UserID,
		CreatedAt:   r.CreatedAt,
	}
	if r.ScheduleBefore.Valid {
		v := r.ScheduleBefore.String
		change.ScheduleBefore = &v
	}
	if r.ScheduleAfter.Valid {
		v := r.ScheduleAfter.String
		change.ScheduleAfter = &v
	}
	return change
}

// AppendScheduleChange records one schedule audit entry.
func (s *Store) AppendScheduleChange(ctx context.Context, change *models.ScheduleChange) error {
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO schedule_history (id, task_id, action, schedule_before,
			schedule_after, triggered_by, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		change.ID, change.TaskID, change.Action,
		change.ScheduleBefore, change.ScheduleAfter,
		change.TriggeredBy, change.UserID, change.CreatedAt)
	return err
}

// ListScheduleChanges returns a task's schedule audit trail newest-first.
func (s *Store) ListScheduleChanges(ctx context.Context, taskID string, limit int) ([]*models.ScheduleChange, error) {
	if limit <= 0 {
		limit = 50
	}

	r := s.pool.Reader()
	query := r.Rebind(`
		SELECT id, task_id, action, schedule_before, schedule_after,
			triggered_by, user_id, created_at
		FROM schedule_history
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ?`)
	var rows []scheduleChangeRow
	if err := sqlx.SelectContext(ctx, r, &rows, query, taskID, limit); err != nil {
		return nil, err
	}
	changes := make([]*models.ScheduleChange, 0, len(rows))
	for i := range rows {
		changes = append(changes, rows[i].toModel())
	}
	return changes, nil
}
