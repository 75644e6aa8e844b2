package platform

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
)

// Interactions are kept even after their session is deleted, so there is
// deliberately no foreign key into the sessions table.
const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	interaction_type TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	response TEXT,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	priority TEXT NOT NULL DEFAULT 'normal',
	thread_id TEXT,
	message_id TEXT,
	created_at TIMESTAMP NOT NULL,
	answered_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status);
`

// Store persists interactions.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the store and ensures the schema exists.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: log}
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, err
	}
	return s, nil
}

type interactionRow struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	Type           string         `db:"interaction_type"`
	Status         string         `db:"status"`
	Message        string         `db:"message"`
	Response       sql.NullString `db:"response"`
	Attempt        int            `db:"attempt"`
	MaxAttempts    int            `db:"max_attempts"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	Priority       string         `db:"priority"`
	ThreadID       sql.NullString `db:"thread_id"`
	MessageID      sql.NullString `db:"message_id"`
	CreatedAt      time.Time      `db:"created_at"`
	AnsweredAt     sql.NullTime   `db:"answered_at"`
}

const interactionColumns = `id, session_id, interaction_type, status, message,
	response, attempt, max_attempts, timeout_seconds, priority, thread_id,
	message_id, created_at, answered_at`

func (r *interactionRow) toModel() *Interaction {
	in := &Interaction{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Type:           InteractionType(r.Type),
		Status:         InteractionStatus(r.Status),
		Message:        r.Message,
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		TimeoutSeconds: r.TimeoutSeconds,
		Priority:       r.Priority,
		CreatedAt:      r.CreatedAt,
	}
	if r.Response.Valid {
		response := r.Response.String
		in.Response = &response
	}
	if r.ThreadID.Valid && r.ThreadID.String != "" {
		threadID := r.ThreadID.String
		in.ThreadID = &threadID
	}
	if r.MessageID.Valid && r.MessageID.String != "" {
		messageID := r.MessageID.String
		in.MessageID = &messageID
	}
	if r.AnsweredAt.Valid {
		answeredAt := r.AnsweredAt.Time
		in.AnsweredAt = &answeredAt
	}
	return in
}

// Create inserts an interaction, assigning its ID and creation time when
// unset.
func (s *Store) Create(ctx context.Context, in *Interaction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO interactions (` + interactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		in.ID, in.SessionID, string(in.Type), string(in.Status), in.Message,
		in.Response, in.Attempt, in.MaxAttempts, in.TimeoutSeconds,
		in.Priority, in.ThreadID, in.MessageID, in.CreatedAt, in.AnsweredAt)
	return err
}

// Get returns an interaction by id.
func (s *Store) Get(ctx context.Context, id string) (*Interaction, error) {
	r := s.pool.Reader()
	var row interactionRow
	query := r.Rebind(`SELECT ` + interactionColumns + ` FROM interactions WHERE id = ?`)
	if err := sqlx.GetContext(ctx, r, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("interaction", id)
		}
		return nil, err
	}
	return row.toModel(), nil
}

// Update rewrites the mutable fields of an interaction.
func (s *Store) Update(ctx context.Context, in *Interaction) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE interactions
		SET status = ?, response = ?, attempt = ?, thread_id = ?,
			message_id = ?, answered_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		string(in.Status), in.Response, in.Attempt, in.ThreadID,
		in.MessageID, in.AnsweredAt, in.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("interaction", in.ID)
	}
	return nil
}

// ListBySession returns a session's interactions, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Interaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	r := s.pool.Reader()
	query := r.Rebind(`
		SELECT ` + interactionColumns + ` FROM interactions
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`)
	var rows []interactionRow
	if err := sqlx.SelectContext(ctx, r, &rows, query, sessionID, limit); err != nil {
		return nil, err
	}
	interactions := make([]*Interaction, 0, len(rows))
	for i := range rows {
		interactions = append(interactions, rows[i].toModel())
	}
	return interactions, nil
}
