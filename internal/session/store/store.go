// Package store persists sessions and their chat messages. Writes go
// through the pool's writer connection; reads use the reader pool so list
// and tree queries never contend with the single SQLite writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/session/models"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
)

// Limits bounds the spawn tree. Enforced inside CreateChildLocked so
// concurrent spawns cannot overshoot.
type Limits struct {
	MaxDepth    int
	MaxChildren int
	MaxTotal    int
}

// Store provides session and message persistence.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// New creates the store and ensures the schema exists.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		container_id TEXT,
		parent_session_id TEXT REFERENCES sessions(id),
		workspace_type TEXT NOT NULL DEFAULT 'ephemeral',
		workspace_id TEXT,
		config TEXT NOT NULL DEFAULT '{}',
		owner_user_id TEXT NOT NULL DEFAULT '',
		total_cost_usd REAL NOT NULL DEFAULT 0,
		total_turns INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session
		ON session_messages(session_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting tree queries
// run standalone or inside the spawn transaction.
type querier interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

type sessionRow struct {
	ID              string         `db:"id"`
	Status          string         `db:"status"`
	ContainerID     sql.NullString `db:"container_id"`
	ParentSessionID sql.NullString `db:"parent_session_id"`
	WorkspaceType   string         `db:"workspace_type"`
	WorkspaceID     sql.NullString `db:"workspace_id"`
	Config          string         `db:"config"`
	OwnerUserID     string         `db:"owner_user_id"`
	TotalCostUSD    float64        `db:"total_cost_usd"`
	TotalTurns      int            `db:"total_turns"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StoppedAt       sql.NullTime   `db:"stopped_at"`
}

const sessionColumns = `id, status, container_id, parent_session_id, workspace_type,
	workspace_id, config, owner_user_id, total_cost_usd, total_turns,
	error_message, created_at, updated_at, stopped_at`

func (r *sessionRow) toModel() (*models.Session, error) {
	session := &models.Session{
		ID:            r.ID,
		Status:        models.Status(r.Status),
		WorkspaceType: models.WorkspaceType(r.WorkspaceType),
		OwnerUserID:   r.OwnerUserID,
		TotalCostUSD:  r.TotalCostUSD,
		TotalTurns:    r.TotalTurns,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ContainerID.Valid {
		session.ContainerID = &r.ContainerID.String
	}
	if r.ParentSessionID.Valid {
		session.ParentSessionID = &r.ParentSessionID.String
	}
	if r.WorkspaceID.Valid {
		session.WorkspaceID = &r.WorkspaceID.String
	}
	if r.ErrorMessage.Valid {
		session.ErrorMessage = &r.ErrorMessage.String
	}
	if r.StoppedAt.Valid {
		t := r.StoppedAt.Time
		session.StoppedAt = &t
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &session.Config); err != nil {
			return nil, fmt.Errorf("failed to decode session config: %w", err)
		}
	}
	return session, nil
}

// Create inserts a session row. ID, timestamps, and defaults are filled in
// when missing.
func (s *Store) Create(ctx context.Context, session *models.Session) error {
	prepareSession(session)

	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		session.ID, string(session.Status), session.ContainerID,
		session.ParentSessionID, string(session.WorkspaceType),
		session.WorkspaceID, string(configJSON), session.OwnerUserID,
		session.TotalCostUSD, session.TotalTurns, session.ErrorMessage,
		session.CreatedAt, session.UpdatedAt, session.StoppedAt)
	return err
}

// GetByID returns the session or a not-found error.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Session, error) {
	return getSession(ctx, s.pool.Reader(), id)
}

func getSession(ctx context.Context, q querier, id string) (*models.Session, error) {
	var row sessionRow
	query := q.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, err
	}
	return row.toModel()
}

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	Statuses []models.Status
	ParentID *string
	Limit    int
	Offset   int
}

// List returns sessions newest-first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	var where []string

	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, status := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+placeholders+")")
	}
	if filter.ParentID != nil {
		where = append(where, "parent_session_id = ?")
		args = append(args, *filter.ParentID)
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
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return s.querySessions(ctx, query, args...)
}

// Count returns the number of sessions matching the filter, ignoring
// its Limit and Offset.
func (s *Store) Count(ctx context.Context, filter ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM sessions`
	var args []interface{}
	var where []string

	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, status := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+placeholders+")")
	}
	if filter.ParentID != nil {
		where = append(where, "parent_session_id = ?")
		args = append(args, *filter.ParentID)
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

// ListLive returns all sessions that have not reached a terminal status.
func (s *Store) ListLive(ctx context.Context) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status NOT IN (?, ?) ORDER BY created_at ASC`
	return s.querySessions(ctx, query,
		string(models.StatusStopped), string(models.StatusFailed))
}

// ChildrenOf returns the direct children of a session, oldest first.
func (s *Store) ChildrenOf(ctx context.Context, id string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE parent_session_id = ? ORDER BY created_at ASC`
	return s.querySessions(ctx, query, id)
}

// ParentOf returns the parent session, or nil for a root session.
func (s *Store) ParentOf(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.ParentSessionID == nil {
		return nil, nil
	}
	return s.GetByID(ctx, *session.ParentSessionID)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]*models.Session, error) {
	r := s.pool.Reader()
	var rows []sessionRow
	if err := sqlx.SelectContext(ctx, r, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		session, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// UpdateStatus transitions a session. A terminal status stamps stopped_at;
// errorMessage, when non-nil, is recorded alongside.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status, errorMessage *string) error {
	now := time.Now().UTC()
	var stoppedAt *time.Time
	if status.Terminal() {
		stoppedAt = &now
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions
		SET status = ?,
			error_message = COALESCE(?, error_message),
			stopped_at = COALESCE(?, stopped_at),
			updated_at = ?
		WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, string(status), errorMessage, stoppedAt, now, id)
	if err != nil {
		return err
	}
	return requireRow(result, "session", id)
}

// UpdateContainer records the container backing a session.
func (s *Store) UpdateContainer(ctx context.Context, id, containerID string) error {
	w := s.pool.Writer()
	query := w.Rebind(`UPDATE sessions SET container_id = ?, updated_at = ? WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, containerID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result, "session", id)
}

// AddUsage accumulates turn cost and count onto a session.
func (s *Store) AddUsage(ctx context.Context, id string, costUSD float64, turns int) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions
		SET total_cost_usd = total_cost_usd + ?,
			total_turns = total_turns + ?,
			updated_at = ?
		WHERE id = ?`)
	result, err := w.ExecContext(ctx, query, costUSD, turns, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result, "session", id)
}

// Delete removes a session and, via cascade, its messages. Sessions with
// live children cannot be deleted; ended children are detached and survive.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var children int
	countQuery := tx.Rebind(`
		SELECT COUNT(*) FROM sessions
		WHERE parent_session_id = ? AND status NOT IN (?, ?)`)
	err = sqlx.GetContext(ctx, tx, &children, countQuery,
		id, string(models.StatusStopped), string(models.StatusFailed))
	if err != nil {
		return err
	}
	if children > 0 {
		return apperrors.Conflict(fmt.Sprintf("session '%s' has %d live child session(s)", id, children))
	}

	detach := tx.Rebind(`UPDATE sessions SET parent_session_id = NULL WHERE parent_session_id = ?`)
	if _, err := tx.ExecContext(ctx, detach, id); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if err := requireRow(result, "session", id); err != nil {
		return err
	}

	return tx.Commit()
}

// DepthOf returns how many ancestors a session has. Roots are depth 0.
func (s *Store) DepthOf(ctx context.Context, id string) (int, error) {
	return depthOf(ctx, s.pool.Reader(), id)
}

const depthQuery = `
	WITH RECURSIVE lineage(id, parent_session_id, depth) AS (
		SELECT id, parent_session_id, 0 FROM sessions WHERE id = ?
		UNION ALL
		SELECT s.id, s.parent_session_id, lineage.depth + 1
		FROM sessions s
		JOIN lineage ON s.id = lineage.parent_session_id
	)
	SELECT COALESCE(MAX(depth), 0) FROM lineage`

func depthOf(ctx context.Context, q querier, id string) (int, error) {
	var depth int
	if err := sqlx.GetContext(ctx, q, &depth, q.Rebind(depthQuery), id); err != nil {
		return 0, err
	}
	return depth, nil
}

// RootOf returns the id of the tree root containing the session.
func (s *Store) RootOf(ctx context.Context, id string) (string, error) {
	return rootOf(ctx, s.pool.Reader(), id)
}

const rootQuery = `
	WITH RECURSIVE lineage(id, parent_session_id) AS (
		SELECT id, parent_session_id FROM sessions WHERE id = ?
		UNION ALL
		SELECT s.id, s.parent_session_id
		FROM sessions s
		JOIN lineage ON s.id = lineage.parent_session_id
	)
	SELECT id FROM lineage WHERE parent_session_id IS NULL`

func rootOf(ctx context.Context, q querier, id string) (string, error) {
	var root string
	if err := sqlx.GetContext(ctx, q, &root, q.Rebind(rootQuery), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperrors.NotFound("session", id)
		}
		return "", err
	}
	return root, nil
}

// CountLiveInTree counts non-terminal sessions in the subtree rooted at id.
func (s *Store) CountLiveInTree(ctx context.Context, rootID string) (int, error) {
	return countLiveInTree(ctx, s.pool.Reader(), rootID)
}

const treeCountQuery = `
	WITH RECURSIVE tree(id) AS (
		SELECT id FROM sessions WHERE id = ?
		UNION ALL
		SELECT s.id FROM sessions s JOIN tree ON s.parent_session_id = tree.id
	)
	SELECT COUNT(*) FROM sessions
	WHERE id IN (SELECT id FROM tree) AND status NOT IN (?, ?)`

func countLiveInTree(ctx context.Context, q querier, rootID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, q.Rebind(treeCountQuery),
		rootID, string(models.StatusStopped), string(models.StatusFailed))
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CreateChildLocked validates spawn limits and inserts the child in one
// transaction on the writer connection, so racing spawns observe each
// other's rows and the limits hold under concurrency.
func (s *Store) CreateChildLocked(ctx context.Context, parentID string, child *models.Session, limits Limits) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	parent, err := getSession(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return apperrors.Conflict(fmt.Sprintf("session '%s' has ended and cannot spawn children", parentID))
	}

	parentDepth, err := depthOf(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parentDepth+1 > limits.MaxDepth {
		return apperrors.LimitExceeded(fmt.Sprintf("Maximum spawn depth (%d) exceeded", limits.MaxDepth))
	}

	var liveChildren int
	childQuery := tx.Rebind(`
		SELECT COUNT(*) FROM sessions
		WHERE parent_session_id = ? AND status NOT IN (?, ?)`)
	err = sqlx.GetContext(ctx, tx, &liveChildren, childQuery,
		parentID, string(models.StatusStopped), string(models.StatusFailed))
	if err != nil {
		return err
	}
	if liveChildren+1 > limits.MaxChildren {
		return apperrors.LimitExceeded(fmt.Sprintf("Maximum children per session (%d) exceeded", limits.MaxChildren))
	}

	root, err := rootOf(ctx, tx, parentID)
	if err != nil {
		return err
	}
	liveInTree, err := countLiveInTree(ctx, tx, root)
	if err != nil {
		return err
	}
	if liveInTree+1 > limits.MaxTotal {
		return apperrors.LimitExceeded(fmt.Sprintf("Maximum total instances (%d) exceeded", limits.MaxTotal))
	}

	child.ParentSessionID = &parentID
	prepareSession(child)
	configJSON, err := json.Marshal(child.Config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}

	insert := tx.Rebind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insert,
		child.ID, string(child.Status), child.ContainerID,
		child.ParentSessionID, string(child.WorkspaceType),
		child.WorkspaceID, string(configJSON), child.OwnerUserID,
		child.TotalCostUSD, child.TotalTurns, child.ErrorMessage,
		child.CreatedAt, child.UpdatedAt, child.StoppedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

type messageRow struct {
	ID           string        `db:"id"`
	SessionID    string        `db:"session_id"`
	Role         string        `db:"role"`
	Content      string        `db:"content"`
	InputTokens  int           `db:"input_tokens"`
	OutputTokens int           `db:"output_tokens"`
	CostUSD      float64       `db:"cost_usd"`
	DurationMS   sql.NullInt64 `db:"duration_ms"`
	CreatedAt    time.Time     `db:"created_at"`
}

func (r *messageRow) toModel() *models.Message {
	msg := &models.Message{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Role:         r.Role,
		Content:      r.Content,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostUSD:      r.CostUSD,
		CreatedAt:    r.CreatedAt,
	}
	if r.DurationMS.Valid {
		v := r.DurationMS.Int64
		msg.DurationMS = &v
	}
	return msg
}

// CreateMessage appends a chat message to a session's history.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO session_messages
			(id, session_id, role, content, input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.Role, msg.Content,
		msg.InputTokens, msg.OutputTokens, msg.CostUSD,
		msg.DurationMS, msg.CreatedAt)
	return err
}

// ListMessages returns a session's messages oldest-first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	r := s.pool.Reader()
	query := r.Rebind(`
		SELECT id, session_id, role, content, input_tokens, output_tokens,
			cost_usd, duration_ms, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
		LIMIT ?`)
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, r, &rows, query, sessionID, limit); err != nil {
		return nil, err
	}

	messages := make([]*models.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toModel())
	}
	return messages, nil
}

// GetMessage returns one message scoped to its session.
func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	r := s.pool.Reader()
	query := r.Rebind(`
		SELECT id, session_id, role, content, input_tokens, output_tokens,
			cost_usd, duration_ms, created_at
		FROM session_messages
		WHERE session_id = ? AND id = ?`)
	var row messageRow
	if err := sqlx.GetContext(ctx, r, &row, query, sessionID, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message", messageID)
		}
		return nil, err
	}
	return row.toModel(), nil
}

// AssistantReplyAfter returns the first assistant message recorded at or
// after the given time, or nil when the reply has not landed yet.
func (s *Store) AssistantReplyAfter(ctx context.Context, sessionID string, after time.Time) (*models.Message, error) {
	r := s.pool.Reader()
	query := r.Rebind(`
		SELECT id, session_id, role, content, input_tokens, output_tokens,
			cost_usd, duration_ms, created_at
		FROM session_messages
		WHERE session_id = ? AND role = ? AND created_at >= ?
		ORDER BY created_at ASC
		LIMIT 1`)
	var row messageRow
	if err := sqlx.GetContext(ctx, r, &row, query, sessionID, models.RoleAssistant, after); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toModel(), nil
}

// DeleteMessages removes all messages for a session.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM session_messages WHERE session_id = ?`), sessionID)
	return err
}

func prepareSession(session *models.Session) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.StatusStarting
	}
	if session.WorkspaceType == "" {
		session.WorkspaceType = models.WorkspaceEphemeral
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
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
