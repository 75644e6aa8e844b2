// Package dto defines the request and response shapes of the session API.
package dto

import (
	"time"

	"github.com/agentdock/agentdock/internal/session/models"
)

// WorkspaceSpec selects the workspace backing a new session.
type WorkspaceSpec struct {
	// Type is "ephemeral" (default) or "persistent".
	Type string `json:"type,omitempty"`
	// ID names the persistent workspace. Ignored for ephemeral.
	ID string `json:"id,omitempty"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Workspace *WorkspaceSpec         `json:"workspace,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// SessionResponse is returned from session creation.
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	ContainerID  string    `json:"container_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	WebSocketURL string    `json:"websocket_url"`
}

// SessionDetail is the full session view.
type SessionDetail struct {
	SessionID       string     `json:"session_id"`
	Status          string     `json:"status"`
	ContainerID     *string    `json:"container_id,omitempty"`
	ParentSessionID *string    `json:"parent_session_id,omitempty"`
	ChildSessionIDs []string   `json:"child_session_ids"`
	WorkspaceType   string     `json:"workspace_type"`
	WorkspaceID     *string    `json:"workspace_id,omitempty"`
	OwnerUserID     string     `json:"owner_user_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivity    time.Time  `json:"last_activity"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	TotalCostUSD    float64    `json:"total_cost_usd"`
	TotalTurns      int        `json:"total_turns"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}

// SessionListResponse is the paginated list view.
type SessionListResponse struct {
	Sessions []*SessionDetail `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// SpawnRequest is the body of POST /api/v1/sessions/{id}/spawn.
type SpawnRequest struct {
	Prompt string `json:"prompt,omitempty"`
	// WorkspaceMode is "inherit" (default), "clone", or "ephemeral".
	WorkspaceMode string                 `json:"workspace_mode,omitempty"`
	Config        map[string]interface{} `json:"config,omitempty"`
}

// SpawnResponse is returned from a spawn.
type SpawnResponse struct {
	ChildSessionID  string `json:"child_session_id"`
	Status          string `json:"status"`
	ParentSessionID string `json:"parent_session_id"`
}

// ChatRequest is the body of POST /api/v1/sessions/{id}/chat.
type ChatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	// Stream defaults to true: return a message id and deliver output over
	// the websocket. When false the request blocks until the result.
	Stream         *bool `json:"stream,omitempty"`
	TimeoutSeconds int   `json:"timeout_seconds,omitempty"`
}

// Streaming reports the effective stream flag.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// Message lifecycle statuses reported by the chat API.
const (
	MessageProcessing = "processing"
	MessageCompleted  = "completed"
)

// ChatAccepted acknowledges a streaming chat request.
type ChatAccepted struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// UsageInfo carries token counts for one turn.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResult is the terminal payload of a blocking chat request.
type ChatResult struct {
	MessageID    string    `json:"message_id"`
	Type         string    `json:"type"`
	Subtype      string    `json:"subtype"`
	Result       string    `json:"result,omitempty"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	Usage        UsageInfo `json:"usage"`
}

// MessageDetail is the polled view of a message.
type MessageDetail struct {
	MessageID string      `json:"message_id"`
	Status    string      `json:"status"`
	Result    *ChatResult `json:"result,omitempty"`
}

// InterruptRequest is the body of POST /api/v1/sessions/{id}/interrupt.
type InterruptRequest struct {
	Type     string `json:"type" binding:"required"`
	Message  string `json:"message,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// ChildrenResponse lists a session's direct children.
type ChildrenResponse struct {
	ParentSessionID string          `json:"parent_session_id"`
	Children        []*ChildSummary `json:"children"`
}

// ChildSummary is the compact child view in ChildrenResponse.
type ChildSummary struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DetailFromModel converts a session row plus its child ids.
func DetailFromModel(session *models.Session, childIDs []string) *SessionDetail {
	if childIDs == nil {
		childIDs = []string{}
	}
	return &SessionDetail{
		SessionID:       session.ID,
		Status:          string(session.Status),
		ContainerID:     session.ContainerID,
		ParentSessionID: session.ParentSessionID,
		ChildSessionIDs: childIDs,
		WorkspaceType:   string(session.WorkspaceType),
		WorkspaceID:     session.WorkspaceID,
		OwnerUserID:     session.OwnerUserID,
		CreatedAt:       session.CreatedAt,
		LastActivity:    session.UpdatedAt,
		StoppedAt:       session.StoppedAt,
		TotalCostUSD:    session.TotalCostUSD,
		TotalTurns:      session.TotalTurns,
		ErrorMessage:    session.ErrorMessage,
	}
}

// ChildSummaryFromModel converts a child session row.
func ChildSummaryFromModel(child *models.Session) *ChildSummary {
	return &ChildSummary{
		SessionID: child.ID,
		Status:    string(child.Status),
		CreatedAt: child.CreatedAt,
	}
}
