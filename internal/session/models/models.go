// Package models defines the session domain types shared by the gateway
// services and the in-container wrapper.
package models

import "time"

// Status is the lifecycle status of a session. The same strings appear in
// the sessions table and in the live state hash on the bus.
type Status string

const (
	// StatusStarting means the container is being created or has not yet
	// reported its first heartbeat.
	StatusStarting Status = "starting"
	// StatusIdle means the worker is waiting on the input queue.
	StatusIdle Status = "idle"
	// StatusRunning means the worker is executing an agent turn.
	StatusRunning Status = "running"
	// StatusStopped means the session ended cleanly.
	StatusStopped Status = "stopped"
	// StatusFailed means the session ended with an error.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// AcceptsInput reports whether a session in this status can take a prompt.
// Running sessions accept input: the prompt queues behind the current turn.
func (s Status) AcceptsInput() bool {
	return s == StatusIdle || s == StatusRunning
}

// WorkspaceType selects how a session's workspace directory is provisioned.
type WorkspaceType string

const (
	// WorkspaceEphemeral is a fresh directory named by the session id,
	// removed with the session.
	WorkspaceEphemeral WorkspaceType = "ephemeral"
	// WorkspacePersistent is a named directory that outlives sessions.
	WorkspacePersistent WorkspaceType = "persistent"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a durable record of one agent worker.
type Session struct {
	ID              string                 `json:"id"`
	Status          Status                 `json:"status"`
	ContainerID     *string                `json:"container_id,omitempty"`
	ParentSessionID *string                `json:"parent_session_id,omitempty"`
	WorkspaceType   WorkspaceType          `json:"workspace_type"`
	WorkspaceID     *string                `json:"workspace_id,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	OwnerUserID     string                 `json:"owner_user_id"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	StoppedAt       *time.Time             `json:"stopped_at,omitempty"`
	TotalCostUSD    float64                `json:"total_cost_usd"`
	TotalTurns      int                    `json:"total_turns"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
}

// Message is one chat exchange half within a session.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
