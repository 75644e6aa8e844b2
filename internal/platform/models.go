// Package platform bridges sessions to external messaging platforms: it
// relays agent questions to a Discord bot sidecar, records every exchange
// as an interaction, and pushes run/session alerts to a push API.
package platform

import "time"

// InteractionType discriminates what was sent to the platform.
type InteractionType string

const (
	// TypeQuestion is an agent question awaiting a human reply.
	TypeQuestion InteractionType = "question"
	// TypeNotification is a one-way message, nothing comes back.
	TypeNotification InteractionType = "notification"
)

// InteractionStatus is the lifecycle state of an interaction.
type InteractionStatus string

const (
	// StatusPending means the message is posted (or being posted) and,
	// for questions, a reply is still awaited.
	StatusPending InteractionStatus = "pending"
	// StatusAnswered means a human replied within the window.
	StatusAnswered InteractionStatus = "answered"
	// StatusTimeout means every delivery attempt expired unanswered.
	StatusTimeout InteractionStatus = "timeout"
	// StatusCompleted means a notification was delivered.
	StatusCompleted InteractionStatus = "completed"
	// StatusFailed means the platform rejected the message.
	StatusFailed InteractionStatus = "failed"
)

// Terminal reports whether no further transitions happen.
func (s InteractionStatus) Terminal() bool {
	switch s {
	case StatusAnswered, StatusTimeout, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Interaction is one message relayed between a session and the platform.
// For questions it also tracks the delivery attempts and, once a human
// answers, the reply.
type Interaction struct {
	ID             string            `json:"interaction_id"`
	SessionID      string            `json:"session_id"`
	Type           InteractionType   `json:"type"`
	Status         InteractionStatus `json:"status"`
	Message        string            `json:"message"`
	Response       *string           `json:"response,omitempty"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Priority       string            `json:"priority"`
	ThreadID       *string           `json:"thread_id,omitempty"`
	MessageID      *string           `json:"message_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AnsweredAt     *time.Time        `json:"answered_at,omitempty"`
}
