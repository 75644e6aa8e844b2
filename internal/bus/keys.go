package bus

import "fmt"

// ActiveSessionsKey is the set of session ids with live workers.
const ActiveSessionsKey = "active_sessions"

// StateKey is the hash holding a session's live status and heartbeat.
// The wrapper refreshes its 60s TTL with every heartbeat.
func StateKey(sessionID string) string {
	return fmt.Sprintf("session:%s:state", sessionID)
}

// InputKey is the FIFO prompt queue consumed by the wrapper.
func InputKey(sessionID string) string {
	return fmt.Sprintf("session:%s:input", sessionID)
}

// OutputTopic is the pub/sub topic carrying output envelopes.
func OutputTopic(sessionID string) string {
	return fmt.Sprintf("session:%s:output", sessionID)
}

// OutputBufferKey is the capped replay list of recent output envelopes.
func OutputBufferKey(sessionID string) string {
	return fmt.Sprintf("session:%s:output_buffer", sessionID)
}

// ResultKey holds the last terminal result for late retrieval.
func ResultKey(sessionID string) string {
	return fmt.Sprintf("session:%s:result", sessionID)
}

// InterruptTopic is the pub/sub topic for interrupt delivery.
func InterruptTopic(sessionID string) string {
	return fmt.Sprintf("session:%s:interrupt", sessionID)
}

// InterruptQueueKey is the backup interrupt queue drained at wrapper startup.
func InterruptQueueKey(sessionID string) string {
	return fmt.Sprintf("session:%s:interrupt_queue", sessionID)
}

// ChildrenTopic is the pub/sub topic where child results are surfaced
// to a parent session.
func ChildrenTopic(sessionID string) string {
	return fmt.Sprintf("session:%s:children", sessionID)
}

// DiscordResponseKey holds a user's answer to a pending interaction.
func DiscordResponseKey(sessionID, interactionID string) string {
	return fmt.Sprintf("session:%s:discord:response:%s", sessionID, interactionID)
}

// SessionKeyPattern matches every live key belonging to a session.
func SessionKeyPattern(sessionID string) string {
	return fmt.Sprintf("session:%s:*", sessionID)
}
