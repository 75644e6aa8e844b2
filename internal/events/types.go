// Package events provides event types and utilities for the AgentDock event system.
package events

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionFailed        = "session.failed"
	SessionStopped       = "session.stopped"
	SessionDeleted       = "session.deleted"
)

// Event types for child instances
const (
	ChildSpawned  = "session.child.spawned"
	ChildFinished = "session.child.finished"
)

// Event types for tasks
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
	TaskDeleted = "task.deleted"
)

// Event types for task runs
const (
	TaskRunStarted  = "task.run.started"
	TaskRunFinished = "task.run.finished"
)

// Event types for schedules
const (
	ScheduleChanged = "schedule.changed"
	ScheduleMisfire = "schedule.misfire"
)

// Event types for user interactions
const (
	InteractionAsked    = "interaction.asked"
	InteractionAnswered = "interaction.answered"
	InteractionTimedOut = "interaction.timed_out"
)

// BuildSessionStatusSubject creates a status subject for a specific session
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatusChanged + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all session status events
func BuildSessionStatusWildcardSubject() string {
	return SessionStatusChanged + ".*"
}

// BuildChildFinishedSubject creates a child-finished subject scoped to the parent session
func BuildChildFinishedSubject(parentSessionID string) string {
	return ChildFinished + "." + parentSessionID
}

// BuildChildFinishedWildcardSubject creates a wildcard subscription for all child-finished events
func BuildChildFinishedWildcardSubject() string {
	return ChildFinished + ".*"
}

// BuildTaskRunSubject creates a task-run subject for a specific task
func BuildTaskRunSubject(taskID string) string {
	return TaskRunFinished + "." + taskID
}

// BuildTaskRunWildcardSubject creates a wildcard subscription for all task-run events
func BuildTaskRunWildcardSubject() string {
	return TaskRunFinished + ".*"
}
