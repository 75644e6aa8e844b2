package container

// Status is the normalized lifecycle status of a worker container.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// mapDockerState normalizes a Docker daemon state string. Paused and
// restarting containers still count as running: the session they back is
// alive, just momentarily not schedulable.
func mapDockerState(state string) Status {
	switch state {
	case "created":
		return StatusCreating
	case "running", "paused", "restarting":
		return StatusRunning
	case "exited", "removing":
		return StatusStopped
	default:
		return StatusFailed
	}
}
