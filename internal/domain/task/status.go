package task

// Status is the per-task runtime state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status transition.
// No transition skips a state, with one exception: Failed -> Ready on an
// explicit retry. Any non-terminal state may be canceled on mission abort.
func CanTransition(from, to Status) bool {
	if to == StatusCanceled {
		return !from.IsTerminal()
	}
	switch from {
	case StatusPending:
		return to == StatusReady
	case StatusReady:
		return to == StatusEnqueued
	case StatusEnqueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	case StatusFailed:
		return to == StatusReady // explicit retry
	}
	return false
}
