package eventstream

// Scheduling lifecycle event types.
const (
	TypeTaskStarted   = "task.started"
	TypeTaskSucceeded = "task.succeeded"
	TypeTaskFailed    = "task.failed"
	TypeTaskAcked     = "task.acked"

	TypeMissionStarted    = "mission.started"
	TypeMissionCompleted  = "mission.completed"
	TypeMissionDeadlocked = "mission.deadlocked"
	TypeMissionAborted    = "mission.aborted"
)

// TaskLifecyclePayload is the schema for task.* events. MissionID, TaskID and
// Attempt together form the completion dedup key.
type TaskLifecyclePayload struct {
	MissionID string `json:"mission_id"`
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt"`
	TaskKey   string `json:"task_key,omitempty"`
	Error     string `json:"error,omitempty"`
	Worker    string `json:"worker,omitempty"`
}

// MissionStatusPayload is the schema for mission.* events.
type MissionStatusPayload struct {
	MissionID string   `json:"mission_id"`
	Status    string   `json:"status"`
	TaskCount int      `json:"task_count,omitempty"`
	Blocked   []string `json:"blocked,omitempty"` // pending task ids on deadlock
}
