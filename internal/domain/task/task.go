// Package task defines the schedulable unit produced by the DAG compiler:
// immutable task definitions with deterministic ids, and the per-task runtime
// status machine.
package task

// Type identifies the kind of task.
type Type string

const (
	TypeInstanceRun    Type = "instance_run"
	TypeSubStageReduce Type = "substage_reduce"
	// Reserved for coarser reduce levels; the compiler does not emit them yet
	// but the wire format and status machine accept them.
	TypeStageReduce   Type = "stage_reduce"
	TypeMissionReduce Type = "mission_reduce"
)

// Definition describes one schedulable unit. Definitions are immutable once
// created; Inputs and Metadata are opaque to the scheduling core and passed
// through to the worker unchanged.
type Definition struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Key      string            `json:"key"` // human-readable debug string, not identity
	Inputs   map[string]any    `json:"inputs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InstanceRunID returns the deterministic task id for an instance-run task.
// Rebuilding the graph for the same plan always yields the same ids, which
// makes re-compilation idempotent.
func InstanceRunID(missionID, instanceID string) string {
	return missionID + ":" + string(TypeInstanceRun) + ":" + instanceID
}

// SubStageReduceID returns the deterministic task id for a substage reduce task.
func SubStageReduceID(missionID, stageID, subStageID string) string {
	return missionID + ":" + string(TypeSubStageReduce) + ":" + stageID + "." + subStageID
}
