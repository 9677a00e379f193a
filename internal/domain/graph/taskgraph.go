package graph

import (
	"encoding/json"
	"sort"

	"github.com/scouthq/missioncore/internal/domain/task"
)

// TaskGraph is the runtime dependency structure for one mission. All fields
// are exported so the coordinator can snapshot and restore it through the
// repository port. The graph is owned exclusively by its mission's
// coordinator; it is not safe for concurrent mutation.
type TaskGraph struct {
	MissionID     string                     `json:"mission_id"`
	Tasks         map[string]task.Definition `json:"tasks"`
	DepsRemaining map[string]int             `json:"deps_remaining"`
	Dependents    map[string][]string        `json:"dependents"`
	Parents       map[string][]string        `json:"parents"`
	InitialReady  []string                   `json:"initial_ready"`
	Status        map[string]task.Status     `json:"status"`
	// Applied marks parents whose success has already been propagated to
	// dependents. It converts at-least-once event delivery into exactly-once
	// counter decrements.
	Applied map[string]bool `json:"applied"`
}

// ApplySucceeded records a success for taskID and decrements each dependent's
// remaining-dependency counter exactly once, no matter how often the event is
// redelivered. It returns the dependents that became ready (sorted) and
// whether the event was applied (false for unknown tasks, duplicates, and
// tasks already canceled).
func (g *TaskGraph) ApplySucceeded(taskID string) (newlyReady []string, applied bool) {
	st, ok := g.Status[taskID]
	if !ok || g.Applied[taskID] || st == task.StatusCanceled {
		return nil, false
	}

	// A lost task.started event leaves the task in Enqueued; pass through
	// Running so the machine never skips a state.
	if st == task.StatusEnqueued {
		g.Status[taskID] = task.StatusRunning
	}
	g.Applied[taskID] = true
	g.Status[taskID] = task.StatusSucceeded

	for _, child := range g.Dependents[taskID] {
		g.DepsRemaining[child]--
		if g.DepsRemaining[child] == 0 && g.Status[child] == task.StatusPending {
			g.Status[child] = task.StatusReady
			newlyReady = append(newlyReady, child)
		}
	}
	sort.Strings(newlyReady)
	return newlyReady, true
}

// MarkEnqueued transitions a ready task to enqueued.
func (g *TaskGraph) MarkEnqueued(taskID string) {
	if g.Status[taskID] == task.StatusReady {
		g.Status[taskID] = task.StatusEnqueued
	}
}

// MarkRunning transitions an enqueued task to running.
func (g *TaskGraph) MarkRunning(taskID string) {
	if g.Status[taskID] == task.StatusEnqueued {
		g.Status[taskID] = task.StatusRunning
	}
}

// MarkFailed records a terminal failure. Canceled and already-succeeded
// tasks are left untouched.
func (g *TaskGraph) MarkFailed(taskID string) {
	st, ok := g.Status[taskID]
	if !ok || st.IsTerminal() {
		return
	}
	if st == task.StatusEnqueued {
		g.Status[taskID] = task.StatusRunning
	}
	g.Status[taskID] = task.StatusFailed
}

// MarkReadyForRetry re-opens a failed task for another attempt.
func (g *TaskGraph) MarkReadyForRetry(taskID string) bool {
	if g.Status[taskID] != task.StatusFailed {
		return false
	}
	g.Status[taskID] = task.StatusReady
	return true
}

// CancelNonTerminal cancels every task that has not reached a terminal state
// and returns their ids, sorted.
func (g *TaskGraph) CancelNonTerminal() []string {
	var canceled []string
	for id, st := range g.Status {
		if !st.IsTerminal() {
			g.Status[id] = task.StatusCanceled
			canceled = append(canceled, id)
		}
	}
	sort.Strings(canceled)
	return canceled
}

// AllTerminal returns true when every task is in a terminal state.
func (g *TaskGraph) AllTerminal() bool {
	for _, st := range g.Status {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// Blocked returns the pending task ids when no task is ready, enqueued or
// running — the deadlock surface. It returns nil while progress is still
// possible.
func (g *TaskGraph) Blocked() []string {
	var pending []string
	for id, st := range g.Status {
		switch st {
		case task.StatusReady, task.StatusEnqueued, task.StatusRunning:
			return nil
		case task.StatusPending:
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	return pending
}

// Snapshot serializes the graph for the repository port.
func (g *TaskGraph) Snapshot() ([]byte, error) {
	return json.Marshal(g)
}

// Restore deserializes a snapshot produced by Snapshot.
func Restore(data []byte) (*TaskGraph, error) {
	var g TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
