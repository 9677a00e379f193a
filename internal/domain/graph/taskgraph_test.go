package graph_test

import (
	"reflect"
	"testing"

	"github.com/scouthq/missioncore/internal/domain/graph"
	"github.com/scouthq/missioncore/internal/domain/task"
)

func compiled(t *testing.T) *graph.TaskGraph {
	t.Helper()
	g, err := graph.Compile(twoStagePlan())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return g
}

func TestApplySucceeded_Idempotent(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")
	red1 := task.SubStageReduceID("m1", "s1", "ss1")

	before := g.DepsRemaining[red1]
	if _, applied := g.ApplySucceeded(run1); !applied {
		t.Fatalf("first application must be applied")
	}
	if g.DepsRemaining[red1] != before-1 {
		t.Fatalf("expected one decrement, got %d -> %d", before, g.DepsRemaining[red1])
	}

	// Redelivered event: no second decrement.
	if _, applied := g.ApplySucceeded(run1); applied {
		t.Fatalf("duplicate application must be rejected")
	}
	if g.DepsRemaining[red1] != before-1 {
		t.Fatalf("duplicate decremented counter to %d", g.DepsRemaining[red1])
	}
}

func TestApplySucceeded_UnknownTask(t *testing.T) {
	g := compiled(t)
	if _, applied := g.ApplySucceeded("m1:instance_run:ghost"); applied {
		t.Fatalf("unknown task must not be applied")
	}
}

func TestApplySucceeded_CanceledTask(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")
	g.Status[run1] = task.StatusCanceled
	if _, applied := g.ApplySucceeded(run1); applied {
		t.Fatalf("late event for canceled task must not mutate the graph")
	}
}

func TestDrain_ReachesAllTerminal(t *testing.T) {
	g := compiled(t)

	frontier := append([]string(nil), g.InitialReady...)
	steps := 0
	for len(frontier) > 0 {
		if steps++; steps > len(g.Tasks)+1 {
			t.Fatalf("drain did not converge")
		}
		id := frontier[0]
		frontier = frontier[1:]
		unlocked, applied := g.ApplySucceeded(id)
		if !applied {
			t.Fatalf("expected %s to apply", id)
		}
		frontier = append(frontier, unlocked...)
	}

	if !g.AllTerminal() {
		t.Fatalf("expected all tasks terminal after drain")
	}
	for id, st := range g.Status {
		if st != task.StatusSucceeded {
			t.Fatalf("expected %s succeeded, got %s", id, st)
		}
	}
	if blocked := g.Blocked(); blocked != nil {
		t.Fatalf("expected no blocked tasks, got %v", blocked)
	}
}

func TestBlocked_SurfacesPendingTasks(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")
	run2 := task.InstanceRunID("m1", "i2")

	// While the frontier is still open, nothing is blocked.
	if blocked := g.Blocked(); blocked != nil {
		t.Fatalf("expected nil while frontier ready, got %v", blocked)
	}

	// Both frontier tasks fail terminally: the rest of the graph is stuck.
	g.MarkFailed(run1)
	g.MarkFailed(run2)

	blocked := g.Blocked()
	want := []string{
		task.InstanceRunID("m1", "i3"),
		task.SubStageReduceID("m1", "s1", "ss1"),
		task.SubStageReduceID("m1", "s2", "ss2"),
	}
	if !reflect.DeepEqual(blocked, want) {
		t.Fatalf("expected blocked %v, got %v", want, blocked)
	}
	if g.AllTerminal() {
		t.Fatalf("pending tasks must not count as terminal")
	}
}

func TestMarkReadyForRetry(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")

	g.MarkEnqueued(run1)
	g.MarkRunning(run1)
	g.MarkFailed(run1)
	if !g.MarkReadyForRetry(run1) {
		t.Fatalf("expected failed task to reopen")
	}
	if g.Status[run1] != task.StatusReady {
		t.Fatalf("expected ready after retry, got %s", g.Status[run1])
	}

	// Only failed tasks reopen.
	if g.MarkReadyForRetry(run1) {
		t.Fatalf("ready task must not reopen again")
	}
}

func TestStatusTransitions_NoSkips(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")

	// Running without Enqueued is a no-op.
	g.MarkRunning(run1)
	if g.Status[run1] != task.StatusReady {
		t.Fatalf("expected ready, got %s", g.Status[run1])
	}

	g.MarkEnqueued(run1)
	if g.Status[run1] != task.StatusEnqueued {
		t.Fatalf("expected enqueued, got %s", g.Status[run1])
	}
	g.MarkRunning(run1)
	if g.Status[run1] != task.StatusRunning {
		t.Fatalf("expected running, got %s", g.Status[run1])
	}
}

func TestCancelNonTerminal(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")
	if _, applied := g.ApplySucceeded(run1); !applied {
		t.Fatalf("expected success to apply")
	}

	canceled := g.CancelNonTerminal()
	if len(canceled) != len(g.Tasks)-1 {
		t.Fatalf("expected %d canceled, got %v", len(g.Tasks)-1, canceled)
	}
	if g.Status[run1] != task.StatusSucceeded {
		t.Fatalf("succeeded task must keep its terminal state")
	}
	if !g.AllTerminal() {
		t.Fatalf("expected all terminal after cancel")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	g := compiled(t)
	run1 := task.InstanceRunID("m1", "i1")
	g.ApplySucceeded(run1)

	data, err := g.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := graph.Restore(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !reflect.DeepEqual(restored.DepsRemaining, g.DepsRemaining) {
		t.Fatalf("deps remaining diverged after restore")
	}
	if !reflect.DeepEqual(restored.Status, g.Status) {
		t.Fatalf("status diverged after restore")
	}
	if !restored.Applied[run1] {
		t.Fatalf("applied markers must survive restore")
	}

	// Dedup still holds on the restored graph.
	if _, applied := restored.ApplySucceeded(run1); applied {
		t.Fatalf("duplicate applied after restore")
	}
}
