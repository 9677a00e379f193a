// Package graph compiles a mission plan into an executable task graph and
// tracks dependency bookkeeping as completion events are applied.
package graph

import (
	"sort"
	"strings"

	"github.com/scouthq/missioncore/internal/domain/mission"
	"github.com/scouthq/missioncore/internal/domain/task"
)

type edge struct{ from, to string }

// Compile turns a validated plan into a task graph. It is pure and
// deterministic: the same plan always yields the same task ids, edge sets and
// initial frontier. A structurally broken plan returns a
// *mission.ValidationError; a dependency cycle returns a *mission.CycleError.
// Compilation fails closed: no graph is ever returned alongside an error.
func Compile(p *mission.Plan) (*TaskGraph, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tasks := make(map[string]task.Definition)
	edges := make(map[edge]struct{})
	addEdge := func(from, to string) {
		if from != to {
			edges[edge{from, to}] = struct{}{}
		}
	}

	// One instance-run task per agent instance, in plan order.
	for _, inst := range p.Instances {
		id := task.InstanceRunID(p.MissionID, inst.ID)
		meta := map[string]string{
			"mission_id":  p.MissionID,
			"stage_id":    inst.StageID,
			"substage_id": inst.SubStageID,
			"instance_id": inst.ID,
		}
		var optional []string
		for _, out := range inst.Outputs {
			if !out.Required {
				optional = append(optional, out.FromInstanceID)
			}
		}
		if len(optional) > 0 {
			sort.Strings(optional)
			meta["optional_inputs"] = strings.Join(optional, ",")
		}
		tasks[id] = task.Definition{
			ID:       id,
			Type:     task.TypeInstanceRun,
			Key:      "run " + inst.StageID + "/" + inst.SubStageID + "/" + inst.ID,
			Inputs:   inst.Inputs,
			Metadata: meta,
		}
	}

	// One reduce task per substage, plus fan-in edges from its instances.
	for _, st := range p.Stages {
		for _, ss := range st.SubStages {
			rid := task.SubStageReduceID(p.MissionID, st.ID, ss.ID)
			tasks[rid] = task.Definition{
				ID:   rid,
				Type: task.TypeSubStageReduce,
				Key:  "reduce " + st.ID + "/" + ss.ID,
				Metadata: map[string]string{
					"mission_id":  p.MissionID,
					"stage_id":    st.ID,
					"substage_id": ss.ID,
				},
			}
			for _, instID := range ss.InstanceIDs {
				addEdge(task.InstanceRunID(p.MissionID, instID), rid)
			}
		}
	}

	// Substage dependency edges: A's reduce gates every instance-run in B and
	// B's own reduce. Coarse gating at the substage boundary is intentional.
	for _, st := range p.Stages {
		for _, ss := range st.SubStages {
			for _, depID := range ss.DependsOn {
				from := task.SubStageReduceID(p.MissionID, st.ID, depID)
				for _, instID := range ss.InstanceIDs {
					addEdge(from, task.InstanceRunID(p.MissionID, instID))
				}
				addEdge(from, task.SubStageReduceID(p.MissionID, st.ID, ss.ID))
			}
		}
	}

	// Stage dependency edges: every reduce in X gates every instance-run and
	// reduce in Y, with the same conservative fan-out rule.
	for _, st := range p.Stages {
		for _, depStageID := range st.DependsOn {
			dep := p.Stage(depStageID)
			for _, depSS := range dep.SubStages {
				from := task.SubStageReduceID(p.MissionID, dep.ID, depSS.ID)
				for _, ss := range st.SubStages {
					for _, instID := range ss.InstanceIDs {
						addEdge(from, task.InstanceRunID(p.MissionID, instID))
					}
					addEdge(from, task.SubStageReduceID(p.MissionID, st.ID, ss.ID))
				}
			}
		}
	}

	// Explicit instance-output edges (required only).
	for _, inst := range p.Instances {
		for _, out := range inst.Outputs {
			if out.Required {
				addEdge(task.InstanceRunID(p.MissionID, out.FromInstanceID),
					task.InstanceRunID(p.MissionID, inst.ID))
			}
		}
	}

	g := &TaskGraph{
		MissionID:     p.MissionID,
		Tasks:         tasks,
		DepsRemaining: make(map[string]int, len(tasks)),
		Dependents:    make(map[string][]string, len(tasks)),
		Parents:       make(map[string][]string, len(tasks)),
		Status:        make(map[string]task.Status, len(tasks)),
		Applied:       make(map[string]bool),
	}
	for id := range tasks {
		g.DepsRemaining[id] = 0
		g.Status[id] = task.StatusPending
	}
	for e := range edges {
		g.Dependents[e.from] = append(g.Dependents[e.from], e.to)
		g.Parents[e.to] = append(g.Parents[e.to], e.from)
		g.DepsRemaining[e.to]++
	}
	for id := range g.Dependents {
		sort.Strings(g.Dependents[id])
	}
	for id := range g.Parents {
		sort.Strings(g.Parents[id])
	}

	if err := checkAcyclic(g); err != nil {
		return nil, err
	}

	for id, n := range g.DepsRemaining {
		if n == 0 {
			g.InitialReady = append(g.InitialReady, id)
			g.Status[id] = task.StatusReady
		}
	}
	sort.Strings(g.InitialReady)

	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the compiled edges. Any task left
// unvisited sits on a cycle and is named in the returned error.
func checkAcyclic(g *TaskGraph) error {
	indeg := make(map[string]int, len(g.Tasks))
	queue := make([]string, 0, len(g.Tasks))
	for id, n := range g.DepsRemaining {
		indeg[id] = n
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range g.Dependents[id] {
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited == len(g.Tasks) {
		return nil
	}

	// The unvisited set holds the cycle plus everything downstream of it.
	// Peel nodes with no dependents left in the set so the error names only
	// the cycle participants.
	remaining := make(map[string]bool)
	for id, n := range indeg {
		if n > 0 {
			remaining[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			hasOut := false
			for _, child := range g.Dependents[id] {
				if remaining[child] {
					hasOut = true
					break
				}
			}
			if !hasOut {
				delete(remaining, id)
				changed = true
			}
		}
	}

	cyclic := make([]string, 0, len(remaining))
	for id := range remaining {
		cyclic = append(cyclic, id)
	}
	sort.Strings(cyclic)
	return &mission.CycleError{TaskIDs: cyclic}
}
