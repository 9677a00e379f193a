package mission

import "fmt"

// Validate checks the plan for structural correctness: non-empty ids, unique
// declarations, substage instance lists matching the flat instance list
// exactly once, and every dependency referencing a declared id. Cycle
// detection across materialized edges happens in the graph compiler; direct
// self-references are rejected here because they can never be satisfied.
func (p *Plan) Validate() error {
	if p.MissionID == "" {
		return &ValidationError{Detail: "mission_id is required"}
	}
	if len(p.Stages) == 0 {
		return &ValidationError{Detail: "at least one stage is required"}
	}

	stageIDs := make(map[string]bool, len(p.Stages))
	subStageIDs := make(map[string]bool) // keyed stageID/subStageID
	instanceOwner := make(map[string]string)

	for _, st := range p.Stages {
		if st.ID == "" {
			return &ValidationError{Detail: "stage id is required"}
		}
		if stageIDs[st.ID] {
			return &ValidationError{MissingID: st.ID, Detail: "duplicate stage id"}
		}
		stageIDs[st.ID] = true

		if len(st.SubStages) == 0 {
			return &ValidationError{MissingID: st.ID, Detail: "stage has no substages"}
		}
		for _, ss := range st.SubStages {
			if ss.ID == "" {
				return &ValidationError{MissingID: st.ID, Detail: "substage id is required"}
			}
			key := st.ID + "/" + ss.ID
			if subStageIDs[key] {
				return &ValidationError{MissingID: ss.ID, Detail: "duplicate substage id in stage " + st.ID}
			}
			subStageIDs[key] = true

			for _, instID := range ss.InstanceIDs {
				if owner, dup := instanceOwner[instID]; dup {
					return &ValidationError{MissingID: instID, Detail: "instance claimed by both " + owner + " and " + key}
				}
				instanceOwner[instID] = key
			}
		}
	}

	// Every instance referenced by a substage must exist exactly once in the
	// flat instance list, and vice versa.
	declared := make(map[string]bool, len(p.Instances))
	for _, inst := range p.Instances {
		if inst.ID == "" {
			return &ValidationError{Detail: "instance id is required"}
		}
		if declared[inst.ID] {
			return &ValidationError{MissingID: inst.ID, Detail: "duplicate instance id"}
		}
		declared[inst.ID] = true

		owner, ok := instanceOwner[inst.ID]
		if !ok {
			return &ValidationError{MissingID: inst.ID, Detail: "instance not referenced by any substage"}
		}
		if want := inst.StageID + "/" + inst.SubStageID; want != owner {
			return &ValidationError{MissingID: inst.ID, Detail: fmt.Sprintf("instance back-reference %s does not match owning substage %s", want, owner)}
		}
	}
	for instID := range instanceOwner {
		if !declared[instID] {
			return &ValidationError{MissingID: instID, Detail: "substage references undeclared instance"}
		}
	}

	// Dependency references.
	for _, st := range p.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return &CycleError{TaskIDs: []string{st.ID}}
			}
			if !stageIDs[dep] {
				return &ValidationError{MissingID: dep, Detail: "stage " + st.ID + " depends on undeclared stage"}
			}
		}
		for _, ss := range st.SubStages {
			for _, dep := range ss.DependsOn {
				if dep == ss.ID {
					return &CycleError{TaskIDs: []string{ss.ID}}
				}
				if !subStageIDs[st.ID+"/"+dep] {
					return &ValidationError{MissingID: dep, Detail: "substage " + ss.ID + " depends on undeclared substage in stage " + st.ID}
				}
			}
		}
	}
	for _, inst := range p.Instances {
		for _, out := range inst.Outputs {
			if out.FromInstanceID == inst.ID {
				return &CycleError{TaskIDs: []string{inst.ID}}
			}
			if !declared[out.FromInstanceID] {
				return &ValidationError{MissingID: out.FromInstanceID, Detail: "instance " + inst.ID + " requires output of undeclared instance"}
			}
		}
	}

	return nil
}
