// Package mission defines the declarative mission plan: the hierarchical
// description of stages, substages and agent instances that the DAG compiler
// turns into an executable task graph.
package mission

// Plan is the immutable root input for one mission. It is pure data; all
// behavior lives in Validate and in the graph compiler.
type Plan struct {
	MissionID string          `json:"mission_id" yaml:"mission_id"`
	Stages    []Stage         `json:"stages" yaml:"stages"`
	Instances []AgentInstance `json:"instances" yaml:"instances"`
}

// Stage is one ordered phase of a mission. DependsOn references other stage
// ids declared in the same plan.
type Stage struct {
	ID        string     `json:"id" yaml:"id"`
	SubStages []SubStage `json:"substages" yaml:"substages"`
	DependsOn []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// SubStage groups instances within a stage. DependsOn is scoped to substage
// ids of the same stage.
type SubStage struct {
	ID          string   `json:"id" yaml:"id"`
	InstanceIDs []string `json:"instance_ids" yaml:"instance_ids"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// AgentInstance is a leaf unit of work. Instances live in a flat list on the
// plan and back-reference their owning stage and substage.
type AgentInstance struct {
	ID         string              `json:"id" yaml:"id"`
	StageID    string              `json:"stage_id" yaml:"stage_id"`
	SubStageID string              `json:"substage_id" yaml:"substage_id"`
	Inputs     map[string]any      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []OutputRequirement `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// OutputRequirement declares that this instance consumes the output of
// another instance. Required requirements gate scheduling; optional ones are
// recorded in task metadata only.
type OutputRequirement struct {
	FromInstanceID string `json:"from_instance_id" yaml:"from_instance_id"`
	Required       bool   `json:"required" yaml:"required"`
}

// Stage returns the stage with the given id, or nil.
func (p *Plan) Stage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// Instance returns the instance with the given id, or nil.
func (p *Plan) Instance(id string) *AgentInstance {
	for i := range p.Instances {
		if p.Instances[i].ID == id {
			return &p.Instances[i]
		}
	}
	return nil
}
