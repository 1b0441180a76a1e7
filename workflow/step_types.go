package workflow

// StepKind discriminates the WorkflowStep tagged variant of §3.
type StepKind string

const (
	StepModule             StepKind = "module"
	StepParallel           StepKind = "parallel"
	StepSequential         StepKind = "sequential"
	StepLoop               StepKind = "loop"
	StepUICheckpoint       StepKind = "ui_checkpoint"
	StepCoordinatorScript  StepKind = "coordinator_script"
)

// ModuleOptions carries a Module step's agent invocation settings.
type ModuleOptions struct {
	Prompt         string
	Tier           string
	EngineOverride *string
	ModelOverride  *string
}

// Step is one node of a workflow's step tree (§3 WorkflowStep). Only the
// fields relevant to Kind are meaningful; this mirrors how §3's tagged
// variant is expressed as one Go struct rather than an interface, matching
// the Command/Group shape already used in package coordinator.
type Step struct {
	Kind StepKind

	// Module
	AgentName string
	Options   ModuleOptions

	// Parallel / Sequential
	Children []Step

	// Loop
	BackSteps     int
	MaxIterations int
	SkipList      []string

	// UICheckpoint
	Reason string

	// CoordinatorScript
	Script string
}
