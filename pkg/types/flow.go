package types

// FlowMode selects how the flow reconstructor walks steps: Call mode
// follows one call's steps in execution order; Diff mode follows only
// the steps that touch a caller-supplied set of (path, line) pairs,
// across the whole recording.
type FlowMode int

const (
	FlowModeCall FlowMode = iota
	FlowModeDiff
)

// LoopID identifies one loop construct within a flow walk. LoopID(0) is
// the synthetic "not in a loop" bucket every flow walk starts in.
type LoopID int64

// FlowEvent is one observable side effect re-surfaced against a flow
// step, line-visit windowed like LoadStepEvents(exact=false).
type FlowEvent struct {
	Kind     EventKind
	Text     string
	StepID   StepID
	Metadata map[string]string
}

// FlowStep is one line visited during a flow walk, with its before/after
// variable snapshots and any loop/branch annotations.
type FlowStep struct {
	Line      int
	StepCount int
	StepID    StepID
	Iteration int
	Loop      LoopID

	Events []FlowEvent

	// BeforeValues/AfterValues snapshot the variables syntactically live
	// on Line, as of entering/leaving this step (see DESIGN.md "flow
	// before/after snapshot timing").
	BeforeValues map[string]Value
	AfterValues  map[string]Value
	ExprOrder    []string
}

// Loop tracks one loop construct's iteration history across a flow walk.
type Loop struct {
	Base           LoopID
	First          int
	Last           int
	Iteration      int
	StepCounts     []int
	StepIDsAtEntry []StepID
}

// FlowUpdate is the result of one flow load: a location plus its
// reconstructed step/loop/branch view.
type FlowUpdate struct {
	Location Location
	Steps    []FlowStep
	Loops    []Loop

	// BranchesTaken maps loop id (0 = top level) -> source line -> taken
	// state, the running record process_loops/load_branch_for_step
	// builds up and final_branch_load resolves against.
	BranchesTaken map[LoopID]map[int]BranchState

	CommentLines []int
	Error        string
	Finished     bool
}

// FlowConfig bounds a flow walk's cost.
type FlowConfig struct {
	// MaxTrackedIterations caps how many iterations of one loop are
	// retained in a FlowUpdate before older iterations are dropped from
	// Loop.StepCounts/StepIDsAtEntry (default 10000, spec §5 supplement).
	MaxTrackedIterations int
}

// DefaultFlowConfig mirrors the original implementation's hardcoded
// tracking ceiling.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{MaxTrackedIterations: 10000}
}
