// Package flow reconstructs a line-by-line "flow view" of one call's
// execution (or, in diff mode, of every step touching a caller-supplied
// set of source lines across the whole recording): which lines ran, in
// what order, what each line's live variables held before and after it
// executed, and which loop iteration and branch outcome each visit
// belongs to.
//
// Grounded on original_source/src/db-backend/src/flow_preloader.rs's
// FlowPreloader/CallFlowPreloader — the before/after snapshot timing
// (log_expressions), the loop-iteration bookkeeping (process_loops), and
// the call/diff mode split are all ported from there.
package flow

import (
	"codetracer-core/internal/tracedb"
	"codetracer-core/pkg/types"
)

// Reconstructor walks a Database to produce FlowUpdates. It holds no
// state of its own between Load calls; loopState is scoped to a single
// walk.
type Reconstructor struct {
	db     *tracedb.Database
	loader types.ExprLoader
	cfg    types.FlowConfig
}

// New constructs a Reconstructor. loader may be nil, in which case
// var-list, loop-shape, and branch annotation are all skipped (the walk still produces step/line and
// event data).
func New(db *tracedb.Database, loader types.ExprLoader, cfg types.FlowConfig) *Reconstructor {
	if cfg.MaxTrackedIterations <= 0 {
		cfg = types.DefaultFlowConfig()
	}
	return &Reconstructor{db: db, loader: loader, cfg: cfg}
}

// Load reconstructs the flow of the call active at startStep, in Call
// mode: steps are walked forward from the call's entry until its depth
// is left.
func (r *Reconstructor) Load(startStep types.StepID) types.FlowUpdate {
	callKey := r.db.CallKeyForStep(startStep)

	w := &walk{
		r:             r,
		mode:          types.FlowModeCall,
		callKey:       callKey,
		activeLoops:   nil,
		lastStepID:    types.NoStepID,
		branchesTaken: make(map[types.LoopID]map[int]types.BranchState),
	}
	return w.run(r.db.Calls[callKey].StepIDAtEntry)
}

// LoadDiff reconstructs a flow across every step whose (path, line)
// appears in diffLines, regardless of which call it belongs to.
func (r *Reconstructor) LoadDiff(diffLines map[string]map[int]bool) types.FlowUpdate {
	diffCallKeys := make(map[types.CallKey]bool)
	it := r.db.StepFrom(types.NoStepID, true)
	for {
		step, ok := it.Next()
		if !ok {
			break
		}
		path := r.db.PathFor(step.PathID)
		if diffLines[path] != nil && diffLines[path][step.Line] {
			diffCallKeys[step.CallKey] = true
		}
	}

	w := &walk{
		r:             r,
		mode:          types.FlowModeDiff,
		diffLines:     diffLines,
		diffCallKeys:  diffCallKeys,
		lastStepID:    types.NoStepID,
		branchesTaken: make(map[types.LoopID]map[int]types.BranchState),
	}
	return w.run(0)
}

// walk holds the per-invocation state of a single flow reconstruction,
// mirroring CallFlowPreloader's fields.
type walk struct {
	r    *Reconstructor
	mode types.FlowMode

	callKey      types.CallKey
	diffLines    map[string]map[int]bool
	diffCallKeys map[types.CallKey]bool

	activeLoops   []int // first-lines of loops currently open, innermost last
	lastStepID    types.StepID
	lastExprOrder []string
	branchesTaken map[types.LoopID]map[int]types.BranchState
}

func (w *walk) run(startStepID types.StepID) types.FlowUpdate {
	update := types.FlowUpdate{
		BranchesTaken: w.branchesTaken,
	}

	stepID, progressing := w.findFirstStep(startStepID)
	stepCount := 0
	loopStack := []types.Loop{{Base: 0, First: 0, Last: 1 << 30}}

	for {
		if !progressing {
			break
		}
		step := w.r.db.Steps[stepID]

		if w.mode == types.FlowModeCall && step.CallKey != w.callKey {
			w.addReturnValue(&update, w.callKey)
			break
		}

		events := toFlowEvents(w.r.db.LoadStepEvents(stepID, false))
		fs := types.FlowStep{
			Line:      step.Line,
			StepCount: stepCount,
			StepID:    stepID,
			Events:    events,
		}

		w.processLoops(&loopStack, &update, step, stepCount, &fs)
		w.logExpressions(&update, step, stepID, &fs)

		update.Steps = append(update.Steps, fs)

		stepCount++
		nextStepID, nextProgressing := w.findNextStep(stepID)
		if nextStepID == stepID {
			nextProgressing = false
		}
		stepID, progressing = nextStepID, nextProgressing
	}

	update.Loops = loopStack[1:]
	if w.r.loader != nil && len(update.Steps) > 0 {
		path := w.r.db.PathFor(w.r.db.Steps[update.Steps[0].StepID].PathID)
		update.CommentLines = nil
		update.BranchesTaken[0] = w.r.loader.LoadBranchForPosition(path, 0)
	}
	update.Finished = true
	return update
}

func (w *walk) findFirstStep(from types.StepID) (types.StepID, bool) {
	if w.mode == types.FlowModeCall {
		return from, true
	}
	return w.nextDiffStep(0, true)
}

func (w *walk) findNextStep(from types.StepID) (types.StepID, bool) {
	if w.mode == types.FlowModeCall {
		return w.r.db.NextStepIDRelativeTo(from, true, true)
	}
	return w.nextDiffStep(from, false)
}

func (w *walk) nextDiffStep(from types.StepID, includingFrom bool) (types.StepID, bool) {
	total := types.StepID(len(w.r.db.Steps))
	if from >= total {
		return from, false
	}
	next := from
	if !includingFrom {
		next++
	}
	for next < total {
		if w.diffCallKeys[w.r.db.Steps[next].CallKey] {
			return next, true
		}
		next++
	}
	return from, false
}

func (w *walk) addReturnValue(update *types.FlowUpdate, callKey types.CallKey) {
	if len(update.Steps) == 0 {
		return
	}
	retVal := w.r.db.Calls[callKey].ReturnValue
	first := &update.Steps[0]
	last := &update.Steps[len(update.Steps)-1]
	for _, fs := range []*types.FlowStep{first, last} {
		if fs.BeforeValues == nil {
			fs.BeforeValues = make(map[string]types.Value)
		}
		fs.BeforeValues["return"] = retVal
		fs.ExprOrder = append(fs.ExprOrder, "return")
	}
}

// processLoops mirrors flow_preloader.rs's process_loops: it opens a new
// Loop record the first time its first line is visited, advances the
// iteration counter on repeat visits of the same first line, and tags
// the current FlowStep with the innermost active loop.
func (w *walk) processLoops(loopStack *[]types.Loop, update *types.FlowUpdate, step types.Step, stepCount int, fs *types.FlowStep) {
	if w.r.loader == nil {
		return
	}
	path := w.r.db.PathFor(step.PathID)
	shapes := w.r.loader.LoopShapesForFile(path)
	var shape *types.LoopShape
	for i := range shapes {
		if step.Line >= shapes[i].FirstLine && step.Line <= shapes[i].LastLine {
			shape = &shapes[i]
		}
	}

	top := &(*loopStack)[len(*loopStack)-1]
	if shape != nil && shape.FirstLine == step.Line && !containsInt(w.activeLoops, shape.FirstLine) {
		newLoop := types.Loop{
			Base:           types.LoopID(shape.LoopID),
			First:          shape.FirstLine,
			Last:           shape.LastLine,
			Iteration:      0,
			StepCounts:     []int{stepCount},
			StepIDsAtEntry: []types.StepID{step.StepID},
		}
		*loopStack = append(*loopStack, newLoop)
		w.activeLoops = append(w.activeLoops, shape.FirstLine)
		top = &(*loopStack)[len(*loopStack)-1]
	} else if shape != nil && top.First == step.Line {
		top.Iteration++
		top.StepCounts = append(top.StepCounts, stepCount)
		top.StepIDsAtEntry = append(top.StepIDsAtEntry, step.StepID)
		if len(top.StepCounts) > w.r.cfg.MaxTrackedIterations {
			drop := len(top.StepCounts) - w.r.cfg.MaxTrackedIterations
			top.StepCounts = top.StepCounts[drop:]
			top.StepIDsAtEntry = top.StepIDsAtEntry[drop:]
		}
	}

	if top.First <= step.Line && top.Last >= step.Line && top.Base != 0 {
		fs.Iteration = top.Iteration
		fs.Loop = top.Base
		branches := w.r.loader.LoadBranchForPosition(path, step.Line)
		w.recordBranches(top.Base, branches)
	} else {
		branches := w.r.loader.LoadBranchForPosition(path, step.Line)
		w.recordBranches(0, branches)
	}
}

func (w *walk) recordBranches(loop types.LoopID, branches map[int]types.BranchState) {
	if w.branchesTaken[loop] == nil {
		w.branchesTaken[loop] = make(map[int]types.BranchState)
	}
	for line, state := range branches {
		w.branchesTaken[loop][line] = state
	}
}

// logExpressions mirrors flow_preloader.rs's log_expressions: it
// resolves the variables syntactically live on the current line into
// this FlowStep's BeforeValues, and backfills the previous FlowStep's
// AfterValues from the same names once this step has run.
func (w *walk) logExpressions(update *types.FlowUpdate, step types.Step, stepID types.StepID, fs *types.FlowStep) {
	variableMap := make(map[string]types.Value, len(step.VariableCells))
	for vid := range step.VariableCells {
		variableMap[w.r.db.VariableName(vid)] = w.r.db.LoadValue(vid, stepID)
	}

	var exprOrder []string
	if w.r.loader != nil {
		path := w.r.db.PathFor(step.PathID)
		varList := w.r.loader.VarListForLine(path, step.Line)
		fs.BeforeValues = make(map[string]types.Value, len(varList))
		for _, name := range varList {
			if v, ok := variableMap[name]; ok {
				fs.BeforeValues[name] = v
			}
			exprOrder = append(exprOrder, name)
		}
		fs.ExprOrder = exprOrder
	}

	if w.lastStepID != types.NoStepID && len(update.Steps) >= 1 {
		prev := &update.Steps[len(update.Steps)-1]
		if prev.AfterValues == nil {
			prev.AfterValues = make(map[string]types.Value, len(w.lastExprOrder))
		}
		for _, name := range w.lastExprOrder {
			if v, ok := variableMap[name]; ok {
				prev.AfterValues[name] = v
			}
		}
	}

	w.lastStepID = stepID
	w.lastExprOrder = exprOrder
}

func toFlowEvents(entries []types.EventLogEntry) []types.FlowEvent {
	out := make([]types.FlowEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.FlowEvent{Kind: e.Kind, Text: e.Content, StepID: e.StepID, Metadata: e.Metadata})
	}
	return out
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
