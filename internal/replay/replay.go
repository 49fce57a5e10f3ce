// Package replay implements the stateful query cursor (C3) that sits
// atop an immutable trace database: stepping, locals extraction, value
// resolution, callstack/history listing, and breakpoint management.
//
// An Engine owns its cursor exclusively — the same single-owner,
// message-passing discipline the teacher's pkg/task_manager applies to
// named background tasks, here applied to "the current step id belongs
// to exactly one goroutine at a time" (the dispatcher's per-session
// worker). Nothing in this package takes a lock around the cursor;
// callers serialize access by construction.
package replay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/types"
	"codetracer-core/internal/tracedb"
)

// defaultLocalsConcurrency bounds the errgroup fan-out load_locals uses
// to resolve multiple bindings concurrently (SPEC_FULL.md §3: "Replay
// Engine's parallel load_locals value resolution fan-out").
const defaultLocalsConcurrency = 8

// Engine is a stateful cursor over a Database. All operations mutate
// cur in place; callers own serialization.
type Engine struct {
	db  *tracedb.Database
	cur types.StepID

	loader types.ExprLoader

	breakpoints map[int64]*types.Breakpoint
	nextBreakID int64
	enabled     bool
}

// New constructs an Engine positioned at step 0 over db. loader may be
// nil, in which case location/function-bounds lookups degrade silently
// (logged by the caller, not fatal per spec §4.3).
func New(db *tracedb.Database, loader types.ExprLoader) *Engine {
	return &Engine{
		db:          db,
		loader:      loader,
		breakpoints: make(map[int64]*types.Breakpoint),
		enabled:     true,
	}
}

// RunToEntry resets the cursor to step 0.
func (e *Engine) RunToEntry() {
	e.cur = 0
}

// Step advances the cursor per action/direction and reports whether it
// progressed (false at either end of the recording).
func (e *Engine) Step(action types.StepAction, forward bool) bool {
	switch action {
	case types.ActionNext:
		next, progressed := e.db.NextStepIDRelativeTo(e.cur, forward, true)
		e.cur = next
		return progressed
	case types.ActionStepIn:
		it := e.db.StepFrom(e.cur, forward)
		step, ok := it.Next()
		if !ok {
			return false
		}
		e.cur = step.StepID
		return true
	case types.ActionStepOut:
		next, progressed := e.db.StepOutStepIDRelativeTo(e.cur, forward)
		e.cur = next
		return progressed
	case types.ActionContinue:
		return e.continueToBreakpointOrEnd(forward)
	default:
		return false
	}
}

func (e *Engine) continueToBreakpointOrEnd(forward bool) bool {
	start := e.cur
	it := e.db.StepFrom(e.cur, forward)
	for {
		step, ok := it.Next()
		if !ok {
			break
		}
		e.cur = step.StepID
		if e.enabled && e.hitsBreakpoint(step) {
			return true
		}
	}
	return e.cur != start
}

func (e *Engine) hitsBreakpoint(step types.Step) bool {
	path := e.db.PathFor(step.PathID)
	for _, bp := range e.breakpoints {
		if bp.Enabled && bp.Path == path && bp.Line == step.Line {
			return true
		}
	}
	return false
}

// CurrentStep returns the cursor's current step id.
func (e *Engine) CurrentStep() types.StepID { return e.cur }

// LoadLocation resolves the current cursor position into a Location.
// Expression-loader errors are non-fatal: function bounds are left at
// zero and the error is returned for the caller to log.
func (e *Engine) LoadLocation() (types.Location, error) {
	return e.loadLocationAt(e.cur, types.NoCallKey)
}

func (e *Engine) loadLocationAt(stepID types.StepID, callKeyArg types.CallKey) (types.Location, error) {
	step := e.db.Steps[stepID]
	path := e.db.PathFor(step.PathID)

	callKey := callKeyArg
	if callKey == types.NoCallKey {
		callKey = step.CallKey
	}

	functionName := "<top-level>"
	depth := 0
	declLine := 0
	if callKey != types.NoCallKey {
		call := e.db.Calls[callKey]
		depth = call.Depth
		if int(call.FunctionID) < len(e.db.Functions) {
			fn := e.db.Functions[call.FunctionID]
			functionName = fn.Name
			declLine = fn.DeclarationLine
		}
	}

	loc := types.Location{
		Path:           path,
		Line:           step.Line,
		StepID:         stepID,
		FunctionName:   functionName,
		CallKey:        callKey,
		GlobalCallKey:  step.GlobalCallKey,
		CallstackDepth: depth,
	}

	if functionName == "<top-level>" || e.loader == nil {
		return loc, nil
	}

	if err := e.loader.LoadFile(path); err != nil {
		return loc, apperrors.QueryError(apperrors.CodeQueryOutOfRange, "load-location", "expr loader load file failed").Wrap(err)
	}
	first, last := e.loader.GetFirstLastFnLines(loc, declLine)
	loc.FunctionFirst = first
	loc.FunctionLast = last
	return loc, nil
}

// LoadLocals walks the active call's variable bindings at the current
// step, resolving each concurrently (bounded fan-out), stopping once the
// traversed-node budget is exhausted but always emitting at least
// minCount entries.
func (e *Engine) LoadLocals(ctx context.Context, nodeBudget, minCount int) ([]types.NamedValue, error) {
	step := e.db.Steps[e.cur]

	names := make([]int64, 0, len(step.VariableCells))
	for vid := range step.VariableCells {
		names = append(names, vid)
	}

	results := make([]types.NamedValue, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLocalsConcurrency)
	for i, vid := range names {
		i, vid := i, vid
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			v := e.db.LoadValue(vid, e.cur)
			results[i] = types.NamedValue{Name: e.db.VariableName(vid), Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	nodesSeen := 0
	out := make([]types.NamedValue, 0, len(results))
	for _, nv := range results {
		out = append(out, nv)
		nodesSeen += valueNodeCount(nv.Value)
		if len(out) >= minCount && nodesSeen >= nodeBudget {
			break
		}
	}
	return out, nil
}

func valueNodeCount(v types.Value) int {
	count := 1
	for _, e := range v.Elements {
		count += valueNodeCount(e)
	}
	for _, f := range v.Fields {
		count += valueNodeCount(f)
	}
	return count
}

// LoadValue resolves a single variable by name against the current step.
// depthLimit bounds place-graph recursion (design note: default 3 for
// display, higher for structured queries); lang is currently unused by
// the in-memory resolver but kept for future language-aware formatting.
func (e *Engine) LoadValue(expr string, depthLimit int, lang types.Language) (types.Value, error) {
	step := e.db.Steps[e.cur]
	for vid, place := range step.VariableCells {
		if e.db.VariableName(vid) == expr {
			_ = place
			return e.db.LoadValue(vid, e.cur), nil
		}
	}
	return types.Value{}, apperrors.QueryError(apperrors.CodeQueryUnresolvedVariable, "load-value", fmt.Sprintf("variable %q not found", expr))
}

// LoadCallstack lists frames from innermost to outermost.
func (e *Engine) LoadCallstack() []types.CallstackEntry {
	step := e.db.Steps[e.cur]
	var entries []types.CallstackEntry
	key := step.CallKey
	for key != types.NoCallKey {
		call := e.db.Calls[key]
		name := "<unknown>"
		if int(call.FunctionID) < len(e.db.Functions) {
			name = e.db.Functions[call.FunctionID].Name
		}
		entries = append(entries, types.CallstackEntry{
			CallKey:      key,
			FunctionName: name,
			Path:         e.db.PathFor(e.db.Steps[call.StepIDAtEntry].PathID),
			Line:         e.db.Steps[call.StepIDAtEntry].Line,
			Depth:        call.Depth,
		})
		key = call.ParentKey
	}
	return entries
}

// LoadHistory returns the value of a history-selected variable at every
// step where it is bound, from step 0 up to and including sel.StepID
// (the current step when sel.StepID is 0), with a total count.
func (e *Engine) LoadHistory(sel types.HistorySelector) ([]types.HistoryEntry, int) {
	var entries []types.HistoryEntry
	upTo := sel.StepID
	if upTo == 0 {
		upTo = e.cur
	}
	for stepID := types.StepID(0); stepID <= upTo && int(stepID) < len(e.db.Steps); stepID++ {
		step := e.db.Steps[stepID]
		for vid, place := range step.VariableCells {
			if e.db.VariableName(vid) != sel.Expression {
				continue
			}
			_ = place
			entries = append(entries, types.HistoryEntry{StepID: stepID, Value: e.db.LoadValue(vid, stepID)})
		}
	}
	return entries, len(entries)
}

// JumpTo moves the cursor to an arbitrary step id, failing if out of
// range.
func (e *Engine) JumpTo(stepID types.StepID) bool {
	if int64(stepID) < 0 || int(stepID) >= len(e.db.Steps) {
		return false
	}
	e.cur = stepID
	return true
}

// LocationJump moves the cursor to the first step matching path:line, if
// any. The cursor is left unchanged when no match exists.
func (e *Engine) LocationJump(path string, line int) bool {
	pathID, ok := e.db.PathMap[path]
	if !ok {
		return false
	}
	steps, ok := e.db.StepMap[pathID][line]
	if !ok || len(steps) == 0 {
		return false
	}
	e.cur = steps[0]
	return true
}

// EventJump moves the cursor to the step a recorded program event
// occurred at.
func (e *Engine) EventJump(eventIndex int) bool {
	if eventIndex < 0 || eventIndex >= len(e.db.Events) {
		return false
	}
	e.cur = e.db.Events[eventIndex].StepID
	return true
}

// CallstackJump moves the cursor to the entry step of the depth-th
// callstack frame (0 = current, 1 = caller, ...).
func (e *Engine) CallstackJump(depth int) bool {
	frames := e.LoadCallstack()
	if depth < 0 || depth >= len(frames) {
		return false
	}
	e.cur = e.db.Calls[frames[depth].CallKey].StepIDAtEntry
	return true
}

// AddBreakpoint registers a new armed breakpoint.
func (e *Engine) AddBreakpoint(path string, line int) types.Breakpoint {
	e.nextBreakID++
	bp := &types.Breakpoint{ID: e.nextBreakID, Path: path, Line: line, Enabled: true}
	e.breakpoints[bp.ID] = bp
	return *bp
}

// DeleteBreakpoint removes a breakpoint by id.
func (e *Engine) DeleteBreakpoint(id int64) {
	delete(e.breakpoints, id)
}

// ToggleBreakpoint flips a breakpoint's enabled state.
func (e *Engine) ToggleBreakpoint(id int64) bool {
	bp, ok := e.breakpoints[id]
	if !ok {
		return false
	}
	bp.Enabled = !bp.Enabled
	return true
}

// EnableBreakpoints/DisableBreakpoints toggle Continue's global
// breakpoint-honoring behavior without touching individual records.
func (e *Engine) EnableBreakpoints()  { e.enabled = true }
func (e *Engine) DisableBreakpoints() { e.enabled = false }
