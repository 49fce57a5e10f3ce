// Package tracedb reconstructs an in-memory, immutable, queryable model
// of a recorded execution from a sequence of low-level trace events:
// dense step/call/function/type tables, a value-graph cell-change log,
// and the navigation queries the replay engine builds on (relative step,
// step-out, jump-to-call, value resolution).
//
// Construction happens once per backend at launch (see Build); after
// that the Database is immutable and safe to share read-only across
// goroutines, matching how the teacher's append-only per-entity tables
// are built once and then fanned out read-only.
package tracedb

import (
	"fmt"
	"sync"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/types"
)

// nextStepOversLimit bounds next_step_id_relative_to's internal loop, per
// spec §4.2 ("bounded budget, default 1000").
const nextStepOversLimit = 1000

// Database is the reconstructed trace model. It is built once by Build
// and never mutated afterward: every exported method is a read.
type Database struct {
	Workdir string

	Functions     []types.Function
	Calls         []types.Call
	Steps         []types.Step
	Types         []types.Type
	Events        []types.EventLogEntry
	Paths         []types.Path
	VariableNames []string

	// CellChanges maps a place to its append-only, step_id-ordered
	// history of writes.
	CellChanges map[types.Place][]types.CellChange

	// StepMap indexes steps by (path_id, line) for flow/breakpoint
	// lookups.
	StepMap map[int64]map[int][]types.StepID

	PathMap map[string]int64

	EndOfProgram types.EndOfProgram

	mu sync.RWMutex
}

// Build ingests events in order and returns the reconstructed Database.
// Structural invariant violations (return with an empty call stack,
// negative depth) are fatal; everything else degrades to a best-effort
// reconstruction with inline Error values.
func Build(workdir string, events []LowLevelEvent) (*Database, error) {
	b := &builder{
		db: &Database{
			Workdir:     workdir,
			CellChanges: make(map[types.Place][]types.CellChange),
			StepMap:     make(map[int64]map[int][]types.StepID),
			PathMap:     make(map[string]int64),
		},
		currentCallKey:     types.NoCallKey,
		lastStartedCallKey: types.NoCallKey,
		lastCompoundInfos:  make(map[types.Place]compoundInfo),
	}
	for i, ev := range events {
		if err := b.process(ev); err != nil {
			return nil, apperrors.New(apperrors.CodeDatabaseInvariant, "tracedb", "build",
				fmt.Sprintf("event %d: %v", i, err))
		}
	}
	b.finish()
	return b.db, nil
}

type compoundInfo struct {
	itemCount int
	typeID    int64
}

type builder struct {
	db *Database

	currentStepID      types.StepID
	currentCallKey     types.CallKey
	lastStartedCallKey types.CallKey
	depth              int
	callStack          []types.CallKey
	localVariableCells []map[int64]types.Place
	lastCompoundInfos  map[types.Place]compoundInfo
}

func (b *builder) process(ev LowLevelEvent) error {
	switch ev.Tag {
	case EvStep:
		b.processStep(ev)
	case EvPath:
		b.db.Paths = append(b.db.Paths, types.Path{PathID: int64(len(b.db.Paths)), Path: ev.Path})
		b.db.PathMap[ev.Path] = int64(len(b.db.Paths) - 1)
	case EvVariableName:
		b.db.VariableNames = append(b.db.VariableNames, ev.VariableName)
	case EvFunction:
		b.db.Functions = append(b.db.Functions, ev.Function)
	case EvType:
		b.db.Types = append(b.db.Types, ev.Type)
	case EvValue:
		b.attachValue(ev.VariableID, ev.Value)
	case EvCall:
		b.processCall(ev)
	case EvReturn:
		if err := b.processReturn(ev); err != nil {
			return err
		}
	case EvEvent:
		b.db.Events = append(b.db.Events, types.EventLogEntry{
			Kind:     ev.EventKind,
			Content:  ev.Content,
			StepID:   b.currentStepID,
			Metadata: ev.Metadata,
		})
	case EvCompoundValue:
		b.processCompoundValue(ev)
	case EvCellValue:
		step := &b.db.Steps[b.currentStepID]
		if step.Cells == nil {
			step.Cells = make(map[types.Place]types.Value)
		}
		step.Cells[ev.Place] = ev.CompoundVal
		b.registerCellChange(ev.Place, 0, nil, nil, nil)
	case EvAssignCompoundItem:
		info, ok := b.lastCompoundInfos[ev.Place]
		if !ok {
			return fmt.Errorf("AssignCompoundItem for place %d with no prior CompoundValue registration", ev.Place)
		}
		typeID := info.typeID
		index := ev.Index
		itemPlace := ev.ItemPlace
		b.registerCellChange(ev.Place, info.itemCount, &typeID, &index, &itemPlace)
	case EvAssignCell:
		step := &b.db.Steps[b.currentStepID]
		if step.Cells == nil {
			step.Cells = make(map[types.Place]types.Value)
		}
		step.Cells[ev.Place] = ev.CompoundVal
		b.registerCellChange(ev.Place, 0, nil, nil, nil)
	case EvVariableCell:
		if b.depth == 0 {
			return fmt.Errorf("VariableCell event with no active call frame")
		}
		b.localVariableCells[b.depth-1][ev.VariableID] = ev.Place
		step := &b.db.Steps[b.currentStepID]
		if step.VariableCells == nil {
			step.VariableCells = make(map[int64]types.Place)
		}
		step.VariableCells[ev.VariableID] = ev.Place
	case EvDropVariable:
		if b.depth == 0 {
			return fmt.Errorf("DropVariable event with no active call frame")
		}
		delete(b.localVariableCells[b.depth-1], ev.VariableID)
	case EvDropLastStep:
		if err := b.processDropLastStep(); err != nil {
			return err
		}
	case EvAsm:
		step := &b.db.Steps[b.currentStepID]
		step.Instructions = append(step.Instructions, ev.Instructions...)
	}
	return nil
}

func (b *builder) processStep(ev LowLevelEvent) {
	stepID := types.StepID(len(b.db.Steps))
	step := types.Step{
		StepID:        stepID,
		PathID:        ev.PathID,
		Line:          ev.Line,
		CallKey:       b.currentCallKey,
		GlobalCallKey: b.lastStartedCallKey,
		Variables:     make(map[int64]types.Value),
		Cells:         make(map[types.Place]types.Value),
		Compound:      make(map[types.Place]types.Value),
		VariableCells: make(map[int64]types.Place),
	}
	if b.depth > 0 {
		for vid, place := range b.localVariableCells[b.depth-1] {
			step.VariableCells[vid] = place
		}
	}
	b.db.Steps = append(b.db.Steps, step)
	b.currentStepID = stepID

	if ev.Line >= 0 {
		if b.db.StepMap[ev.PathID] == nil {
			b.db.StepMap[ev.PathID] = make(map[int][]types.StepID)
		}
		b.db.StepMap[ev.PathID][ev.Line] = append(b.db.StepMap[ev.PathID][ev.Line], stepID)
	}
}

func (b *builder) attachValue(variableID int64, v types.Value) {
	for int64(len(b.db.Steps)) == 0 || b.currentStepID >= types.StepID(len(b.db.Steps)) {
		break
	}
	step := &b.db.Steps[b.currentStepID]
	if step.Variables == nil {
		step.Variables = make(map[int64]types.Value)
	}
	step.Variables[variableID] = v
}

func (b *builder) processCall(ev LowLevelEvent) {
	parentKey := types.NoCallKey
	if len(b.callStack) > 0 {
		parentKey = b.callStack[len(b.callStack)-1]
	}

	callKey := types.CallKey(len(b.db.Calls))
	b.currentCallKey = callKey
	b.lastStartedCallKey = callKey

	args := make([]types.Value, 0, len(ev.Call.Args))
	for _, a := range ev.Call.Args {
		args = append(args, a.Value)
	}

	b.db.Calls = append(b.db.Calls, types.Call{
		CallKey:       callKey,
		FunctionID:    ev.Call.FunctionID,
		Args:          args,
		ReturnValue:   types.Value{Kind: types.ValNone},
		StepIDAtEntry: b.currentStepID,
		Depth:         b.depth,
		ParentKey:     parentKey,
	})

	if parentKey != types.NoCallKey {
		b.db.Calls[parentKey].ChildrenKeys = append(b.db.Calls[parentKey].ChildrenKeys, callKey)
	}

	if int(b.currentStepID) < len(b.db.Steps) && b.db.Steps[b.currentStepID].CallKey == types.NoCallKey {
		b.db.Steps[b.currentStepID].CallKey = callKey
		b.db.Steps[b.currentStepID].GlobalCallKey = callKey
	}

	b.callStack = append(b.callStack, callKey)
	b.localVariableCells = append(b.localVariableCells, make(map[int64]types.Place))
	b.depth++
}

func (b *builder) processReturn(ev LowLevelEvent) error {
	if b.depth <= 0 || len(b.callStack) == 0 {
		return fmt.Errorf("Return event with empty call stack")
	}
	b.depth--
	b.db.Calls[b.currentCallKey].ReturnValue = ev.ReturnValue
	b.callStack = b.callStack[:len(b.callStack)-1]
	b.localVariableCells = b.localVariableCells[:len(b.localVariableCells)-1]
	if len(b.callStack) > 0 {
		b.currentCallKey = b.callStack[len(b.callStack)-1]
	}
	return nil
}

func (b *builder) processCompoundValue(ev LowLevelEvent) {
	step := &b.db.Steps[b.currentStepID]
	if step.Compound == nil {
		step.Compound = make(map[types.Place]types.Value)
	}
	step.Compound[ev.Place] = ev.CompoundVal

	if ev.CompoundVal.Kind != types.ValSequence {
		return
	}
	info := compoundInfo{itemCount: len(ev.CompoundVal.Elements), typeID: ev.CompoundVal.ElemType}
	b.lastCompoundInfos[ev.Place] = info
	typeID := info.typeID
	b.registerCellChange(ev.Place, info.itemCount, &typeID, nil, nil)

	for i, elem := range ev.CompoundVal.Elements {
		if elem.Kind == types.ValCell {
			index := i
			itemPlace := elem.Place
			b.registerCellChange(ev.Place, info.itemCount, &typeID, &index, &itemPlace)
		}
	}
}

func (b *builder) processDropLastStep() error {
	if b.currentStepID <= 0 || len(b.db.Steps) == 0 {
		return fmt.Errorf("DropLastStep with no preceding step")
	}
	last := b.db.Steps[len(b.db.Steps)-1]
	b.db.Steps = b.db.Steps[:len(b.db.Steps)-1]

	if last.Line >= 0 {
		if lines, ok := b.db.StepMap[last.PathID]; ok {
			ids := lines[last.Line]
			if len(ids) > 0 {
				lines[last.Line] = ids[:len(ids)-1]
			}
		}
	}
	b.currentStepID = types.StepID(len(b.db.Steps) - 1)
	return nil
}

func (b *builder) registerCellChange(place types.Place, itemCount int, typeID *int64, index *int, itemPlace *types.Place) {
	b.db.CellChanges[place] = append(b.db.CellChanges[place], types.CellChange{
		StepID:    b.currentStepID,
		ItemCount: itemCount,
		TypeID:    typeID,
		Index:     index,
		ItemPlace: itemPlace,
	})
}

func (b *builder) finish() {
	if len(b.db.Events) > 0 {
		last := b.db.Events[len(b.db.Events)-1]
		onLastStep := int64(last.StepID) == int64(len(b.db.Steps))-1
		if last.Kind == types.EventError && onLastStep {
			b.db.EndOfProgram = types.EndOfProgram{Kind: types.EndError, Reason: "error: " + last.Content}
			return
		}
	}
	b.db.EndOfProgram = types.EndOfProgram{Kind: types.EndNormal}
}

// --- Queries ---

// StepIterator walks the dense step table from a starting step id in a
// given direction. It saturates at either end; it never wraps.
type StepIterator struct {
	db      *Database
	stepID  types.StepID
	forward bool
	started bool
}

// StepFrom returns a fresh iterator positioned at stepID.
func (db *Database) StepFrom(stepID types.StepID, forward bool) *StepIterator {
	return &StepIterator{db: db, stepID: stepID, forward: forward}
}

// Next advances the iterator and returns the next step, or false once the
// iterator has reached the first/last step.
func (it *StepIterator) Next() (types.Step, bool) {
	if it.forward {
		if int64(it.stepID) >= int64(len(it.db.Steps))-1 {
			return types.Step{}, false
		}
		it.stepID++
	} else {
		if it.stepID <= 0 {
			return types.Step{}, false
		}
		it.stepID--
	}
	return it.db.Steps[it.stepID], true
}

// StepOverDepths advances from start in the given direction until it
// lands on a step whose call depth is <= the start call's depth - delta.
// delta=0 is "step over" (same level or shallower); delta=1 is "step
// out" (strictly shallower). If no step satisfies the condition before
// the iterator is exhausted, the starting step is returned unchanged.
func (db *Database) StepOverDepths(start types.StepID, forward bool, delta int) types.StepID {
	initialCall := db.Calls[db.Steps[start].CallKey]
	initialDepth := initialCall.Depth

	it := db.StepFrom(start, forward)
	for {
		step, ok := it.Next()
		if !ok {
			return start
		}
		newCall := db.Calls[step.CallKey]
		if int64(newCall.Depth) <= int64(initialDepth)-int64(delta) {
			return step.StepID
		}
	}
}

// NextStepIDRelativeTo implements the "Next" step semantics: repeatedly
// step-over (delta=0) until the landing step's (path, line, call) differs
// from the start, bounded by nextStepOversLimit, when distinctLine is
// set. Returns the landing step and whether progress was made.
func (db *Database) NextStepIDRelativeTo(start types.StepID, forward bool, distinctLine bool) (types.StepID, bool) {
	last := start
	origin := db.Steps[start]
	count := 0
	for {
		current := db.StepOverDepths(last, forward, 0)
		if current == last {
			return current, false
		}
		last = current
		count++
		if count >= nextStepOversLimit {
			break
		}
		if !distinctLine {
			break
		}
		step := db.Steps[current]
		if step.PathID != origin.PathID || step.Line != origin.Line || step.CallKey != origin.CallKey {
			break
		}
	}
	return last, last != start
}

// StepOutStepIDRelativeTo implements "StepOut": a single application of
// StepOverDepths with delta=1.
func (db *Database) StepOutStepIDRelativeTo(start types.StepID, forward bool) (types.StepID, bool) {
	next := db.StepOverDepths(start, forward, 1)
	return next, next != start
}

// LoadValue resolves variableID's binding at stepID through the place
// graph. Any missing evidence returns an inline Error value rather than
// failing the whole query (spec §4.2, §7 "Query" errors).
func (db *Database) LoadValue(variableID int64, stepID types.StepID) types.Value {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if int64(stepID) < 0 || int(stepID) >= len(db.Steps) {
		return types.ErrValue(fmt.Sprintf("step id %d out of range", stepID))
	}
	place, ok := db.Steps[stepID].VariableCells[variableID]
	if !ok {
		name := "<unknown>"
		if int(variableID) < len(db.VariableNames) {
			name = db.VariableNames[variableID]
		}
		return types.ErrValue(fmt.Sprintf("no cell record for variable %q on step %d", name, stepID))
	}
	return db.loadValueForPlace(place, stepID)
}

func (db *Database) loadValueForPlace(place types.Place, stepID types.StepID) types.Value {
	changes, ok := db.CellChanges[place]
	if !ok || len(changes) == 0 {
		return types.ErrValue(fmt.Sprintf("no cell change recorded for place %d", place))
	}

	lastIndex := -1
	for i, ch := range changes {
		if ch.StepID == stepID {
			lastIndex = i
			break
		} else if ch.StepID > stepID {
			break
		}
		lastIndex = i
	}
	if lastIndex < 0 {
		return types.ErrValue(fmt.Sprintf("no cell change for place %d up to step %d", place, stepID))
	}

	change := changes[lastIndex]
	cellStep := db.Steps[change.StepID]
	if v, ok := cellStep.Cells[place]; ok {
		return v
	}
	return db.loadCompoundValueForPlace(place, change)
}

func (db *Database) loadCompoundValueForPlace(place types.Place, change types.CellChange) types.Value {
	compoundStep := db.Steps[change.StepID]
	if compound, ok := compoundStep.Compound[place]; ok {
		if compound.Kind == types.ValSequence {
			resolved := make([]types.Value, len(compound.Elements))
			for i, elem := range compound.Elements {
				if elem.Kind == types.ValCell {
					resolved[i] = db.loadValueForPlace(elem.Place, change.StepID)
				} else {
					resolved[i] = elem
				}
			}
			compound.Elements = resolved
			return compound
		}
		return compound
	}

	if change.Index != nil {
		if change.TypeID == nil {
			return types.ErrValue("internal error: no type_id for this compound cell change")
		}
		elems := make([]types.Value, change.ItemCount)
		for i := 0; i < change.ItemCount; i++ {
			elems[i] = db.loadValueItemByIndex(place, i, change.StepID)
		}
		return types.Value{Kind: types.ValSequence, Elements: elems, ElemType: *change.TypeID}
	}

	return types.ErrValue("internal error: no cell/compound for this place and step")
}

func (db *Database) loadValueItemByIndex(place types.Place, index int, stepID types.StepID) types.Value {
	changes, ok := db.CellChanges[place]
	if !ok {
		return types.ErrValue("internal error: no relevant cell change for this index")
	}
	for i := len(changes) - 1; i >= 0; i-- {
		change := changes[i]
		if change.StepID > stepID {
			continue
		}
		if change.Index != nil && *change.Index == index && change.ItemPlace != nil {
			return db.loadValueForPlace(*change.ItemPlace, stepID)
		}
	}
	return types.ErrValue("internal error: no relevant cell change for this index")
}

// LoadStepEvents returns events observed during a step's "line visit".
// If exact, only events recorded exactly at stepID are returned.
// Otherwise the window extends forward to the last step sharing the
// same (path, line), capturing post-events registered against later
// steps of the same visit.
func (db *Database) LoadStepEvents(stepID types.StepID, exact bool) []types.EventLogEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()

	lastStepForLine := stepID
	if !exact {
		origin := db.Steps[stepID]
		for current := stepID + 1; int(current) < len(db.Steps); current++ {
			step := db.Steps[current]
			if step.PathID != origin.PathID || step.Line != origin.Line {
				break
			}
			lastStepForLine = current
		}
	}

	var result []types.EventLogEntry
	for _, ev := range db.Events {
		if ev.StepID >= stepID && ev.StepID <= lastStepForLine {
			result = append(result, ev)
		}
	}
	return result
}

// CallKeyForStep returns the active call frame of a step.
func (db *Database) CallKeyForStep(stepID types.StepID) types.CallKey {
	return db.Steps[stepID].CallKey
}

// VariableName looks up a variable id in the dense name table.
func (db *Database) VariableName(variableID int64) string {
	if int(variableID) < 0 || int(variableID) >= len(db.VariableNames) {
		return "<unknown>"
	}
	return db.VariableNames[variableID]
}

// PathFor returns the source path string for a path id.
func (db *Database) PathFor(pathID int64) string {
	if int(pathID) < 0 || int(pathID) >= len(db.Paths) {
		return ""
	}
	return db.Paths[pathID].Path
}

// DumpCallTree writes a human-readable indented dump of the call tree to
// w. Debug helper, not on the hot query path (SPEC_FULL.md §5).
func (db *Database) DumpCallTree(w dumpWriter) {
	for _, call := range db.Calls {
		if call.Depth == 0 {
			db.dumpCall(w, call.CallKey, 0)
		}
	}
}

type dumpWriter interface {
	Write(p []byte) (n int, err error)
}

func (db *Database) dumpCall(w dumpWriter, key types.CallKey, indent int) {
	call := db.Calls[key]
	name := "<unknown>"
	if int(call.FunctionID) < len(db.Functions) {
		name = db.Functions[call.FunctionID].Name
	}
	fmt.Fprintf(w, "%*s%s (call %d, depth %d)\n", indent*2, "", name, call.CallKey, call.Depth)
	for _, child := range call.ChildrenKeys {
		db.dumpCall(w, child, indent+1)
	}
}
