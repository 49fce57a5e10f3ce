package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/internal/tracedb"
	"codetracer-core/pkg/types"
)

// buildLoopTrace builds a three-step single-call trace: line1 (x=1),
// line2 (x=2), line3 (return), with a breakpoint-worthy shape for
// Continue/Step tests.
func buildLoopTrace(t *testing.T) *tracedb.Database {
	t.Helper()
	events := []tracedb.LowLevelEvent{
		{Tag: tracedb.EvPath, Path: "main.go"},
		{Tag: tracedb.EvFunction, Function: types.Function{Name: "main"}},
		{Tag: tracedb.EvVariableName, VariableName: "x"},
		{Tag: tracedb.EvCall, Call: tracedb.CallRecord{FunctionID: 0}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 1},
		{Tag: tracedb.EvVariableCell, VariableID: 0, Place: 1},
		{Tag: tracedb.EvCellValue, Place: 1, CompoundVal: types.Value{Kind: types.ValInt, Int: 1}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 2},
		{Tag: tracedb.EvAssignCell, Place: 1, CompoundVal: types.Value{Kind: types.ValInt, Int: 2}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 3},
		{Tag: tracedb.EvReturn, ReturnValue: types.Value{Kind: types.ValInt, Int: 2}},
	}
	db, err := tracedb.Build("/work", events)
	require.NoError(t, err)
	return db
}

func TestEngine_StepNextAdvancesOneLine(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.RunToEntry()
	assert.Equal(t, types.StepID(0), e.CurrentStep())

	ok := e.Step(types.ActionNext, true)
	assert.True(t, ok)
	assert.Equal(t, types.StepID(1), e.CurrentStep())
}

func TestEngine_StepIn(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.RunToEntry()

	ok := e.Step(types.ActionStepIn, true)
	require.True(t, ok)
	assert.Equal(t, types.StepID(1), e.CurrentStep())
}

func TestEngine_ContinueHitsBreakpoint(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.RunToEntry()
	e.AddBreakpoint("main.go", 3)

	ok := e.Step(types.ActionContinue, true)
	require.True(t, ok)

	loc, err := e.LoadLocation()
	require.NoError(t, err)
	assert.Equal(t, 3, loc.Line)
}

func TestEngine_LoadValueByName(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.RunToEntry()
	e.JumpTo(1)

	v, err := e.LoadValue("x", 3, types.LangGo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Int)

	_, err = e.LoadValue("nope", 3, types.LangGo)
	assert.Error(t, err)
}

func TestEngine_LoadLocals(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.JumpTo(1)

	locals, err := e.LoadLocals(context.Background(), 100, 1)
	require.NoError(t, err)
	require.Len(t, locals, 1)
	assert.Equal(t, "x", locals[0].Name)
	assert.Equal(t, int64(2), locals[0].Value.Int)
}

func TestEngine_LoadCallstack(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.JumpTo(0)

	frames := e.LoadCallstack()
	require.Len(t, frames, 1)
	assert.Equal(t, "main", frames[0].FunctionName)
	assert.Equal(t, 0, frames[0].Depth)
}

func TestEngine_LoadHistory(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	e.JumpTo(1)

	entries, count := e.LoadHistory(types.HistorySelector{Expression: "x", StepID: 1})
	assert.Equal(t, 2, count)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Value.Int)
	assert.Equal(t, int64(2), entries[1].Value.Int)
}

func TestEngine_BreakpointToggleAndDelete(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	bp := e.AddBreakpoint("main.go", 2)

	ok := e.ToggleBreakpoint(bp.ID)
	assert.True(t, ok)

	e.DeleteBreakpoint(bp.ID)
	ok = e.ToggleBreakpoint(bp.ID)
	assert.False(t, ok)
}

func TestEngine_JumpToOutOfRangeFails(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	assert.False(t, e.JumpTo(999))
}

func TestEngine_LocationJumpAndEventJump(t *testing.T) {
	e := New(buildLoopTrace(t), nil)
	ok := e.LocationJump("main.go", 2)
	assert.True(t, ok)
	assert.Equal(t, types.StepID(1), e.CurrentStep())

	assert.False(t, e.LocationJump("nope.go", 1))
}
