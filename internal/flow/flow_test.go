package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/internal/tracedb"
	"codetracer-core/pkg/types"
)

func buildSingleCallTrace(t *testing.T) *tracedb.Database {
	t.Helper()
	events := []tracedb.LowLevelEvent{
		{Tag: tracedb.EvPath, Path: "main.go"},
		{Tag: tracedb.EvFunction, Function: types.Function{Name: "main"}},
		{Tag: tracedb.EvCall, Call: tracedb.CallRecord{FunctionID: 0}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 1},
		{Tag: tracedb.EvStep, PathID: 0, Line: 2},
		{Tag: tracedb.EvStep, PathID: 0, Line: 3},
		{Tag: tracedb.EvReturn, ReturnValue: types.Value{Kind: types.ValInt, Int: 7}},
	}
	db, err := tracedb.Build("/work", events)
	require.NoError(t, err)
	return db
}

func buildNestedCallTrace(t *testing.T) *tracedb.Database {
	t.Helper()
	events := []tracedb.LowLevelEvent{
		{Tag: tracedb.EvPath, Path: "main.go"},
		{Tag: tracedb.EvFunction, Function: types.Function{Name: "outer"}},
		{Tag: tracedb.EvFunction, Function: types.Function{Name: "inner"}},
		{Tag: tracedb.EvCall, Call: tracedb.CallRecord{FunctionID: 0}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 1},
		{Tag: tracedb.EvCall, Call: tracedb.CallRecord{FunctionID: 1}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 10},
		{Tag: tracedb.EvReturn, ReturnValue: types.Value{Kind: types.ValNone}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 2},
		{Tag: tracedb.EvReturn, ReturnValue: types.Value{Kind: types.ValNone}},
	}
	db, err := tracedb.Build("/work", events)
	require.NoError(t, err)
	return db
}

func TestReconstructor_LoadWalksCallInOrder(t *testing.T) {
	r := New(buildSingleCallTrace(t), nil, types.FlowConfig{})
	update := r.Load(0)

	require.True(t, update.Finished)
	require.Len(t, update.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{update.Steps[0].Line, update.Steps[1].Line, update.Steps[2].Line})
	assert.Equal(t, types.StepID(0), update.Steps[0].StepID)
	assert.Equal(t, types.StepID(2), update.Steps[2].StepID)
}

func TestReconstructor_LoadDiffSelectsOnlyMatchingCall(t *testing.T) {
	r := New(buildNestedCallTrace(t), nil, types.FlowConfig{})
	diffLines := map[string]map[int]bool{"main.go": {10: true}}
	update := r.LoadDiff(diffLines)

	require.Len(t, update.Steps, 1)
	assert.Equal(t, 10, update.Steps[0].Line)
	assert.Equal(t, types.StepID(1), update.Steps[0].StepID)
}

func TestReconstructor_DefaultConfigAppliedWhenZero(t *testing.T) {
	r := New(buildSingleCallTrace(t), nil, types.FlowConfig{})
	assert.Equal(t, types.DefaultFlowConfig().MaxTrackedIterations, r.cfg.MaxTrackedIterations)
}
