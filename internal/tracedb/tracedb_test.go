package tracedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/pkg/types"
)

// buildSimpleTrace constructs a two-step, one-call database: main() at
// main.go, with a local `x` assigned 1 then reassigned 2 via the
// CellValue/AssignCell place graph.
func buildSimpleTrace(t *testing.T) *Database {
	t.Helper()
	events := []LowLevelEvent{
		{Tag: EvPath, Path: "main.go"},
		{Tag: EvFunction, Function: types.Function{Name: "main", DeclarationLine: 1, PathID: 0}},
		{Tag: EvVariableName, VariableName: "x"},
		{Tag: EvCall, Call: CallRecord{FunctionID: 0}},
		{Tag: EvStep, PathID: 0, Line: 2},
		{Tag: EvVariableCell, VariableID: 0, Place: 100},
		{Tag: EvCellValue, Place: 100, CompoundVal: types.Value{Kind: types.ValInt, Int: 1}},
		{Tag: EvStep, PathID: 0, Line: 3},
		{Tag: EvAssignCell, Place: 100, CompoundVal: types.Value{Kind: types.ValInt, Int: 2}},
		{Tag: EvReturn, ReturnValue: types.Value{Kind: types.ValInt, Int: 2}},
	}
	db, err := Build("/work", events)
	require.NoError(t, err)
	return db
}

func TestBuild_StepsAndCalls(t *testing.T) {
	db := buildSimpleTrace(t)
	require.Len(t, db.Steps, 2)
	require.Len(t, db.Calls, 1)
	assert.Equal(t, int64(0), db.Calls[0].FunctionID)
	assert.Equal(t, types.EndNormal, db.EndOfProgram.Kind)
}

func TestLoadValue_FollowsPlaceGraphOverTime(t *testing.T) {
	db := buildSimpleTrace(t)

	v1 := db.LoadValue(0, 0)
	require.False(t, v1.IsErr(), v1.ErrorMessage)
	assert.Equal(t, int64(1), v1.Int)

	v2 := db.LoadValue(0, 1)
	require.False(t, v2.IsErr(), v2.ErrorMessage)
	assert.Equal(t, int64(2), v2.Int)
}

func TestLoadValue_UnknownVariableIsInlineError(t *testing.T) {
	db := buildSimpleTrace(t)
	v := db.LoadValue(99, 0)
	assert.True(t, v.IsErr())
}

func TestStepOverDepths_NestedCall(t *testing.T) {
	events := []LowLevelEvent{
		{Tag: EvPath, Path: "main.go"},
		{Tag: EvFunction, Function: types.Function{Name: "outer"}},
		{Tag: EvFunction, Function: types.Function{Name: "inner"}},
		{Tag: EvCall, Call: CallRecord{FunctionID: 0}},
		{Tag: EvStep, PathID: 0, Line: 1},
		{Tag: EvCall, Call: CallRecord{FunctionID: 1}},
		{Tag: EvStep, PathID: 0, Line: 10},
		{Tag: EvReturn, ReturnValue: types.Value{Kind: types.ValNone}},
		{Tag: EvStep, PathID: 0, Line: 2},
		{Tag: EvReturn, ReturnValue: types.Value{Kind: types.ValNone}},
	}
	db, err := Build("/work", events)
	require.NoError(t, err)
	require.Len(t, db.Steps, 3)

	// Step 0 (outer, depth 0) "next" should skip over the inner call's
	// step entirely and land on step 2 (outer, depth 0, line 2).
	next, progressed := db.NextStepIDRelativeTo(0, true, true)
	assert.True(t, progressed)
	assert.Equal(t, types.StepID(2), next)
}

func TestDatabase_PathAndStepMapLookup(t *testing.T) {
	db := buildSimpleTrace(t)
	assert.Equal(t, "main.go", db.PathFor(0))

	ids, ok := db.StepMap[0][2]
	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, types.StepID(0), ids[0])
}

func TestBuild_ReturnWithEmptyCallStackFails(t *testing.T) {
	_, err := Build("/work", []LowLevelEvent{{Tag: EvReturn}})
	assert.Error(t, err)
}
