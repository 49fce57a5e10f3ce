package tracepoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/pkg/types"
)

type fakeSource struct {
	vals map[string]types.Value
}

func (f fakeSource) LoadValue(expr string, depthLimit int, lang types.Language) (types.Value, error) {
	v, ok := f.vals[expr]
	if !ok {
		return types.Value{}, fmt.Errorf("no such variable: %s", expr)
	}
	return v, nil
}

func TestInterpreter_EvaluateSimpleLog(t *testing.T) {
	ti := NewInterpreter()
	require.NoError(t, ti.Register(0, "log(x)"))

	src := fakeSource{vals: map[string]types.Value{"x": {Kind: types.ValInt, Int: 42}}}
	out := ti.Evaluate(0, src, types.LangGo)

	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].Name)
	assert.Equal(t, int64(42), out[0].Value.Int)
}

func TestInterpreter_EvaluateIfTakesThenBranch(t *testing.T) {
	ti := NewInterpreter()
	require.NoError(t, ti.Register(0, "if x > 1 { log(x) } else { log(y) }"))

	src := fakeSource{vals: map[string]types.Value{
		"x": {Kind: types.ValInt, Int: 5},
		"y": {Kind: types.ValInt, Int: 99},
	}}
	out := ti.Evaluate(0, src, types.LangGo)

	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].Name)
	assert.Equal(t, int64(5), out[0].Value.Int)
}

func TestInterpreter_EvaluateIfTakesElseBranch(t *testing.T) {
	ti := NewInterpreter()
	require.NoError(t, ti.Register(0, "if x > 1 { log(x) } else { log(y) }"))

	src := fakeSource{vals: map[string]types.Value{
		"x": {Kind: types.ValInt, Int: 0},
		"y": {Kind: types.ValInt, Int: 99},
	}}
	out := ti.Evaluate(0, src, types.LangGo)

	require.Len(t, out, 1)
	assert.Equal(t, "y", out[0].Name)
	assert.Equal(t, int64(99), out[0].Value.Int)
}

func TestInterpreter_CompileErrorSurfacesAsInlineError(t *testing.T) {
	ti := NewInterpreter()
	err := ti.Register(0, "log(")
	require.Error(t, err)
	require.NotEmpty(t, ti.CompileErrors(0))

	out := ti.Evaluate(0, fakeSource{}, types.LangGo)
	require.Len(t, out, 1)
	assert.Equal(t, "ERROR", out[0].Name)
	assert.True(t, out[0].Value.IsErr())
}

func TestInterpreter_MissingVariableFaultsInline(t *testing.T) {
	ti := NewInterpreter()
	require.NoError(t, ti.Register(0, "log(missing)"))

	out := ti.Evaluate(0, fakeSource{vals: map[string]types.Value{}}, types.LangGo)
	require.Len(t, out, 1)
	assert.True(t, out[0].Value.IsErr())
}

func TestInterpreter_UnregisterClearsState(t *testing.T) {
	ti := NewInterpreter()
	require.NoError(t, ti.Register(0, "log(x)"))
	ti.Unregister(0)

	assert.Empty(t, ti.CompileErrors(0))
	out := ti.Evaluate(0, fakeSource{}, types.LangGo)
	assert.Empty(t, out)
}
