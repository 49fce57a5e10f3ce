package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_SuccessCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), "echo hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.False(t, res.TimedOut)
}

func TestRun_NonZeroExitIsResultNotError(t *testing.T) {
	res, err := Run(context.Background(), "exit 7", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRun_TimeoutReportsExitCode124(t *testing.T) {
	res, err := Run(context.Background(), "sleep 2", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)
}

func TestRun_DefaultTimeoutAppliedWhenZero(t *testing.T) {
	res, err := Run(context.Background(), "echo ok", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_CapturesStderr(t *testing.T) {
	res, err := Run(context.Background(), "echo oops 1>&2", time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Stderr, "oops")
}

func TestResolveShell_DefaultsWhenUnset(t *testing.T) {
	t.Setenv("CODETRACER_SCRIPT_SHELL", "")
	shell, flag := resolveShell()
	assert.Equal(t, "/bin/sh", shell)
	assert.Equal(t, "-c", flag)
}

func TestResolveShell_HonorsEnvOverride(t *testing.T) {
	t.Setenv("CODETRACER_SCRIPT_SHELL", "/bin/bash -c")
	shell, flag := resolveShell()
	assert.Equal(t, "/bin/bash", shell)
	assert.Equal(t, "-c", flag)
}
