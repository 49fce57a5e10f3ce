// Package script runs a user-supplied shell script against a loaded
// trace session on behalf of the `ct/exec-script` daemon command.
//
// Grounded on original_source/src/backend-manager/src/script_executor.rs:
// the concurrent stdout/stderr capture, the 30-second default timeout,
// and the "timeout kills the child and reports exit code 124" contract
// are ported directly. The original always spawns `python3 -c <wrapper>`
// against a generated Python wrapper that opens the trace through the
// CodeTracer Python API; SPEC_FULL.md §5 replaces the fixed interpreter
// with a configurable shell (`CODETRACER_SCRIPT_SHELL`, default
// `/bin/sh -c`) so the daemon does not hard-depend on a Python runtime
// being present.
package script

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	apperrors "codetracer-core/pkg/errors"
)

// DefaultTimeout is the execution budget applied when the caller does
// not specify one.
const DefaultTimeout = 30 * time.Second

// TimeoutExitCode matches the exit code used by the timeout(1) coreutil,
// and by script_executor.rs's TIMEOUT_EXIT_CODE.
const TimeoutExitCode = 124

// DefaultShell is used when CODETRACER_SCRIPT_SHELL is unset.
const DefaultShell = "/bin/sh -c"

// Result is what executing a script produces.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Run executes script under the shell named by CODETRACER_SCRIPT_SHELL
// (or DefaultShell), bounded by timeout (DefaultTimeout if zero).
// Stdin is not attached, matching the original's "avoid blocking on tty
// reads" rationale. A spawn failure (shell binary missing) is returned
// as an error; a script that runs but fails is reported as a Result
// with a non-zero ExitCode, never as an error.
func Run(ctx context.Context, scriptSrc string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	shell, arg := resolveShell()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, arg, scriptSrc)
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			Stderr:   "script execution timed out after " + timeout.String(),
			ExitCode: TimeoutExitCode,
			TimedOut: true,
		}, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return &Result{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		return nil, apperrors.ScriptError(apperrors.CodeScriptSpawnFailed, "run-script", "failed to spawn script shell").Wrap(err)
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// resolveShell splits CODETRACER_SCRIPT_SHELL (or DefaultShell) into the
// executable and its single "run this argument" flag, e.g.
// "/bin/sh -c" -> ("/bin/sh", "-c").
func resolveShell() (shell, flag string) {
	spec := os.Getenv("CODETRACER_SCRIPT_SHELL")
	if spec == "" {
		spec = DefaultShell
	}
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		fields = strings.Fields(DefaultShell)
	}
	if len(fields) == 1 {
		return fields[0], "-c"
	}
	return fields[0], fields[1]
}
