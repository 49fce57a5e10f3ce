// Package discovery locates a running daemon instance for `daemon
// stop`/`daemon status`/client auto-connect, the way the teacher's
// service discovery located live backend instances — but over a pidfile
// and a Unix socket instead of the Docker API and a filesystem watch,
// since a codetracer daemon is a single long-lived local process rather
// than a fleet of containers.
package discovery

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Instance describes a located daemon process.
type Instance struct {
	PID        int
	SocketPath string
}

// Locate reads pidFile and reports whether the process it names is
// still alive. A stale pidfile (process gone) is reported as not found,
// not as an error, so callers like `daemon start` can clean up and
// proceed.
func Locate(pidFile, socketPath string) (*Instance, bool, error) {
	contents, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil, false, fmt.Errorf("malformed pidfile %s: %w", pidFile, err)
	}

	if !processAlive(pid) {
		return nil, false, nil
	}

	return &Instance{PID: pid, SocketPath: socketPath}, true, nil
}

// processAlive reports whether pid names a live process, using the
// signal-0 probe: sending signal 0 performs all error checking without
// actually delivering a signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// WritePidFile records the running daemon's pid for later Locate calls.
func WritePidFile(pidFile string) error {
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// RemovePidFile cleans up on graceful shutdown. Missing file is not an
// error.
func RemovePidFile(pidFile string) error {
	err := os.Remove(pidFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stop sends SIGTERM to a located instance and reports whether the
// signal was delivered; it does not wait for the process to exit.
func Stop(inst *Instance) error {
	proc, err := os.FindProcess(inst.PID)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
