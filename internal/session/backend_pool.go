package session

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "codetracer-core/pkg/errors"
)

// BackendPool spawns and tracks one replay-backend subprocess per
// session. Grounded on the teacher's pkg/docker/pool_manager.go
// pooled-handle-with-health-state design: PooledClient's
// id/inUse/lastUsed/healthy fields map directly onto Backend, with the
// Docker API client swapped for an os/exec.Cmd since backends here are
// plain OS subprocesses speaking DAP over stdio, not containers.
type BackendPool struct {
	mu       sync.Mutex
	backends map[string]*Backend
	logger   *logrus.Logger
}

// Backend is one running replay-backend subprocess.
type Backend struct {
	ID       string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	healthy  bool
	lastUsed time.Time
	mu       sync.Mutex
}

// NewBackendPool constructs an empty pool.
func NewBackendPool(logger *logrus.Logger) *BackendPool {
	return &BackendPool{
		backends: make(map[string]*Backend),
		logger:   logger,
	}
}

// Spawn starts binaryPath with args, wiring its stdin/stdout for DAP
// framing and capturing stderr into the daemon log. Returns a Backend
// whose Conn() implements io.ReadWriter for internal/handshake.Run.
func (p *BackendPool) Spawn(ctx context.Context, binaryPath string, args []string) (*Backend, error) {
	cmd := exec.Command(binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.SystemError("spawn-backend", "failed to open stdin pipe").Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SystemError("spawn-backend", "failed to open stdout pipe").Wrap(err)
	}

	id := "backend-" + uuid.NewString()

	stderr := &logWriter{logger: p.logger, backendID: id}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.SystemError("spawn-backend", "failed to start backend process").Wrap(err)
	}

	b := &Backend{ID: id, cmd: cmd, stdin: stdin, stdout: stdout, healthy: true, lastUsed: time.Now()}

	p.mu.Lock()
	p.backends[id] = b
	p.mu.Unlock()

	return b, nil
}

// Conn returns an io.ReadWriteCloser over the backend's stdin/stdout
// pipes. Closing it closes the stdin pipe only (the backend is killed
// via Kill, not via closing its stdout).
func (b *Backend) Conn() io.ReadWriteCloser {
	return &pipeConn{w: b.stdin, r: b.stdout}
}

// PID returns the backend subprocess's OS process id, for
// pkg/leakdetection to sample RSS/FD usage against.
func (b *Backend) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Touch records activity and marks the backend healthy.
func (b *Backend) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = time.Now()
	b.healthy = true
}

// MarkUnhealthy flags the backend as failed (e.g. after a handshake
// timeout or a broken pipe); Healthy then reports false. Nothing kills
// or respawns the backend because of the flag.
func (b *Backend) MarkUnhealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = false
}

// Healthy reports the backend's last known health state.
func (b *Backend) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// Kill terminates the backend process and releases its pipes.
func (p *BackendPool) Kill(id string) error {
	p.mu.Lock()
	b, ok := p.backends[id]
	if ok {
		delete(p.backends, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	b.stdin.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	_ = b.cmd.Wait()
	return nil
}

// Get returns the backend registered under id, or nil.
func (p *BackendPool) Get(id string) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backends[id]
}

// KillAll terminates every tracked backend, used on daemon shutdown.
func (p *BackendPool) KillAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.backends))
	for id := range p.backends {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Kill(id)
	}
}

type pipeConn struct {
	w io.Writer
	r io.Reader
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) Close() error {
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// logWriter adapts a backend's stderr stream into structured log lines
// instead of letting it escape to the daemon's own stderr unlabeled.
type logWriter struct {
	logger    *logrus.Logger
	backendID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.WithField("backend", w.backendID).Warn(string(p))
	}
	return len(p), nil
}
