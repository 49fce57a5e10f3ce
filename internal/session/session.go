// Package session tracks which trace directories are currently loaded,
// assigns each an idle-timeout (TTL) timer, and notifies the daemon
// loop when a session expires so the corresponding backend can be
// stopped.
//
// Grounded on original_source/src/backend-manager/src/session.rs: the
// same add/remove/reset_ttl/list_sessions surface and TTL-timer-over-a-
// channel design, ported from tokio::spawn+JoinHandle to a goroutine
// per session driven by time.Timer, with expiry delivered on a Go
// channel with a one-slot buffer instead of an mpsc::UnboundedSender.
package session

import (
	"path/filepath"
	"sync"
	"time"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/types"
)

// Manager tracks active sessions keyed by canonical trace path.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	defaultTTL  time.Duration
	maxSessions int
	expiry      chan string
}

type entry struct {
	session *types.Session
	timer   *time.Timer
}

// New constructs a Manager. The returned channel receives a session's
// canonical path whenever its idle timer fires without being reset;
// the daemon loop should drain it and call whatever stops that
// session's backend.
func New(defaultTTL time.Duration, maxSessions int) (*Manager, <-chan string) {
	expiry := make(chan string, 1)
	m := &Manager{
		sessions:    make(map[string]*entry),
		defaultTTL:  defaultTTL,
		maxSessions: maxSessions,
		expiry:      expiry,
	}
	return m, expiry
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Has reports whether a session is loaded for path.
func (m *Manager) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[canonical(path)]
	return ok
}

// Add registers a new session for path bound to backendID, starting
// its TTL timer. Fails with CodeSessionMaxReached if the manager is at
// capacity, or CodeSessionAlreadyLoaded if path is already tracked.
func (m *Manager) Add(path, backendID string, meta types.TraceMetadata) (*types.Session, error) {
	path = canonical(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, apperrors.SessionError(apperrors.CodeSessionMaxReached, "add-session",
			"maximum number of sessions reached").WithMetadata("max", m.maxSessions)
	}
	if _, exists := m.sessions[path]; exists {
		return nil, apperrors.SessionError(apperrors.CodeSessionAlreadyLoaded, "add-session",
			"session already loaded for "+path)
	}

	now := time.Now()
	sess := &types.Session{
		BackendID:      backendID,
		CanonicalPath:  path,
		Language:       meta.Language,
		TotalEvents:    meta.TotalEvents,
		SourceFiles:    meta.SourceFiles,
		Program:        meta.Program,
		Workdir:        meta.Workdir,
		State:          types.SessionStarting,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	e := &entry{session: sess}
	e.timer = time.AfterFunc(m.defaultTTL, func() { m.fireExpiry(path) })
	m.sessions[path] = e

	return sess, nil
}

func (m *Manager) fireExpiry(path string) {
	select {
	case m.expiry <- path:
	default:
		// Channel full and daemon loop not currently draining; the
		// session stays registered and its timer is re-armed so the
		// expiry is retried shortly instead of blocking this timer
		// goroutine.
		const expiryRetryDelay = 100 * time.Millisecond
		m.mu.Lock()
		if e, ok := m.sessions[path]; ok {
			e.timer.Reset(expiryRetryDelay)
		}
		m.mu.Unlock()
	}
}

// Remove stops path's TTL timer and drops the session, returning its
// backend id so the caller can stop the backend. Returns ("", false)
// if no session was loaded for path.
func (m *Manager) Remove(path string) (backendID string, ok bool) {
	path = canonical(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.sessions[path]
	if !exists {
		return "", false
	}
	e.timer.Stop()
	delete(m.sessions, path)
	return e.session.BackendID, true
}

// ResetTTL restarts path's idle timer at the default duration. A no-op
// if path is not tracked.
func (m *Manager) ResetTTL(path string) {
	path = canonical(path)

	m.mu.Lock()
	e, exists := m.sessions[path]
	m.mu.Unlock()
	if !exists {
		return
	}
	e.timer.Stop()
	e.timer.Reset(m.defaultTTL)
	e.session.Touch()
}

// Get returns the session for path, or nil if not loaded.
func (m *Manager) Get(path string) *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[canonical(path)]; ok {
		return e.session
	}
	return nil
}

// List returns every active session, sorted by no particular order
// (callers needing stable output should sort on CanonicalPath).
func (m *Manager) List() []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	return out
}

// PathForBackend finds the canonical path bound to backendID.
func (m *Manager) PathForBackend(backendID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, e := range m.sessions {
		if e.session.BackendID == backendID {
			return path, true
		}
	}
	return "", false
}

func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
