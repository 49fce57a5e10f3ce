// Package goroutines tracks the cooperative tasks the dispatcher spawns
// per client and per backend (spec §5: one reader task per
// connection) so a stuck read or a backend that never exits shows up as
// a diagnostic instead of an invisible leaked goroutine.
package goroutines

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskTracker records the lifetime of every client-reader and
// backend-reader task the dispatcher starts, and periodically checks
// whether the live goroutine count has drifted past what those tracked
// tasks account for (a sign something outside the tracked set leaked).
type TaskTracker struct {
	config TaskTrackerConfig
	log    *logrus.Logger

	mu      sync.RWMutex
	tasks   map[string]*TrackedTask
	byKind  map[string]int
	baseline int
	maxSeen  int
	start    time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// TaskTrackerConfig configures the periodic drift check.
type TaskTrackerConfig struct {
	Enabled       bool
	CheckInterval time.Duration
	// DriftThreshold is how many goroutines above the number of active
	// tracked tasks is tolerated before a warning is logged.
	DriftThreshold int
	// StaleAfter flags a tracked task as suspect once it has been
	// active this long without completing (a backend-reader or
	// client-reader that should have exited with its connection).
	StaleAfter time.Duration
}

// DefaultGoroutineConfig returns the tracker's operating defaults.
func DefaultGoroutineConfig() TaskTrackerConfig {
	return TaskTrackerConfig{
		Enabled:        true,
		CheckInterval:  30 * time.Second,
		DriftThreshold: 50,
		StaleAfter:     10 * time.Minute,
	}
}

// TrackedTask is one in-flight client-reader or backend-reader task.
type TrackedTask struct {
	Kind      string // "client-reader" or "backend-reader"
	Source    string // client id or backend id
	StartedAt time.Time
}

// TaskStats is a point-in-time snapshot for diagnostics/metrics.
type TaskStats struct {
	LiveGoroutines int            `json:"live_goroutines"`
	Baseline       int            `json:"baseline"`
	MaxSeen        int            `json:"max_seen"`
	ActiveTasks    int            `json:"active_tasks"`
	TasksByKind    map[string]int `json:"tasks_by_kind"`
	Stale          []string       `json:"stale,omitempty"`
	Uptime         time.Duration  `json:"uptime"`
}

// NewGoroutineTracker constructs a tracker. The daemon holds exactly one,
// shared across every client and backend connection it serves.
func NewGoroutineTracker(config TaskTrackerConfig, log *logrus.Logger) *TaskTracker {
	return &TaskTracker{
		config:   config,
		log:      log,
		tasks:    make(map[string]*TrackedTask),
		byKind:   make(map[string]int),
		baseline: runtime.NumGoroutine(),
		start:    time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic drift check. A no-op if disabled.
func (t *TaskTracker) Start(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}
	t.wg.Add(1)
	go t.checkLoop()
	return nil
}

// Stop halts the drift check and waits for it to exit.
func (t *TaskTracker) Stop() error {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return nil
}

func (t *TaskTracker) checkLoop() {
	defer t.wg.Done()
	if t.config.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.checkDrift()
		}
	}
}

func (t *TaskTracker) checkDrift() {
	stats := t.GetStats()
	if stats.LiveGoroutines > stats.Baseline+stats.ActiveTasks+t.config.DriftThreshold {
		t.log.WithFields(logrus.Fields{
			"live_goroutines": stats.LiveGoroutines,
			"active_tasks":    stats.ActiveTasks,
			"baseline":        stats.Baseline,
		}).Warn("goroutine count exceeds tracked client/backend tasks by more than the drift threshold")
	}
	if len(stats.Stale) > 0 {
		t.log.WithField("stale_tasks", stats.Stale).Warn("client-reader/backend-reader task has outlived its stale threshold")
	}
}

// Track registers a new task (a client-reader or backend-reader loop)
// and returns a closure the caller defers to mark it finished.
func (t *TaskTracker) Track(kind, source string) func() {
	id := fmt.Sprintf("%s:%s:%d", kind, source, time.Now().UnixNano())
	task := &TrackedTask{Kind: kind, Source: source, StartedAt: time.Now()}

	t.mu.Lock()
	t.tasks[id] = task
	t.byKind[kind]++
	if n := runtime.NumGoroutine(); n > t.maxSeen {
		t.maxSeen = n
	}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.tasks, id)
		t.byKind[kind]--
		t.mu.Unlock()
	}
}

// GetStats returns a snapshot of tracked tasks and live goroutine count.
func (t *TaskTracker) GetStats() TaskStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byKind := make(map[string]int, len(t.byKind))
	for k, v := range t.byKind {
		byKind[k] = v
	}

	var stale []string
	cutoff := time.Now().Add(-t.config.StaleAfter)
	for id, task := range t.tasks {
		if t.config.StaleAfter > 0 && task.StartedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	return TaskStats{
		LiveGoroutines: runtime.NumGoroutine(),
		Baseline:       t.baseline,
		MaxSeen:        t.maxSeen,
		ActiveTasks:    len(t.tasks),
		TasksByKind:    byKind,
		Stale:          stale,
		Uptime:         time.Since(t.start),
	}
}
