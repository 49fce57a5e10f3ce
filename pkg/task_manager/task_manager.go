// Package task_manager runs the dispatcher's cooperative background
// tasks: one per client connection and one per backend reader loop.
// Session TTL timers are not tasks here. Each task is named so a stuck one (missed
// heartbeats) shows up as a diagnostic instead of an invisible hang.
package task_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codetracer-core/pkg/types"

	"github.com/sirupsen/logrus"
)

// Config configures heartbeat timeout and cleanup cadence.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 1 * time.Minute
	}
}

type taskState string

const (
	stateRunning   taskState = "running"
	stateCompleted taskState = "completed"
	stateFailed    taskState = "failed"
	stateStopped   taskState = "stopped"
)

// trackedTask is one running or finished background task.
type trackedTask struct {
	id            string
	state         taskState
	startedAt     time.Time
	lastHeartbeat time.Time
	errorCount    int64
	lastError     string
	cancel        context.CancelFunc
	done          chan struct{}
}

func (t *trackedTask) snapshot() types.TaskStatus {
	return types.TaskStatus{
		ID:            t.id,
		State:         string(t.state),
		StartedAt:     t.startedAt,
		LastHeartbeat: t.lastHeartbeat,
		ErrorCount:    t.errorCount,
		LastError:     t.lastError,
	}
}

// manager is the cooperative task runner backing client connections
// and backend reader loops.
type manager struct {
	config Config
	log    *logrus.Logger

	mu    sync.RWMutex
	tasks map[string]*trackedTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a task manager and starts its cleanup loop.
func New(config Config, log *logrus.Logger) types.TaskManager {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &manager{
		config: config,
		log:    log,
		tasks:  make(map[string]*trackedTask),
		ctx:    ctx,
		cancel: cancel,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupLoop()
	}()

	return m
}

// StartTask starts a new named task, replacing a finished task
// registered under the same id. An id whose task is still running is
// rejected with an error.
func (m *manager) StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error {
	m.mu.Lock()
	if existing, ok := m.tasks[taskID]; ok {
		if existing.state == stateRunning {
			m.mu.Unlock()
			return fmt.Errorf("task %s is already running", taskID)
		}
		existing.cancel()
		done := existing.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &trackedTask{
		id:            taskID,
		state:         stateRunning,
		startedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	m.tasks[taskID] = t
	m.mu.Unlock()

	go m.run(t, taskCtx, fn)
	m.log.WithField("task_id", taskID).Info("task started")
	return nil
}

// run executes fn outside the manager's lock, recovering a panic into
// a failed state rather than crashing the daemon.
func (m *manager) run(t *trackedTask, ctx context.Context, fn func(context.Context) error) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			m.finish(t, stateFailed, fmt.Sprintf("panic: %v", r))
			m.log.WithFields(logrus.Fields{"task_id": t.id, "error": r}).Error("task panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		m.finish(t, stateFailed, err.Error())
		m.log.WithFields(logrus.Fields{"task_id": t.id, "error": err}).Error("task failed")
		return
	}
	m.finish(t, stateCompleted, "")
	m.log.WithField("task_id", t.id).Info("task completed")
}

func (m *manager) finish(t *trackedTask, state taskState, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.state = state
	if lastError != "" {
		t.errorCount++
		t.lastError = lastError
	} else {
		t.lastError = ""
	}
}

// StopTask cancels a running task and waits (bounded) for it to exit.
func (m *manager) StopTask(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.state != stateRunning {
		m.mu.Unlock()
		return fmt.Errorf("task %s is not running", taskID)
	}
	t.cancel()
	done := t.done
	m.mu.Unlock()

	select {
	case <-done:
		m.mu.Lock()
		t.state = stateStopped
		m.mu.Unlock()
		m.log.WithField("task_id", taskID).Info("task stopped")
	case <-time.After(10 * time.Second):
		m.mu.Lock()
		t.state = stateFailed
		t.lastError = "stop timeout"
		m.mu.Unlock()
		m.log.WithField("task_id", taskID).Warn("task stop timed out")
	}
	return nil
}

// Heartbeat records activity for a task, resetting its timeout clock.
func (m *manager) Heartbeat(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.lastHeartbeat = time.Now()
	return nil
}

// GetTaskStatus returns a snapshot of one task's state.
func (m *manager) GetTaskStatus(taskID string) types.TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return types.TaskStatus{ID: taskID, State: "not_found"}
	}
	return t.snapshot()
}

// GetAllTasks returns a snapshot of every tracked task.
func (m *manager) GetAllTasks() map[string]types.TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.TaskStatus, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = t.snapshot()
	}
	return out
}

func (m *manager) cleanupLoop() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap cancels heartbeat-timed-out tasks and drops finished tasks more
// than an hour old.
func (m *manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var stale []string
	for id, t := range m.tasks {
		if t.state == stateRunning && now.Sub(t.lastHeartbeat) > m.config.TaskTimeout {
			m.log.WithField("task_id", id).Warn("task heartbeat timeout, stopping")
			t.cancel()
			t.state = stateFailed
			t.lastError = "heartbeat timeout"
		}
		if t.state != stateRunning && now.Sub(t.startedAt) > time.Hour {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.tasks, id)
		m.log.WithField("task_id", id).Debug("task record reaped")
	}
}

// Cleanup stops the cleanup loop and every running task.
func (m *manager) Cleanup() {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("task manager background loop stopped")
	case <-time.After(10 * time.Second):
		m.log.Warn("timeout waiting for task manager background loop")
	}

	m.mu.Lock()
	running := make([]*trackedTask, 0)
	for _, t := range m.tasks {
		if t.state == stateRunning {
			t.cancel()
			running = append(running, t)
		}
	}
	m.mu.Unlock()

	for _, t := range running {
		select {
		case <-t.done:
		case <-time.After(5 * time.Second):
			m.log.WithField("task_id", t.id).Warn("task did not exit during cleanup")
		}
	}

	m.log.Info("task manager cleanup complete")
}
