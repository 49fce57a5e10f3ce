// Package workerpool bounds concurrent ct/exec-script execution: each
// script the client asks the daemon to run goes through a fixed pool of
// workers instead of a bare goroutine-per-request, so a burst of
// concurrent script calls cannot outrun the daemon's own CPU budget.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one script run submitted to the pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
}

// WorkerPoolConfig configures the pool.
type WorkerPoolConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	MaxWorkers     int   `json:"max_workers"`
	ActiveWorkers  int   `json:"active_workers"`
	QueuedTasks    int   `json:"queued_tasks"`
	QueueSize      int   `json:"queue_size"`
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	IsRunning      bool  `json:"is_running"`
}

// Sentinel errors.
var (
	ErrPoolNotRunning = fmt.Errorf("script pool is not running")
	ErrQueueFull      = fmt.Errorf("script queue is full")
)

// WorkerPool runs a fixed number of goroutines pulling from one shared
// task queue; there is no per-worker routing, so a single slow script
// never starves the others from being picked up.
type WorkerPool struct {
	config WorkerPoolConfig
	logger *logrus.Logger

	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active    int64
	total     int64
	completed int64
	failed    int64

	mu      sync.Mutex
	running bool
}

// NewWorkerPool creates a pool (not yet started).
func NewWorkerPool(config WorkerPoolConfig, logger *logrus.Logger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.WorkerTimeout == 0 {
		config.WorkerTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		config: config,
		logger: logger,
		queue:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the fixed worker goroutines.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return nil
	}

	wp.logger.WithFields(logrus.Fields{
		"max_workers": wp.config.MaxWorkers,
		"queue_size":  wp.config.QueueSize,
	}).Info("script pool starting")

	for i := 0; i < wp.config.MaxWorkers; i++ {
		wp.wg.Add(1)
		go wp.run(i)
	}

	wp.running = true
	return nil
}

// Stop cancels in-flight scripts and waits (bounded) for workers to exit.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.running {
		return nil
	}

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("script pool stopped")
	case <-time.After(wp.config.ShutdownTimeout):
		wp.logger.Warn("script pool shutdown timed out; workers still draining")
	}

	wp.running = false
	return nil
}

// SubmitTask enqueues a script run, failing fast if the queue is full.
func (wp *WorkerPool) SubmitTask(task Task) error {
	wp.mu.Lock()
	running := wp.running
	wp.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}

	atomic.AddInt64(&wp.total, 1)
	select {
	case wp.queue <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.failed, 1)
		return ErrQueueFull
	}
}

// GetStats returns a snapshot of pool activity.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.Lock()
	running := wp.running
	wp.mu.Unlock()
	return WorkerPoolStats{
		MaxWorkers:     wp.config.MaxWorkers,
		ActiveWorkers:  int(atomic.LoadInt64(&wp.active)),
		QueuedTasks:    len(wp.queue),
		QueueSize:      wp.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&wp.total),
		CompletedTasks: atomic.LoadInt64(&wp.completed),
		FailedTasks:    atomic.LoadInt64(&wp.failed),
		IsRunning:      running,
	}
}

// run is one worker's task loop: pull a script, execute it under a
// per-task timeout, repeat until the pool is cancelled.
func (wp *WorkerPool) run(id int) {
	defer wp.wg.Done()
	log := wp.logger.WithField("worker_id", id)
	log.Debug("script worker started")

	for {
		select {
		case task := <-wp.queue:
			wp.execute(log, task)
		case <-wp.ctx.Done():
			log.Debug("script worker stopping")
			return
		}
	}
}

func (wp *WorkerPool) execute(log *logrus.Entry, task Task) {
	atomic.AddInt64(&wp.active, 1)
	defer atomic.AddInt64(&wp.active, -1)

	taskCtx, cancel := context.WithTimeout(wp.ctx, wp.config.WorkerTimeout)
	defer cancel()

	start := time.Now()
	err := task.Execute(taskCtx)
	elapsed := time.Since(start)

	if err != nil {
		atomic.AddInt64(&wp.failed, 1)
		log.WithFields(logrus.Fields{"task_id": task.ID, "duration": elapsed, "error": err}).
			Error("script run failed")
		return
	}
	atomic.AddInt64(&wp.completed, 1)
	log.WithFields(logrus.Fields{"task_id": task.ID, "duration": elapsed}).
		Debug("script run completed")
}
