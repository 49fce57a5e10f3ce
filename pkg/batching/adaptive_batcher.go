// Package batching buffers the canonical trace paths the daemon's load
// sampler marks for eviction under resource pressure, and adapts batch
// size and flush delay so the reaper sweeps a large session table in
// bounded chunks instead of evicting everything in one pass.
package batching

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// AdaptiveBatchConfig configures the batcher.
type AdaptiveBatchConfig struct {
	MinBatchSize       int           `yaml:"min_batch_size"`
	MaxBatchSize       int           `yaml:"max_batch_size"`
	InitialBatchSize   int           `yaml:"initial_batch_size"`
	MinFlushDelay      time.Duration `yaml:"min_flush_delay"`
	MaxFlushDelay      time.Duration `yaml:"max_flush_delay"`
	InitialFlushDelay  time.Duration `yaml:"initial_flush_delay"`
	AdaptationInterval time.Duration `yaml:"adaptation_interval"`
	LatencyThreshold   time.Duration `yaml:"latency_threshold"`
	ThroughputTarget   int           `yaml:"throughput_target"`
	BufferSize         int           `yaml:"buffer_size"`
}

// BatchingStats is a snapshot of batching behavior.
type BatchingStats struct {
	TotalBatches       int64   `json:"total_batches"`
	TotalItems         int64   `json:"total_items"`
	CurrentBatchSize   int32   `json:"current_batch_size"`
	CurrentFlushDelayMs int64  `json:"current_flush_delay_ms"`
	AverageLatencyMs   int64   `json:"average_latency_ms"`
	AdaptationCount    int64   `json:"adaptation_count"`
	BackpressureEvents int64   `json:"backpressure_events"`
}

// ErrBatcherStopped is returned by Add once Stop has been called.
var ErrBatcherStopped = fmt.Errorf("batcher is stopped")

// AdaptiveBatcher groups evicted session paths for the reaper to sweep,
// shrinking batch size and flush delay when flushes run slow and
// growing them back when the reaper keeps up.
type AdaptiveBatcher struct {
	config AdaptiveBatchConfig
	logger *logrus.Logger

	batchSize  int32
	flushDelay int64 // nanoseconds, accessed atomically

	mu         sync.Mutex
	pending    []string
	flushTimer *time.Timer

	avgLatency int64 // nanoseconds, accessed atomically
	out        chan []string

	done    chan struct{}
	wg      sync.WaitGroup
	running bool

	stats BatchingStats
}

// NewAdaptiveBatcher creates a batcher (not yet started).
func NewAdaptiveBatcher(config AdaptiveBatchConfig, logger *logrus.Logger) *AdaptiveBatcher {
	if config.MinBatchSize <= 0 {
		config.MinBatchSize = 10
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.InitialBatchSize <= 0 {
		config.InitialBatchSize = 100
	}
	if config.MinFlushDelay == 0 {
		config.MinFlushDelay = 50 * time.Millisecond
	}
	if config.MaxFlushDelay == 0 {
		config.MaxFlushDelay = 10 * time.Second
	}
	if config.InitialFlushDelay == 0 {
		config.InitialFlushDelay = 1 * time.Second
	}
	if config.AdaptationInterval == 0 {
		config.AdaptationInterval = 30 * time.Second
	}
	if config.LatencyThreshold == 0 {
		config.LatencyThreshold = 500 * time.Millisecond
	}
	if config.ThroughputTarget <= 0 {
		config.ThroughputTarget = 1000
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	return &AdaptiveBatcher{
		config:     config,
		logger:     logger,
		batchSize:  int32(config.InitialBatchSize),
		flushDelay: int64(config.InitialFlushDelay),
		pending:    make([]string, 0, config.InitialBatchSize),
		out:        make(chan []string, config.BufferSize),
		done:       make(chan struct{}),
	}
}

// Start begins the adaptation loop.
func (ab *AdaptiveBatcher) Start() error {
	ab.mu.Lock()
	ab.running = true
	ab.mu.Unlock()

	ab.wg.Add(1)
	go ab.adaptLoop()
	ab.logger.Info("reaper batcher started")
	return nil
}

// Stop flushes any pending paths and halts adaptation.
func (ab *AdaptiveBatcher) Stop() error {
	ab.mu.Lock()
	if !ab.running {
		ab.mu.Unlock()
		return nil
	}
	ab.running = false
	if len(ab.pending) > 0 {
		ab.flushLocked()
	}
	ab.mu.Unlock()

	close(ab.done)
	ab.wg.Wait()
	ab.logger.Info("reaper batcher stopped")
	return nil
}

// Add enqueues one path for eviction, flushing immediately once the
// batch reaches its current adaptive size.
func (ab *AdaptiveBatcher) Add(path string) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if !ab.running {
		return ErrBatcherStopped
	}

	ab.pending = append(ab.pending, path)
	ab.stats.TotalItems++

	if len(ab.pending) >= int(atomic.LoadInt32(&ab.batchSize)) {
		ab.flushLocked()
		return nil
	}
	ab.armFlushTimer()
	return nil
}

// TryGetBatch returns the next flushed batch without blocking.
func (ab *AdaptiveBatcher) TryGetBatch() ([]string, bool) {
	select {
	case batch := <-ab.out:
		return batch, true
	default:
		return nil, false
	}
}

func (ab *AdaptiveBatcher) armFlushTimer() {
	if ab.flushTimer != nil {
		ab.flushTimer.Stop()
	}
	delay := time.Duration(atomic.LoadInt64(&ab.flushDelay))
	ab.flushTimer = time.AfterFunc(delay, func() {
		ab.mu.Lock()
		defer ab.mu.Unlock()
		if len(ab.pending) > 0 {
			ab.flushLocked()
		}
	})
}

// flushLocked ships the pending batch downstream; caller holds ab.mu.
func (ab *AdaptiveBatcher) flushLocked() {
	start := time.Now()
	batch := ab.pending
	ab.pending = make([]string, 0, len(batch))

	select {
	case ab.out <- batch:
		ab.stats.TotalBatches++
		ab.recordLatency(time.Since(start))
	default:
		ab.stats.BackpressureEvents++
		ab.logger.Warn("reaper batch channel full, deferring flush")
		ab.pending = append(ab.pending, batch...)
	}

	if ab.flushTimer != nil {
		ab.flushTimer.Stop()
		ab.flushTimer = nil
	}
}

// recordLatency folds one flush latency into a 90/10 exponential moving
// average.
func (ab *AdaptiveBatcher) recordLatency(d time.Duration) {
	latency := d.Nanoseconds()
	current := atomic.LoadInt64(&ab.avgLatency)
	if current == 0 {
		atomic.StoreInt64(&ab.avgLatency, latency)
		return
	}
	atomic.StoreInt64(&ab.avgLatency, (current*9+latency)/10)
}

func (ab *AdaptiveBatcher) adaptLoop() {
	defer ab.wg.Done()
	ticker := time.NewTicker(ab.config.AdaptationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ab.adapt()
		case <-ab.done:
			return
		}
	}
}

// adapt shrinks batch size and flush delay when flushes run slow, and
// grows them back toward the configured maximum once latency recovers.
func (ab *AdaptiveBatcher) adapt() {
	latency := atomic.LoadInt64(&ab.avgLatency)
	size := int(atomic.LoadInt32(&ab.batchSize))
	delay := time.Duration(atomic.LoadInt64(&ab.flushDelay))

	newSize, newDelay, changed := size, delay, false

	if latency > int64(ab.config.LatencyThreshold) {
		if size > ab.config.MinBatchSize {
			newSize = maxInt(ab.config.MinBatchSize, size*8/10)
			changed = true
		}
		if delay > ab.config.MinFlushDelay {
			newDelay = maxDuration(ab.config.MinFlushDelay, delay*8/10)
			changed = true
		}
	} else {
		if size < ab.config.MaxBatchSize {
			newSize = minInt(ab.config.MaxBatchSize, size*12/10)
			changed = true
		}
		if delay < ab.config.MaxFlushDelay {
			newDelay = minDuration(ab.config.MaxFlushDelay, delay*11/10)
			changed = true
		}
	}

	if !changed {
		return
	}

	atomic.StoreInt32(&ab.batchSize, int32(newSize))
	atomic.StoreInt64(&ab.flushDelay, int64(newDelay))
	ab.mu.Lock()
	ab.stats.AdaptationCount++
	ab.mu.Unlock()

	ab.logger.WithFields(logrus.Fields{
		"old_batch_size": size, "new_batch_size": newSize,
		"old_flush_delay": delay, "new_flush_delay": newDelay,
		"avg_latency": time.Duration(latency),
	}).Debug("adapted reaper batch parameters")
}

// GetStats returns a snapshot of batching behavior.
func (ab *AdaptiveBatcher) GetStats() BatchingStats {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	stats := ab.stats
	stats.CurrentBatchSize = atomic.LoadInt32(&ab.batchSize)
	stats.CurrentFlushDelayMs = atomic.LoadInt64(&ab.flushDelay) / int64(time.Millisecond)
	stats.AverageLatencyMs = atomic.LoadInt64(&ab.avgLatency) / int64(time.Millisecond)
	return stats
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
