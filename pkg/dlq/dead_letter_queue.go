// Package dlq holds a bounded, in-memory record of daemon-side failures
// that were not worth failing a client response over: a handshake that
// never reached Ready, or a ct/exec-script run that exited non-zero.
// Nothing here is retried or written to disk — session and request state
// does not survive a daemon restart (spec §1 non-goals), so neither does
// this ring.
package dlq

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one dead-lettered failure.
type Entry struct {
	Timestamp    time.Time         `json:"timestamp"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	ErrorMessage string            `json:"error_message"`
	ErrorType    string            `json:"error_type"`
	Source       string            `json:"source"`
	RetryCount   int               `json:"retry_count"`
	Context      map[string]string `json:"context,omitempty"`
}

// Config configures the ring.
type Config struct {
	Enabled bool
	// Capacity bounds the ring; once full, AddEntry evicts the oldest
	// entry to make room for the newest one.
	Capacity int
}

// Stats is a snapshot of ring activity.
type Stats struct {
	TotalEntries int64 `json:"total_entries"`
	Dropped      int64 `json:"dropped"`
	CurrentSize  int   `json:"current_size"`
	Capacity     int   `json:"capacity"`
}

// DeadLetterQueue is a bounded in-memory ring of failed handshakes and
// script runs, kept for ct/* diagnostics rather than for retry.
type DeadLetterQueue struct {
	mu      sync.Mutex
	cfg     Config
	log     *logrus.Logger
	entries []Entry
	total   int64
	dropped int64
	running bool
}

// NewDeadLetterQueue constructs a ring of the configured capacity
// (default 256 if unset).
func NewDeadLetterQueue(cfg Config, log *logrus.Logger) *DeadLetterQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	return &DeadLetterQueue{cfg: cfg, log: log}
}

// Start marks the ring active. There is no background loop: AddEntry is
// synchronous and Start/Stop exist only so the daemon can treat this
// component like its other lifecycle-managed subsystems.
func (q *DeadLetterQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = true
	return nil
}

// Stop marks the ring inactive; retained entries are left in place for
// inspection via Entries/GetStats until the process exits.
func (q *DeadLetterQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	return nil
}

// AddEntry records one failure. If disabled, it is a no-op. Once the
// ring is at capacity the oldest entry is dropped to make room.
func (q *DeadLetterQueue) AddEntry(payload json.RawMessage, errMsg, errType, source string, retryCount int, ctx map[string]string) error {
	if !q.cfg.Enabled {
		return nil
	}

	entry := Entry{
		Timestamp:    time.Now(),
		Payload:      payload,
		ErrorMessage: errMsg,
		ErrorType:    errType,
		Source:       source,
		RetryCount:   retryCount,
		Context:      ctx,
	}

	q.mu.Lock()
	q.total++
	if len(q.entries) >= q.cfg.Capacity {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"source": source, "error_type": errType}).
		Warn("recorded dead letter: " + errMsg)
	return nil
}

// Entries returns a copy of the currently retained entries, oldest first.
func (q *DeadLetterQueue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// GetStats returns a snapshot of ring activity.
func (q *DeadLetterQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalEntries: q.total,
		Dropped:      q.dropped,
		CurrentSize:  len(q.entries),
		Capacity:     q.cfg.Capacity,
	}
}
