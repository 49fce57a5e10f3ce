// Package buffer holds the per-client outbox: a bounded in-memory queue
// of DAP frames a client connection's writer couldn't keep up with, so a
// slow reader on the wire doesn't block the backend-reader task feeding
// it. Session state does not survive a daemon restart, so the outbox
// never spills to disk: a client that disappears loses its backlog along
// with the rest of its session, same as before a buffer existed.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// OutboxConfig bounds one client's outbox.
type OutboxConfig struct {
	// BaseDir is accepted for call-site compatibility with the
	// per-client directory the dispatcher derives; the outbox never
	// reads it and holds nothing on disk.
	BaseDir string
	// MaxEntries bounds the number of frames retained; once full, the
	// oldest frame is dropped to admit the newest.
	MaxEntries int
	// MaxBytes additionally bounds total buffered payload size.
	MaxBytes int64
}

// OutboxStats is a point-in-time snapshot of one outbox.
type OutboxStats struct {
	TotalWrites    int64 `json:"total_writes"`
	Dropped        int64 `json:"dropped"`
	CurrentEntries int   `json:"current_entries"`
	CurrentBytes   int64 `json:"current_bytes"`
}

// OutboxBuffer is a bounded in-memory FIFO of pending outbound frames
// for one client connection.
type OutboxBuffer struct {
	mu      sync.Mutex
	cfg     OutboxConfig
	log     *logrus.Logger
	entries []json.RawMessage
	bytes   int64
	stats   OutboxStats
	closed  bool
}

// NewDiskBuffer constructs a client outbox. The name is kept from the
// dispatcher's call sites; nothing here touches disk.
func NewDiskBuffer(cfg OutboxConfig, log *logrus.Logger) (*OutboxBuffer, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 16 << 20
	}
	return &OutboxBuffer{cfg: cfg, log: log}, nil
}

// Write enqueues one frame, evicting the oldest as needed to respect
// both MaxEntries and MaxBytes.
func (b *OutboxBuffer) Write(entry json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("outbox buffer is closed")
	}

	size := int64(len(entry))
	b.entries = append(b.entries, entry)
	b.bytes += size
	b.stats.TotalWrites++

	for (len(b.entries) > b.cfg.MaxEntries || b.bytes > b.cfg.MaxBytes) && len(b.entries) > 1 {
		b.bytes -= int64(len(b.entries[0]))
		b.entries = b.entries[1:]
		b.stats.Dropped++
	}

	return nil
}

// ReadAll drains every buffered frame, oldest first.
func (b *OutboxBuffer) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := b.entries
	b.entries = nil
	b.bytes = 0
	return out, nil
}

// GetStats returns a snapshot of outbox activity.
func (b *OutboxBuffer) GetStats() OutboxStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.CurrentEntries = len(b.entries)
	stats.CurrentBytes = b.bytes
	return stats
}

// Close discards the backlog. Called when a client connection is torn
// down; there is nothing left to flush to.
func (b *OutboxBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.entries = nil
	b.bytes = 0
	return nil
}
