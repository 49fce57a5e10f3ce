package types

import (
	"context"
	"time"
)

// Transport is a framed, bidirectional DAP message channel. It is
// implemented once for client sockets and once for backend subprocess
// pipes; the dispatcher only ever programs against this interface,
// never against a net.Conn or os.Pipe directly.
//
// Frames carry the raw JSON payload rather than a decoded struct: the
// dispatcher forwards backend/client payloads byte-for-byte and only
// ever decodes the routing-relevant fields (see Message), matching
// spec §4.7's "never interprets payloads beyond command/seq/routing
// fields."
type Transport interface {
	// ReadFrame blocks for the next framed message's JSON payload, or
	// returns an error (including io.EOF) once the other side closes.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame frames and writes payload unchanged.
	WriteFrame(ctx context.Context, payload []byte) error
	Close() error
}

// Message is the routing-relevant projection of a DAP protocol message;
// the dispatcher never decodes Arguments/Body beyond what routing needs.
type Message struct {
	Seq       int
	Type      string // "request", "response", "event"
	Command   string // request/response command name
	Event     string // event name, when Type == "event"
	Success   bool   // response only
	RequestSeq int   // response only
	Message   string // response failure message
	Body      interface{}
	Arguments interface{}
}

// TaskManager runs named background tasks with heartbeat tracking and
// cooperative cancellation. The session manager uses one named task per
// armed TTL timer and one per backend reader/writer loop.
type TaskManager interface {
	StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error
	StopTask(taskID string) error
	Heartbeat(taskID string) error
	GetTaskStatus(taskID string) TaskStatus
	GetAllTasks() map[string]TaskStatus
	Cleanup()
}

// TaskStatus is a point-in-time snapshot of a background task.
type TaskStatus struct {
	ID            string
	State         string
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
}

// BackendHandle is the session manager's view of a spawned backend
// subprocess: the pipes the dispatcher multiplexes over, plus lifecycle
// control. Only the session manager's own task may call Kill; readers
// and writers only ever read from or write to the Transport.
type BackendHandle interface {
	ID() string
	Transport() Transport
	Wait() <-chan error
	Kill() error
}
