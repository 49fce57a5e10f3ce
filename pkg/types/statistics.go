package types

import "time"

// DispatcherStats is a point-in-time snapshot of daemon routing activity,
// exposed via ct/list-sessions and the Prometheus metrics server.
type DispatcherStats struct {
	ActiveSessions   int
	MaxSessions      int
	ConnectedClients int
	MessagesRouted   int64
	HandshakeFailures int64
	ScriptExecutions int64
	UptimeSince      time.Time
}

// SessionInfo is the read-only projection of a Session returned by
// ct/list-sessions and ct/trace-info.
type SessionInfo struct {
	CanonicalPath string
	Language      Language
	TotalEvents   int64
	Program       string
	Workdir       string
	State         SessionState
	IdleSeconds   float64
	BoundClients  int
}
