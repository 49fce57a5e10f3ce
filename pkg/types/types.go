// Package types defines the core data structures shared across the
// trace database, replay engine, flow reconstructor, tracepoint VM, and
// the session manager / daemon dispatcher.
//
// Nothing in this package talks to disk, a socket, or a subprocess: it is
// the vocabulary every other package imports so that the trace database,
// replay engine, flow reconstructor, and session manager agree on what a
// Step, a Call, a Value, and a Session are.
package types

import (
	"sync"
	"time"
)

// Place is an opaque identifier for a location in a recorded value graph.
// Places are the keys of per-step cell/compound maps and of the global
// cell-change log; nothing outside the trace database interprets the
// integer's bits.
type Place int64

// NoPlace is the zero value meaning "no indirection".
const NoPlace Place = 0

// CallKey identifies a call-tree activation. NoCallKey marks the absence
// of a parent (used by the depth-0 synthetic top-level call).
type CallKey int64

// NoCallKey is the sentinel parent key for depth-0 calls.
const NoCallKey CallKey = -1

// StepID is a dense, monotonic step index: steps[i].StepID == i.
type StepID int64

// NoStepID marks "not yet reached" / "unresolved".
const NoStepID StepID = -1

// TypeKind enumerates the scalar/compound shapes a Type can describe.
type TypeKind int

const (
	KindInt TypeKind = iota
	KindFloat
	KindString
	KindBool
	KindSeq
	KindTuple
	KindStruct
	KindPointer
	KindRaw
	KindError
	KindNone
	KindBigInt
)

// Type describes the static shape of a value as recorded at trace time.
type Type struct {
	TypeID       int64             `json:"type_id"`
	Kind         TypeKind          `json:"kind"`
	LangTypeName string            `json:"lang_type_name"`
	// SpecificInfo carries kind-specific metadata (struct field names,
	// sequence element type id, pointer target id, ...). Kept as a map
	// rather than a sum type since only a handful of kinds populate it
	// and none of the core navigation paths need to branch on its shape.
	SpecificInfo map[string]interface{} `json:"specific_info,omitempty"`
}

// Function is a statically-known function/procedure in the traced
// program.
type Function struct {
	FunctionID      int64  `json:"function_id"`
	Name            string `json:"name"`
	DeclarationLine int    `json:"declaration_line"`
	PathID          int64  `json:"path_id"`
}

// Path is an entry in the dense path (source file) table.
type Path struct {
	PathID int64
	Path   string
}

// Call is one activation of a function during recording. Top-level code
// is a synthetic call at depth 0 with ParentKey == NoCallKey.
type Call struct {
	CallKey       CallKey
	FunctionID    int64
	Args          []Value
	ReturnValue   Value
	StepIDAtEntry StepID
	Depth         int
	ParentKey     CallKey
	ChildrenKeys  []CallKey
}

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	ValInt ValueKind = iota
	ValFloat
	ValString
	ValBool
	ValBigInt
	ValSequence
	ValTuple
	ValStruct
	ValVariant
	ValReference
	ValRaw
	ValError
	ValNone
	ValCell
)

// Value is the recursive sum type recorded for every variable binding and
// intermediate expression result. Only the fields relevant to Kind are
// populated; the rest are zero.
type Value struct {
	Kind ValueKind `json:"kind"`

	Int    int64   `json:"int,omitempty"`
	Float  float64 `json:"float,omitempty"`
	String string  `json:"string,omitempty"`
	Bool   bool    `json:"bool,omitempty"`

	// BigInt: arbitrary precision integer as sign-magnitude bytes
	// (big-endian). Negative values set BigIntSign = -1.
	BigIntBytes []byte `json:"big_int_bytes,omitempty"`
	BigIntSign  int    `json:"big_int_sign,omitempty"`

	// Sequence / Tuple / Struct
	Elements   []Value          `json:"elements,omitempty"`
	ElemType   int64            `json:"elem_type,omitempty"`
	IsSlice    bool             `json:"is_slice,omitempty"`
	Fields     map[string]Value `json:"fields,omitempty"`
	FieldOrder []string         `json:"field_order,omitempty"`

	// Variant
	Discriminator string  `json:"discriminator,omitempty"`
	Contents      []Value `json:"contents,omitempty"`

	// Reference
	Dereferenced *Value `json:"dereferenced,omitempty"`
	Address      uint64 `json:"address,omitempty"`
	Mutable      bool   `json:"mutable,omitempty"`

	// Error
	ErrorMessage string `json:"error_message,omitempty"`

	// Cell: an indirection resolved against the trace database's place
	// graph at query time.
	Place Place `json:"place,omitempty"`
}

// IsErr reports whether the value is an inline Error payload, used to
// propagate localized query failures without aborting a whole request.
func (v Value) IsErr() bool { return v.Kind == ValError }

// ErrValue constructs an inline Error value carrying a human-readable
// explanation, used by the trace database, replay engine, and
// tracepoint evaluator instead of failing a whole request over one bad
// variable.
func ErrValue(msg string) Value { return Value{Kind: ValError, ErrorMessage: msg} }

// Step is one observable execution point: the unit of time-travel
// navigation.
type Step struct {
	StepID         StepID
	PathID         int64
	Line           int
	CallKey        CallKey
	GlobalCallKey  CallKey

	// Variables holds (variable_id -> value) pairs attached to this step
	// by Value events.
	Variables map[int64]Value

	// Cells holds this step's snapshot of place -> concrete cell value,
	// populated by CellValue/AssignCell events observed at or before this
	// step's cell_changes entry.
	Cells map[Place]Value

	// Compound holds this step's snapshot of place -> compound value
	// (Sequence/Tuple/Struct) whose elements may themselves be Cell
	// indirections.
	Compound map[Place]Value

	// VariableCells is the variable_id -> place binding map active as of
	// this step, materialized forward from the owning call's bindings
	// (see DESIGN.md "variable scoping across steps").
	VariableCells map[int64]Place

	Events       []EventLogEntry
	Instructions []string
}

// EventKind enumerates the observable side-effect categories recorded
// against a step.
type EventKind int

const (
	EventWrite EventKind = iota
	EventRead
	EventSocket
	EventOpen
	EventTraceLog
	EventError
)

// EventLogEntry is one observable side effect recorded against a step.
type EventLogEntry struct {
	Kind     EventKind
	Content  string
	StepID   StepID
	Metadata map[string]string
}

// CellChange is one time-stamped write to a Place, forming the
// append-only history point-in-time value reconstruction replays.
type CellChange struct {
	StepID    StepID
	ItemCount int
	TypeID    *int64
	Index     *int
	ItemPlace *Place
}

// EndOfProgramKind distinguishes a clean finish from an error finish.
type EndOfProgramKind int

const (
	EndNormal EndOfProgramKind = iota
	EndError
)

// EndOfProgram is derived from the last event of the last step once
// ingestion completes.
type EndOfProgram struct {
	Kind   EndOfProgramKind
	Reason string
}

// Language is the detected (or declared) source language of a trace.
type Language string

const (
	LangRust       Language = "rust"
	LangNim        Language = "nim"
	LangPython     Language = "python"
	LangGo         Language = "go"
	LangC          Language = "c"
	LangCPP        Language = "cpp"
	LangRuby       Language = "ruby"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangPascal     Language = "pascal"
	LangWasm       Language = "wasm"
	LangSmall      Language = "small"
	LangUnknown    Language = "unknown"
)

// TraceMetadata is what the trace loader produces from a trace
// directory: enough for the session manager to register a session and
// for the database constructor to pick a language-appropriate value
// formatter.
type TraceMetadata struct {
	Language     Language
	TotalEvents  int64
	SourceFiles  []string
	Program      string
	Workdir      string
	Args         []string

	// RecordedAt is the extended descriptor's recording-time metadata,
	// zero if the trace used the simple descriptor or omitted it.
	RecordedAt time.Time
}

// SessionState is the lifecycle state of a daemon session.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionReady    SessionState = "ready"
	SessionClosing  SessionState = "closing"
)

// Session is the daemon-side binding of a canonical trace directory to a
// backend subprocess, with an idle TTL. Identity is CanonicalPath.
type Session struct {
	mu sync.RWMutex

	BackendID      string
	CanonicalPath  string
	Language       Language
	TotalEvents    int64
	SourceFiles    []string
	Program        string
	Workdir        string
	State          SessionState
	CreatedAt      time.Time
	LastActivityAt time.Time

	// BoundClients is the set of client connection ids currently routed
	// to this session's backend, for multi-client fan-out.
	BoundClients map[string]struct{}
}

// Touch resets the idle clock and records activity for ct/list-sessions
// diagnostics.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has had no routed activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActivityAt)
}

// Bind registers a client as bound to this session.
func (s *Session) Bind(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BoundClients == nil {
		s.BoundClients = make(map[string]struct{})
	}
	s.BoundClients[clientID] = struct{}{}
}

// Unbind removes a client's binding, returning whether any clients remain.
func (s *Session) Unbind(clientID string) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.BoundClients, clientID)
	return len(s.BoundClients)
}
