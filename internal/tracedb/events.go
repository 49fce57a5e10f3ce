package tracedb

import "codetracer-core/pkg/types"

// EventTag discriminates the low-level trace event sum type consumed by
// the Builder. Event indices implicitly define monotonic step ids.
type EventTag int

const (
	EvStep EventTag = iota
	EvPath
	EvFunction
	EvCall
	EvReturn
	EvVariableName
	EvValue
	EvType
	EvEvent
	EvCompoundValue
	EvCellValue
	EvAssignCompoundItem
	EvAssignCell
	EvVariableCell
	EvDropVariable
	EvDropLastStep
	EvAsm
)

// LowLevelEvent is the tagged-sum wire representation of one recorded
// event, as produced by the (external, opaque) trace recorder. Only the
// fields relevant to Tag are populated.
type LowLevelEvent struct {
	Tag EventTag

	// Step
	PathID int64
	Line   int

	// Path
	Path string

	// Function
	Function types.Function

	// Call
	Call CallRecord

	// Return
	ReturnValue types.Value

	// VariableName
	VariableName string

	// Value
	VariableID int64
	Value      types.Value

	// Type
	Type types.Type

	// Event
	EventKind types.EventKind
	Content   string
	Metadata  map[string]string

	// CompoundValue / CellValue / AssignCell
	Place       types.Place
	CompoundVal types.Value

	// AssignCompoundItem
	Index     int
	ItemPlace types.Place

	// VariableCell
	// (VariableID, Place already set above)

	// DropVariable
	// (VariableID already set above)

	// Asm
	Instructions []string
}

// CallRecord is the payload of an EvCall event: which function was
// entered and with which argument values.
type CallRecord struct {
	FunctionID int64
	Args       []ArgRecord
}

// ArgRecord names one argument value bound at call entry.
type ArgRecord struct {
	VariableID int64
	Value      types.Value
}
