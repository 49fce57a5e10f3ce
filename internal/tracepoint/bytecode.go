// Package tracepoint implements the tracepoint expression language: a
// tiny DSL ("log(expr)", "if cond { log(expr) }") compiled to a
// stack-based bytecode and executed against a replay cursor at every
// step it is attached to.
//
// Grounded on original_source/src/db-backend/src/tracepoint_interpreter/
// {compiler,executor,interpreter,operator_functions}.rs: the opcode set
// (PushInt/PushFloat/PushBool/PushString/PushVariable/UnaryOperation/
// BinaryOperation/Index/JumpIfFalse/Log), the stack-machine executor
// loop, and the numeric coercion table are all ported from there. The
// original compiles via a tree-sitter grammar; no Go tree-sitter
// binding appears anywhere in the examples pack, so this package
// parses the same small grammar with a hand-rolled recursive-descent
// parser instead (DESIGN.md: stdlib justification).
package tracepoint

// Instruction tags one bytecode operation.
type Instruction int

const (
	InstrPushInt Instruction = iota
	InstrPushFloat
	InstrPushBool
	InstrPushString
	InstrPushVariable
	InstrUnaryOperation
	InstrBinaryOperation
	InstrIndex
	InstrJumpIfFalse
	InstrLog
)

// Opcode is one compiled instruction plus the source byte range it was
// compiled from, used to label Log results with the original
// expression text (executor.rs slices `source[start..end]`).
type Opcode struct {
	Instruction Instruction

	IntValue    int64
	FloatValue  float64
	BoolValue   bool
	StringValue string
	Operator    string
	JumpOffset  int64

	SourceStart int
	SourceEnd   int
}

// Bytecode is one compiled tracepoint program.
type Bytecode struct {
	Opcodes []Opcode
}
