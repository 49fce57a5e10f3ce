package tracepoint

import (
	"fmt"
	"sync"

	"codetracer-core/pkg/types"
)

// Interpreter owns the compiled bytecode for every registered
// tracepoint, indexed by a caller-assigned slot (mirrors
// TracepointInterpreter's parallel sources/bytecodes/compile_errors
// vectors indexed by tracepoint_index).
type Interpreter struct {
	mu            sync.RWMutex
	sources       map[int]string
	bytecodes     map[int]Bytecode
	compileErrors map[int][]string
}

// NewInterpreter constructs an empty registry.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		sources:       make(map[int]string),
		bytecodes:     make(map[int]Bytecode),
		compileErrors: make(map[int][]string),
	}
}

// Register compiles source and stores it under index, replacing any
// prior registration at that slot. A compile failure is stored and also
// returned: Evaluate reports the stored error as an inline error on use,
// matching interpreter.rs's "store errors, surface them at evaluate
// time" behavior.
func (ti *Interpreter) Register(index int, source string) error {
	opcodes, err := compileExpression(source)

	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.sources[index] = source
	if err != nil {
		ti.compileErrors[index] = []string{err.Error()}
		ti.bytecodes[index] = Bytecode{}
		return err
	}
	ti.compileErrors[index] = nil
	ti.bytecodes[index] = Bytecode{Opcodes: opcodes}
	return nil
}

// Evaluate runs the tracepoint registered at index against src (the
// replay engine positioned at the step being visited).
func (ti *Interpreter) Evaluate(index int, src valueSource, lang types.Language) []types.NamedValue {
	ti.mu.RLock()
	compileErrs := ti.compileErrors[index]
	bc := ti.bytecodes[index]
	source := ti.sources[index]
	ti.mu.RUnlock()

	if len(compileErrs) > 0 {
		out := make([]types.NamedValue, 0, len(compileErrs))
		for _, msg := range compileErrs {
			out = append(out, types.NamedValue{Name: "ERROR", Value: types.ErrValue(msg)})
		}
		return out
	}

	return execute(bc, source, src, lang)
}

// Unregister drops a tracepoint's compiled state.
func (ti *Interpreter) Unregister(index int) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	delete(ti.sources, index)
	delete(ti.bytecodes, index)
	delete(ti.compileErrors, index)
}

// CompileErrors returns a copy of the compile errors recorded for
// index, or nil if it compiled cleanly or was never registered.
func (ti *Interpreter) CompileErrors(index int) []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if errs := ti.compileErrors[index]; len(errs) > 0 {
		return append([]string(nil), errs...)
	}
	return nil
}

// String renders index's bytecode for diagnostics (ct/trace-dump style
// tooling), one opcode per line.
func (ti *Interpreter) String(index int) string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	bc, ok := ti.bytecodes[index]
	if !ok {
		return fmt.Sprintf("<tracepoint %d not registered>", index)
	}
	s := ""
	for i, op := range bc.Opcodes {
		s += fmt.Sprintf("%d: %s\n", i, describeOpcode(op))
	}
	return s
}

func describeOpcode(op Opcode) string {
	switch op.Instruction {
	case InstrPushInt:
		return fmt.Sprintf("PUSH_INT %d", op.IntValue)
	case InstrPushFloat:
		return fmt.Sprintf("PUSH_FLOAT %g", op.FloatValue)
	case InstrPushBool:
		return fmt.Sprintf("PUSH_BOOL %v", op.BoolValue)
	case InstrPushString:
		return fmt.Sprintf("PUSH_STRING %q", op.StringValue)
	case InstrPushVariable:
		return fmt.Sprintf("PUSH_VAR %s", op.StringValue)
	case InstrUnaryOperation:
		return fmt.Sprintf("UNARY_OP %s", op.Operator)
	case InstrBinaryOperation:
		return fmt.Sprintf("BINARY_OP %s", op.Operator)
	case InstrIndex:
		return "INDEX"
	case InstrJumpIfFalse:
		return fmt.Sprintf("JUMP_IF_FALSE %+d", op.JumpOffset)
	case InstrLog:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}
