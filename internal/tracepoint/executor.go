package tracepoint

import (
	"fmt"

	"codetracer-core/pkg/types"
)

// valueSource resolves a variable by name against the step the
// tracepoint is currently evaluating at. The replay engine satisfies
// this.
type valueSource interface {
	LoadValue(expr string, depthLimit int, lang types.Language) (types.Value, error)
}

// execute runs compiled bytecode against src and returns one NamedValue
// per executed Log instruction, in order, mirroring execute_bytecode's
// `locals` accumulator. A runtime fault (empty stack, unimplemented
// operator, bad jump target) appends a single inline-error NamedValue
// and stops early, exactly like the original's early-return branches.
func execute(bc Bytecode, source string, src valueSource, lang types.Language) []types.NamedValue {
	unary := unaryOperators()
	binary := binaryOperators()

	var locals []types.NamedValue
	var stack []types.Value

	fault := func(op Opcode, msg string) []types.NamedValue {
		text := sourceSlice(source, op)
		locals = append(locals, types.NamedValue{Name: text, Value: types.ErrValue(msg)})
		return locals
	}

	pc := int64(0)
	for pc < int64(len(bc.Opcodes)) {
		if pc < 0 {
			locals = append(locals, types.NamedValue{Name: "Execution error", Value: types.ErrValue("tracepoint VM program counter became negative")})
			return locals
		}
		op := bc.Opcodes[pc]

		switch op.Instruction {
		case InstrLog:
			if len(stack) == 0 {
				return fault(op, "empty stack during evaluation")
			}
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			locals = append(locals, types.NamedValue{Name: sourceSlice(source, op), Value: v})

		case InstrPushInt:
			stack = append(stack, types.Value{Kind: types.ValInt, Int: op.IntValue})
		case InstrPushFloat:
			stack = append(stack, types.Value{Kind: types.ValFloat, Float: op.FloatValue})
		case InstrPushBool:
			stack = append(stack, types.Value{Kind: types.ValBool, Bool: op.BoolValue})
		case InstrPushString:
			stack = append(stack, types.Value{Kind: types.ValString, String: op.StringValue})

		case InstrUnaryOperation:
			if len(stack) == 0 {
				return fault(op, "empty stack during evaluation")
			}
			operand := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			fn, ok := unary[op.Operator]
			if !ok {
				return fault(op, "unimplemented unary operator "+op.Operator)
			}
			res, err := fn(operand)
			if err != nil {
				return fault(op, err.Error())
			}
			stack = append(stack, res)

		case InstrBinaryOperation:
			fn, ok := binary[op.Operator]
			if !ok {
				return fault(op, "unimplemented binary operator "+op.Operator)
			}
			if len(stack) < 2 {
				stack = nil
				return fault(op, "empty stack during evaluation")
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			res, err := fn(a, b)
			if err != nil {
				return fault(op, err.Error())
			}
			stack = append(stack, res)

		case InstrIndex:
			if len(stack) < 2 {
				return fault(op, "empty stack during evaluation")
			}
			index := stack[len(stack)-1]
			array := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			if array.Kind != types.ValSequence {
				return fault(op, "trying to index non-sequence value")
			}
			if array.IsSlice {
				return fault(op, "slices not supported currently")
			}
			if index.Kind != types.ValInt {
				return fault(op, "trying to index with non-integer value")
			}
			if index.Int < 0 || index.Int >= int64(len(array.Elements)) {
				return fault(op, fmt.Sprintf("index %d out of range 0..%d", index.Int, len(array.Elements)))
			}
			stack = append(stack, array.Elements[index.Int])

		case InstrPushVariable:
			v, err := src.LoadValue(op.StringValue, 0, lang)
			if err != nil {
				return fault(op, fmt.Sprintf("no such symbol in the current context: %v", err))
			}
			stack = append(stack, v)

		case InstrJumpIfFalse:
			if len(stack) == 0 {
				return fault(op, "empty stack during evaluation")
			}
			cond := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cond.Kind != types.ValBool {
				return fault(op, "non-boolean value on conditional jump")
			}
			if !cond.Bool {
				pc += op.JumpOffset
				continue
			}
		}

		pc++
	}

	return locals
}

func sourceSlice(source string, op Opcode) string {
	runes := []rune(source)
	if op.SourceStart < 0 || op.SourceEnd > len(runes) || op.SourceStart > op.SourceEnd {
		return source
	}
	return string(runes[op.SourceStart:op.SourceEnd])
}
