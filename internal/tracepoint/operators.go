package tracepoint

import (
	"fmt"
	"math"
	"math/big"

	"codetracer-core/pkg/types"
)

// unaryOp and binaryOp mirror operator_functions.rs's per-operator
// coercion rules: same-kind operands apply directly; Int/Float pairs
// promote to Float; BigInt combines with Int/BigInt exactly and with
// Float via a lossy float64 conversion (errors if the BigInt doesn't
// fit in a float64).
type unaryOp func(types.Value) (types.Value, error)
type binaryOp func(types.Value, types.Value) (types.Value, error)

func unaryOperators() map[string]unaryOp {
	return map[string]unaryOp{
		"!":   opNot,
		"not": opNot,
		"не":  opNot,
		"-":   opNegate,
	}
}

func binaryOperators() map[string]binaryOp {
	return map[string]binaryOp{
		"&&": opAnd, "and": opAnd, "и": opAnd,
		"||": opOr, "or": opOr, "или": opOr,
		"+": opPlus, "-": opMinus, "*": opMult, "/": opDiv, "%": opRem,
		"==": opEqual, "!=": opNotEqual,
		"<": opLess, "<=": opLessEqual, ">": opGreater, ">=": opGreaterEqual,
	}
}

func opNot(v types.Value) (types.Value, error) {
	if v.Kind != types.ValBool {
		return types.Value{}, fmt.Errorf("not received non-boolean value")
	}
	return types.Value{Kind: types.ValBool, Bool: !v.Bool}, nil
}

func opNegate(v types.Value) (types.Value, error) {
	switch v.Kind {
	case types.ValInt:
		return types.Value{Kind: types.ValInt, Int: -v.Int}, nil
	case types.ValFloat:
		return types.Value{Kind: types.ValFloat, Float: -v.Float}, nil
	case types.ValBigInt:
		return bigIntToValue(new(big.Int).Neg(valueToBigInt(v))), nil
	default:
		return types.Value{}, fmt.Errorf("unary - not defined for this value")
	}
}

func opAnd(a, b types.Value) (types.Value, error) {
	if a.Kind != types.ValBool || b.Kind != types.ValBool {
		return types.Value{}, fmt.Errorf("logic operator received non-boolean argument")
	}
	return types.Value{Kind: types.ValBool, Bool: a.Bool && b.Bool}, nil
}

func opOr(a, b types.Value) (types.Value, error) {
	if a.Kind != types.ValBool || b.Kind != types.ValBool {
		return types.Value{}, fmt.Errorf("logic operator received non-boolean argument")
	}
	return types.Value{Kind: types.ValBool, Bool: a.Bool || b.Bool}, nil
}

// numericOp implements the Int/Float/BigInt coercion ladder shared by
// +, -, *, /, % in operator_functions.rs.
func numericOp(name string, a, b types.Value, intOp func(int64, int64) (int64, error), floatOp func(float64, float64) float64, bigOp func(*big.Int, *big.Int) *big.Int) (types.Value, error) {
	switch {
	case a.Kind == types.ValInt && b.Kind == types.ValInt:
		r, err := intOp(a.Int, b.Int)
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{Kind: types.ValInt, Int: r}, nil
	case a.Kind == types.ValFloat && b.Kind == types.ValFloat:
		return types.Value{Kind: types.ValFloat, Float: floatOp(a.Float, b.Float)}, nil
	case a.Kind == types.ValInt && b.Kind == types.ValFloat:
		return types.Value{Kind: types.ValFloat, Float: floatOp(float64(a.Int), b.Float)}, nil
	case a.Kind == types.ValFloat && b.Kind == types.ValInt:
		return types.Value{Kind: types.ValFloat, Float: floatOp(a.Float, float64(b.Int))}, nil
	case a.Kind == types.ValBigInt && b.Kind == types.ValBigInt:
		return bigIntToValue(bigOp(valueToBigInt(a), valueToBigInt(b))), nil
	case a.Kind == types.ValBigInt && b.Kind == types.ValInt:
		return bigIntToValue(bigOp(valueToBigInt(a), big.NewInt(b.Int))), nil
	case a.Kind == types.ValInt && b.Kind == types.ValBigInt:
		return bigIntToValue(bigOp(big.NewInt(a.Int), valueToBigInt(b))), nil
	case a.Kind == types.ValBigInt && b.Kind == types.ValFloat:
		bf, ok := bigIntToFloat(valueToBigInt(a))
		if !ok {
			return types.Value{}, fmt.Errorf("%s not defined for these values", name)
		}
		return types.Value{Kind: types.ValFloat, Float: floatOp(bf, b.Float)}, nil
	case a.Kind == types.ValFloat && b.Kind == types.ValBigInt:
		bf, ok := bigIntToFloat(valueToBigInt(b))
		if !ok {
			return types.Value{}, fmt.Errorf("%s not defined for these values", name)
		}
		return types.Value{Kind: types.ValFloat, Float: floatOp(a.Float, bf)}, nil
	default:
		return types.Value{}, fmt.Errorf("%s not defined for these values", name)
	}
}

func opPlus(a, b types.Value) (types.Value, error) {
	return numericOp("+", a, b,
		func(x, y int64) (int64, error) { return x + y, nil },
		func(x, y float64) float64 { return x + y },
		func(x, y *big.Int) *big.Int { return new(big.Int).Add(x, y) })
}

func opMinus(a, b types.Value) (types.Value, error) {
	return numericOp("-", a, b,
		func(x, y int64) (int64, error) { return x - y, nil },
		func(x, y float64) float64 { return x - y },
		func(x, y *big.Int) *big.Int { return new(big.Int).Sub(x, y) })
}

func opMult(a, b types.Value) (types.Value, error) {
	return numericOp("*", a, b,
		func(x, y int64) (int64, error) { return x * y, nil },
		func(x, y float64) float64 { return x * y },
		func(x, y *big.Int) *big.Int { return new(big.Int).Mul(x, y) })
}

func opDiv(a, b types.Value) (types.Value, error) {
	return numericOp("/", a, b,
		func(x, y int64) (int64, error) {
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		},
		func(x, y float64) float64 { return x / y },
		func(x, y *big.Int) *big.Int { return new(big.Int).Quo(x, y) })
}

func opRem(a, b types.Value) (types.Value, error) {
	return numericOp("%", a, b,
		func(x, y int64) (int64, error) {
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x % y, nil
		},
		func(x, y float64) float64 {
			return float64(int64(x) % int64(y))
		},
		func(x, y *big.Int) *big.Int { return new(big.Int).Rem(x, y) })
}

func compareOp(name string, a, b types.Value, cmp func(int) bool) (types.Value, error) {
	switch {
	case a.Kind == types.ValInt && b.Kind == types.ValInt:
		return types.Value{Kind: types.ValBool, Bool: cmp(compareInt64(a.Int, b.Int))}, nil
	case a.Kind == types.ValFloat && b.Kind == types.ValFloat:
		return types.Value{Kind: types.ValBool, Bool: cmp(compareFloat64(a.Float, b.Float))}, nil
	case a.Kind == types.ValInt && b.Kind == types.ValFloat:
		return types.Value{Kind: types.ValBool, Bool: cmp(compareFloat64(float64(a.Int), b.Float))}, nil
	case a.Kind == types.ValFloat && b.Kind == types.ValInt:
		return types.Value{Kind: types.ValBool, Bool: cmp(compareFloat64(a.Float, float64(b.Int)))}, nil
	case a.Kind == types.ValBigInt && b.Kind == types.ValBigInt:
		return types.Value{Kind: types.ValBool, Bool: cmp(valueToBigInt(a).Cmp(valueToBigInt(b)))}, nil
	case a.Kind == types.ValString && b.Kind == types.ValString:
		return types.Value{Kind: types.ValBool, Bool: cmp(compareString(a.String, b.String))}, nil
	default:
		return types.Value{}, fmt.Errorf("%s not defined for these values", name)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func opEqual(a, b types.Value) (types.Value, error) {
	return compareOp("==", a, b, func(c int) bool { return c == 0 })
}
func opNotEqual(a, b types.Value) (types.Value, error) {
	return compareOp("!=", a, b, func(c int) bool { return c != 0 })
}
func opLess(a, b types.Value) (types.Value, error) {
	return compareOp("<", a, b, func(c int) bool { return c < 0 })
}
func opLessEqual(a, b types.Value) (types.Value, error) {
	return compareOp("<=", a, b, func(c int) bool { return c <= 0 })
}
func opGreater(a, b types.Value) (types.Value, error) {
	return compareOp(">", a, b, func(c int) bool { return c > 0 })
}
func opGreaterEqual(a, b types.Value) (types.Value, error) {
	return compareOp(">=", a, b, func(c int) bool { return c >= 0 })
}

func valueToBigInt(v types.Value) *big.Int {
	b := new(big.Int).SetBytes(v.BigIntBytes)
	if v.BigIntSign < 0 {
		b.Neg(b)
	}
	return b
}

func bigIntToValue(b *big.Int) types.Value {
	sign := 1
	if b.Sign() < 0 {
		sign = -1
	}
	abs := new(big.Int).Abs(b)
	return types.Value{Kind: types.ValBigInt, BigIntBytes: abs.Bytes(), BigIntSign: sign}
}

func bigIntToFloat(b *big.Int) (float64, bool) {
	f := new(big.Float).SetInt(b)
	v, _ := f.Float64()
	if math.IsInf(v, 0) {
		return v, false
	}
	return v, true
}
