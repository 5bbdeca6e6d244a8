// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"math"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/metaops"
	"github.com/256lights/luacore/value"
)

// binaryOpFor maps a matrix opcode's RR-variant base to the metamethod
// it falls back to and the constant-operand implementation metaops.Binary
// should try first. Grounded on internal/luacode/operators.go's
// intArithmetic/floatArithmetic (int fast path, float fallback,
// Lua-style floor division and logical shifts), mirrored here rather
// than imported since that package operates on luacode.Value, not
// this module's value.Value.
func binaryOpFor(base bytecode.OpCode) (metaops.MetaMethod, func(lhs, rhs value.Value) (value.Value, bool), bool) {
	switch base {
	case bytecode.AddRR:
		return metaops.MethodAdd, numericConstOp(
			func(a, b int64) int64 { return a + b },
			func(a, b float64) float64 { return a + b },
		), true
	case bytecode.SubRR:
		return metaops.MethodSub, numericConstOp(
			func(a, b int64) int64 { return a - b },
			func(a, b float64) float64 { return a - b },
		), true
	case bytecode.MulRR:
		return metaops.MethodMul, numericConstOp(
			func(a, b int64) int64 { return a * b },
			func(a, b float64) float64 { return a * b },
		), true
	case bytecode.ModRR:
		return metaops.MethodMod, modConstOp, true
	case bytecode.PowRR:
		return metaops.MethodPow, floatOnlyConstOp(luaFloatPow), true
	case bytecode.DivRR:
		return metaops.MethodDiv, floatOnlyConstOp(luaFloatDiv), true
	case bytecode.IDivRR:
		return metaops.MethodIDiv, idivConstOp, true
	case bytecode.BAndRR:
		return metaops.MethodBAnd, intOnlyConstOp(func(a, b int64) int64 { return a & b }), true
	case bytecode.BOrRR:
		return metaops.MethodBOr, intOnlyConstOp(func(a, b int64) int64 { return a | b }), true
	case bytecode.BXorRR:
		return metaops.MethodBXor, intOnlyConstOp(func(a, b int64) int64 { return a ^ b }), true
	case bytecode.ShlRR:
		return metaops.MethodShl, intOnlyConstOp(luaShiftLeft), true
	case bytecode.ShrRR:
		return metaops.MethodShr, intOnlyConstOp(luaShiftRight), true
	case bytecode.LtRR:
		return metaops.MethodLt, compareConstOp(func(c int) bool { return c < 0 }), true
	case bytecode.LeRR:
		return metaops.MethodLe, compareConstOp(func(c int) bool { return c <= 0 }), true
	default:
		return 0, nil, false
	}
}

// numericConstOp tries the integer fast path first (both operands
// already [value.Int]), falling back to float coercion, matching
// Lua's "stay integer unless a float is involved" arithmetic rule.
func numericConstOp(intOp func(a, b int64) int64, floatOp func(a, b float64) float64) func(value.Value, value.Value) (value.Value, bool) {
	return func(lhs, rhs value.Value) (value.Value, bool) {
		if li, ok := lhs.(value.Int); ok {
			if ri, ok := rhs.(value.Int); ok {
				return value.Int(intOp(int64(li), int64(ri))), true
			}
		}
		lf, lok := value.ToFloat(lhs)
		rf, rok := value.ToFloat(rhs)
		if !lok || !rok {
			return nil, false
		}
		return value.Float(floatOp(float64(lf), float64(rf))), true
	}
}

func floatOnlyConstOp(op func(a, b float64) float64) func(value.Value, value.Value) (value.Value, bool) {
	return func(lhs, rhs value.Value) (value.Value, bool) {
		lf, lok := value.ToFloat(lhs)
		rf, rok := value.ToFloat(rhs)
		if !lok || !rok {
			return nil, false
		}
		return value.Float(op(float64(lf), float64(rf))), true
	}
}

func intOnlyConstOp(op func(a, b int64) int64) func(value.Value, value.Value) (value.Value, bool) {
	return func(lhs, rhs value.Value) (value.Value, bool) {
		li, lok := value.ToInt(lhs)
		ri, rok := value.ToInt(rhs)
		if !lok || !rok {
			return nil, false
		}
		return value.Int(op(int64(li), int64(ri))), true
	}
}

// modConstOp and idivConstOp need their own zero-divisor handling for
// the integer case (unlike the other ops, a zero divisor is an error
// rather than an Inf/NaN float result), so they are not expressed via
// numericConstOp.
func modConstOp(lhs, rhs value.Value) (value.Value, bool) {
	if li, ok := lhs.(value.Int); ok {
		if ri, ok := rhs.(value.Int); ok {
			if ri == 0 {
				return nil, false
			}
			return value.Int(int64(li) % int64(ri)), true
		}
	}
	lf, lok := value.ToFloat(lhs)
	rf, rok := value.ToFloat(rhs)
	if !lok || !rok {
		return nil, false
	}
	return value.Float(math.Mod(float64(lf), float64(rf))), true
}

func idivConstOp(lhs, rhs value.Value) (value.Value, bool) {
	if li, ok := lhs.(value.Int); ok {
		if ri, ok := rhs.(value.Int); ok {
			if ri == 0 {
				return nil, false
			}
			a, b := int64(li), int64(ri)
			q := a / b
			if (a^b) < 0 && a%b != 0 {
				q--
			}
			return value.Int(q), true
		}
	}
	lf, lok := value.ToFloat(lhs)
	rf, rok := value.ToFloat(rhs)
	if !lok || !rok {
		return nil, false
	}
	return value.Float(math.Floor(luaFloatDiv(float64(lf), float64(rf)))), true
}

// luaFloatDiv matches Lua's float division result for a zero divisor
// (signed infinity, or NaN for 0/0) rather than relying on Go's
// unspecified float-divide-by-zero panic behavior.
func luaFloatDiv(a, b float64) float64 {
	if b == 0 {
		switch {
		case a == 0:
			return math.NaN()
		case math.Signbit(a) != math.Signbit(b):
			return math.Inf(-1)
		default:
			return math.Inf(1)
		}
	}
	return a / b
}

func luaFloatPow(a, b float64) float64 {
	if b == 2 {
		return a * a
	}
	return math.Pow(a, b)
}

// luaShiftLeft and luaShiftRight implement Lua's logical (not
// arithmetic) shift with saturation at the bit width, converting
// through uint64 the way Go's own shift operators won't for us.
func luaShiftLeft(a, b int64) int64 {
	switch {
	case b <= -64 || b >= 64:
		return 0
	case b < 0:
		return int64(uint64(a) >> uint(-b))
	default:
		return int64(uint64(a) << uint(b))
	}
}

func luaShiftRight(a, b int64) int64 {
	return luaShiftLeft(a, -b)
}

// unaryNegConstOp implements the non-metamethod path of unary minus:
// integer negate stays integer, otherwise coerce to float.
func unaryNegConstOp(v value.Value) (value.Value, bool) {
	if i, ok := v.(value.Int); ok {
		return -i, true
	}
	f, ok := value.ToFloat(v)
	if !ok {
		return nil, false
	}
	return -f, true
}

// unaryBNotConstOp implements the non-metamethod path of bitwise
// complement, requiring an integer-coercible operand.
func unaryBNotConstOp(v value.Value) (value.Value, bool) {
	i, ok := value.ToInt(v)
	if !ok {
		return nil, false
	}
	return ^i, true
}

// compareConstOp only applies within Lua's comparable families: two
// numbers, or two strings. Mixed-type or other operands report
// ok=false so the caller falls through to the metamethod/error path.
func compareConstOp(pred func(c int) bool) func(value.Value, value.Value) (value.Value, bool) {
	return func(lhs, rhs value.Value) (value.Value, bool) {
		switch lhs.(type) {
		case value.Int, value.Float:
			switch rhs.(type) {
			case value.Int, value.Float:
				lf, _ := lhs.(value.Float)
				rf, _ := rhs.(value.Float)
				if math.IsNaN(float64(lf)) || math.IsNaN(float64(rf)) {
					return value.Bool(false), true
				}
				return value.Bool(pred(value.Compare(lhs, rhs))), true
			default:
				return nil, false
			}
		case *value.String:
			if _, ok := rhs.(*value.String); ok {
				return value.Bool(pred(value.Compare(lhs, rhs))), true
			}
			return nil, false
		default:
			return nil, false
		}
	}
}
