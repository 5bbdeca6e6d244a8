// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package bytecode

// Instruction is one decoded opcode with its operands. Unlike the
// compiler's real Lua 5.4 Instruction, this is a plain struct rather
// than a bit-packed uint32: this opcode set has no binary-compatibility
// requirement with any reference VM (see Non-goals), so packing would
// only cost clarity for no benefit.
type Instruction struct {
	Op OpCode
	A  int32
	B  int32
	C  int32
	// K is not read by the vm package; a Jump instruction carries its
	// close-upvalues register in B (see Jump's doc comment).
	K bool
}

// ABC returns an Instruction with three operand registers/indices set.
func ABC(op OpCode, a, b, c int32) Instruction {
	return Instruction{Op: op, A: a, B: b, C: c}
}

// AB returns an Instruction with two operands set, C left zero.
func AB(op OpCode, a, b int32) Instruction {
	return Instruction{Op: op, A: a, B: b}
}

// AsBx returns a jump-style Instruction whose A field carries a signed
// offset (in instruction units, relative to the instruction following
// the jump).
func AsBx(op OpCode, offset int32) Instruction {
	return Instruction{Op: op, A: offset}
}

// VarCount is a compact count that is either a known small number of
// values or "variable", meaning the actual count is carried elsewhere
// (conventionally on the stack top, left by the instruction that
// produced a variable number of results).
type VarCount struct {
	// n holds count+1 for a fixed count, or 0 for variable.
	n int32
}

// Fixed returns a VarCount of exactly n values.
func Fixed(n int32) VarCount {
	if n < 0 {
		panic("bytecode: negative VarCount")
	}
	return VarCount{n: n + 1}
}

// Variable returns a VarCount signaling that the count is carried on
// the stack top at run time.
func Variable() VarCount {
	return VarCount{n: 0}
}

// IsVariable reports whether vc represents a variable count.
func (vc VarCount) IsVariable() bool {
	return vc.n == 0
}

// Count returns the fixed count. It panics if vc IsVariable.
func (vc VarCount) Count() int32 {
	if vc.n == 0 {
		panic("bytecode: Count called on a variable VarCount")
	}
	return vc.n - 1
}
