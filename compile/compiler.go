// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package compile

import (
	"fmt"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/internal/luacode"
	"github.com/256lights/luacore/value"
)

// compiler holds the state for translating one luacode.Prototype's
// instruction stream. A fresh compiler is used per function (nested
// prototypes are translated by their own recursive call), since
// srcStart's indexing is only meaningful within one function's code.
type compiler struct {
	src       *luacode.Prototype
	constants []value.Value

	// srcStart[i] is the target-instruction index where the
	// translation of source instruction i begins; srcStart[len(Code)]
	// is the total number of target instructions emitted. Computed by
	// a sizing pass before any instruction is actually translated, so
	// every jump's destination is known up front regardless of the
	// order instructions are emitted in.
	srcStart []int

	out      []bytecode.Instruction
	lineInfo []int32

	// scratch is the register index reserved for staging a comparison
	// result before the Test instruction that reads it.
	scratch int32
}

// run translates every instruction of c.src.Code into c.out.
func (c *compiler) run() error {
	code := c.src.Code
	c.scratch = int32(c.src.MaxStackSize)

	total := 0
	c.srcStart = make([]int, len(code)+1)
	for i, inst := range code {
		c.srcStart[i] = total
		total += targetCount(inst.OpCode())
	}
	c.srcStart[len(code)] = total

	c.out = make([]bytecode.Instruction, 0, total)
	c.lineInfo = make([]int32, 0, total)
	for pc, inst := range code {
		if err := c.emit(pc, inst); err != nil {
			return fmt.Errorf("pc %d (line %d): %w", pc, c.sourceLine(pc), err)
		}
	}
	if len(c.out) != total {
		panic("compile: emitted instruction count disagreed with the sizing pass")
	}
	return nil
}

// targetCount says how many bytecode.Instructions a given source
// opcode translates to, independent of its operands. OpMMBin/
// OpMMBinI/OpMMBinK are always consumed as the metamethod-dispatch
// follow-up of the arithmetic/bitwise opcode immediately before them
// (this opcode set dispatches metamethods from within the arithmetic
// opcode itself, generically, so the follow-up carries no new
// information). OpExtraArg is always consumed by whichever of
// OpLoadKX/OpNewTable/OpSetList preceded it. OpVarargPrep needs no
// translation at all: Thread.enterCall already computes a vararg
// frame's register base from the Prototype's own NumParams/IsVararg
// fields. The compare-and-skip family (EQ/LT/LE and their K/I
// immediate forms) expands to two instructions, since this opcode set
// has no single compare-and-conditionally-skip instruction: it
// computes the boolean into a scratch register, then lets a Test
// instruction perform the skip.
func targetCount(op luacode.OpCode) int {
	switch op {
	case luacode.OpMMBin, luacode.OpMMBinI, luacode.OpMMBinK, luacode.OpExtraArg, luacode.OpVarargPrep:
		return 0
	case luacode.OpEQ, luacode.OpLT, luacode.OpLE,
		luacode.OpEQK, luacode.OpEQI, luacode.OpLTI, luacode.OpLEI, luacode.OpGTI, luacode.OpGEI:
		return 2
	default:
		return 1
	}
}

func (c *compiler) sourceLine(pc int) int32 {
	if pc < 0 || pc >= c.src.LineInfo.Len() {
		return 0
	}
	return int32(c.src.LineInfo.At(pc))
}

func (c *compiler) append(line int32, inst bytecode.Instruction) {
	c.out = append(c.out, inst)
	c.lineInfo = append(c.lineInfo, line)
}

func (c *compiler) addConstant(v value.Value) int32 {
	c.constants = append(c.constants, v)
	return int32(len(c.constants) - 1)
}

// jumpOffset computes the A/B-field displacement a jump-style
// instruction at source pc needs to reach target source pc, given
// that every jump-style opcode this translator emits shares the same
// "new pc = (this instruction's own target index) + offset + 1"
// convention (see bytecode.Jump, NumericForPrep, NumericForLoop,
// GenericForLoop's doc comments).
func (c *compiler) jumpOffset(pc, targetPC int) int32 {
	cur := c.srcStart[pc]
	dest := c.srcStart[targetPC]
	return int32(dest - cur - 1)
}

func a(inst luacode.Instruction) int32 { return int32(inst.ArgA()) }
func b(inst luacode.Instruction) int32 { return int32(inst.ArgB()) }
func kIdx(inst luacode.Instruction) int32 { return int32(inst.ArgC()) }

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// matrixBase returns the RR-shape base opcode for a register-register
// or register-constant arithmetic/bitwise opcode family.
func matrixBase(op luacode.OpCode) (bytecode.OpCode, bool) {
	switch op {
	case luacode.OpAdd, luacode.OpAddK, luacode.OpAddI:
		return bytecode.AddRR, true
	case luacode.OpSub, luacode.OpSubK:
		return bytecode.SubRR, true
	case luacode.OpMul, luacode.OpMulK:
		return bytecode.MulRR, true
	case luacode.OpMod, luacode.OpModK:
		return bytecode.ModRR, true
	case luacode.OpPow, luacode.OpPowK:
		return bytecode.PowRR, true
	case luacode.OpDiv, luacode.OpDivK:
		return bytecode.DivRR, true
	case luacode.OpIDiv, luacode.OpIDivK:
		return bytecode.IDivRR, true
	case luacode.OpBAnd, luacode.OpBAndK:
		return bytecode.BAndRR, true
	case luacode.OpBOr, luacode.OpBOrK:
		return bytecode.BOrRR, true
	case luacode.OpBXOR, luacode.OpBXORK:
		return bytecode.BXorRR, true
	case luacode.OpSHL, luacode.OpSHLI:
		return bytecode.ShlRR, true
	case luacode.OpSHR, luacode.OpSHRI:
		return bytecode.ShrRR, true
	default:
		return 0, false
	}
}

// emitCompare expands a compare-and-skip source instruction into the
// scratch-register compare plus a Test instruction, for the family
// whose direct operand order matches (EQ/LT/LE, and EQK/EQI/LTI/LEI,
// which all compare "A op operand"). OpGTI/OpGEI flip operand order
// before calling this, since they compare "operand op A".
func (c *compiler) emitCompare(line int32, base bytecode.OpCode, shape bytecode.OperandShape, lhs, rhs int32, want bool) {
	var inst bytecode.Instruction
	switch shape {
	case bytecode.ShapeRR:
		inst = bytecode.ABC(base, c.scratch, lhs, rhs)
	case bytecode.ShapeRC:
		inst = bytecode.ABC(base+1, c.scratch, lhs, rhs)
	case bytecode.ShapeCR:
		inst = bytecode.ABC(base+2, c.scratch, lhs, rhs)
	default:
		inst = bytecode.ABC(base+3, c.scratch, lhs, rhs)
	}
	c.append(line, inst)
	c.append(line, bytecode.ABC(bytecode.Test, c.scratch, 0, boolToInt(want)))
}

func encodeCount(n uint8) int32 {
	if n == 0 {
		return 0
	}
	return int32(n) - 1
}

func (c *compiler) emit(pc int, inst luacode.Instruction) error {
	op := inst.OpCode()
	line := c.sourceLine(pc)

	switch op {
	case luacode.OpMMBin, luacode.OpMMBinI, luacode.OpMMBinK, luacode.OpExtraArg, luacode.OpVarargPrep:
		return nil

	case luacode.OpMove:
		c.append(line, bytecode.AB(bytecode.Move, a(inst), b(inst)))
	case luacode.OpLoadI:
		k := c.addConstant(value.Int(int64(inst.ArgBx())))
		c.append(line, bytecode.AB(bytecode.LoadConstant, a(inst), k))
	case luacode.OpLoadF:
		k := c.addConstant(value.Float(float64(inst.ArgBx())))
		c.append(line, bytecode.AB(bytecode.LoadConstant, a(inst), k))
	case luacode.OpLoadK:
		c.append(line, bytecode.AB(bytecode.LoadConstant, a(inst), inst.ArgBx()))
	case luacode.OpLoadKX:
		if pc+1 >= len(c.src.Code) || c.src.Code[pc+1].OpCode() != luacode.OpExtraArg {
			return fmt.Errorf("LOADKX not followed by EXTRAARG")
		}
		idx := int32(c.src.Code[pc+1].ArgAx())
		c.append(line, bytecode.AB(bytecode.LoadConstant, a(inst), idx))
	case luacode.OpLoadFalse:
		c.append(line, bytecode.ABC(bytecode.LoadBool, a(inst), 0, 0))
	case luacode.OpLFalseSkip:
		c.append(line, bytecode.ABC(bytecode.LoadBool, a(inst), 0, 1))
	case luacode.OpLoadTrue:
		c.append(line, bytecode.ABC(bytecode.LoadBool, a(inst), 1, 0))
	case luacode.OpLoadNil:
		c.append(line, bytecode.AB(bytecode.LoadNil, a(inst), b(inst)+1))

	case luacode.OpGetUpval:
		c.append(line, bytecode.AB(bytecode.GetUpValue, a(inst), b(inst)))
	case luacode.OpSetUpval:
		c.append(line, bytecode.AB(bytecode.SetUpValue, a(inst), b(inst)))

	case luacode.OpGetTabUp:
		c.append(line, bytecode.ABC(bytecode.GetUpTableC, a(inst), b(inst), kIdx(inst)))
	case luacode.OpGetTable:
		c.append(line, bytecode.ABC(bytecode.GetTableR, a(inst), b(inst), kIdx(inst)))
	case luacode.OpGetI:
		k := c.addConstant(value.Int(int64(inst.ArgC())))
		c.append(line, bytecode.ABC(bytecode.GetTableC, a(inst), b(inst), k))
	case luacode.OpGetField:
		c.append(line, bytecode.ABC(bytecode.GetTableC, a(inst), b(inst), kIdx(inst)))

	case luacode.OpSetTabUp:
		op2 := bytecode.SetUpTableCR
		if inst.K() {
			op2 = bytecode.SetUpTableCC
		}
		c.append(line, bytecode.ABC(op2, a(inst), b(inst), kIdx(inst)))
	case luacode.OpSetTable:
		op2 := bytecode.SetTableRR
		if inst.K() {
			op2 = bytecode.SetTableRC
		}
		c.append(line, bytecode.ABC(op2, a(inst), b(inst), kIdx(inst)))
	case luacode.OpSetI:
		key := c.addConstant(value.Int(int64(inst.ArgB())))
		op2 := bytecode.SetTableCR
		if inst.K() {
			op2 = bytecode.SetTableCC
		}
		c.append(line, bytecode.ABC(op2, a(inst), key, kIdx(inst)))
	case luacode.OpSetField:
		op2 := bytecode.SetTableCR
		if inst.K() {
			op2 = bytecode.SetTableCC
		}
		c.append(line, bytecode.ABC(op2, a(inst), b(inst), kIdx(inst)))

	case luacode.OpNewTable:
		c.append(line, bytecode.AB(bytecode.NewTable, a(inst), 0))

	case luacode.OpSelf:
		op2 := bytecode.SelfR
		if inst.K() {
			op2 = bytecode.SelfC
		}
		c.append(line, bytecode.ABC(op2, a(inst), b(inst), kIdx(inst)))

	case luacode.OpAddI:
		sc := luacode.SignedArg(inst.ArgC())
		k := c.addConstant(value.Int(int64(sc)))
		c.append(line, bytecode.ABC(bytecode.AddRC, a(inst), b(inst), k))
	case luacode.OpAddK, luacode.OpSubK, luacode.OpMulK, luacode.OpModK, luacode.OpPowK,
		luacode.OpDivK, luacode.OpIDivK, luacode.OpBAndK, luacode.OpBOrK, luacode.OpBXORK:
		base, _ := matrixBase(op)
		c.append(line, bytecode.ABC(base+1, a(inst), b(inst), kIdx(inst)))
	case luacode.OpSHRI:
		sc := luacode.SignedArg(inst.ArgC())
		k := c.addConstant(value.Int(int64(sc)))
		c.append(line, bytecode.ABC(bytecode.ShrRC, a(inst), b(inst), k))
	case luacode.OpSHLI:
		sc := luacode.SignedArg(inst.ArgC())
		k := c.addConstant(value.Int(int64(sc)))
		c.append(line, bytecode.ABC(bytecode.ShlCR, a(inst), k, b(inst)))
	case luacode.OpAdd, luacode.OpSub, luacode.OpMul, luacode.OpMod, luacode.OpPow,
		luacode.OpDiv, luacode.OpIDiv, luacode.OpBAnd, luacode.OpBOr, luacode.OpBXOR,
		luacode.OpSHL, luacode.OpSHR:
		base, _ := matrixBase(op)
		c.append(line, bytecode.ABC(base, a(inst), b(inst), kIdx(inst)))

	case luacode.OpUNM:
		c.append(line, bytecode.AB(bytecode.UnaryMinus, a(inst), b(inst)))
	case luacode.OpBNot:
		c.append(line, bytecode.AB(bytecode.BNot, a(inst), b(inst)))
	case luacode.OpNot:
		c.append(line, bytecode.AB(bytecode.Not, a(inst), b(inst)))
	case luacode.OpLen:
		c.append(line, bytecode.AB(bytecode.Length, a(inst), b(inst)))
	case luacode.OpConcat:
		lo := a(inst)
		hi := a(inst) + b(inst) - 1
		c.append(line, bytecode.ABC(bytecode.Concat, a(inst), lo, hi))

	case luacode.OpClose:
		off := c.jumpOffset(pc, pc+1)
		c.append(line, bytecode.Instruction{Op: bytecode.Jump, A: off, B: a(inst)})
	case luacode.OpTBC:
		return fmt.Errorf("to-be-closed local variables (<close>) are not supported")

	case luacode.OpJMP:
		target := pc + 1 + int(inst.J())
		off := c.jumpOffset(pc, target)
		c.append(line, bytecode.Instruction{Op: bytecode.Jump, A: off, B: -1})

	case luacode.OpEQ:
		c.emitCompare(line, bytecode.EqRR, bytecode.ShapeRR, a(inst), b(inst), inst.K())
	case luacode.OpLT:
		c.emitCompare(line, bytecode.LtRR, bytecode.ShapeRR, a(inst), b(inst), inst.K())
	case luacode.OpLE:
		c.emitCompare(line, bytecode.LeRR, bytecode.ShapeRR, a(inst), b(inst), inst.K())
	case luacode.OpEQK:
		c.emitCompare(line, bytecode.EqRR, bytecode.ShapeRC, a(inst), b(inst), inst.K())
	case luacode.OpEQI:
		k := c.addConstant(value.Int(int64(luacode.SignedArg(inst.ArgB()))))
		c.emitCompare(line, bytecode.EqRR, bytecode.ShapeRC, a(inst), k, inst.K())
	case luacode.OpLTI:
		k := c.addConstant(value.Int(int64(luacode.SignedArg(inst.ArgB()))))
		c.emitCompare(line, bytecode.LtRR, bytecode.ShapeRC, a(inst), k, inst.K())
	case luacode.OpLEI:
		k := c.addConstant(value.Int(int64(luacode.SignedArg(inst.ArgB()))))
		c.emitCompare(line, bytecode.LeRR, bytecode.ShapeRC, a(inst), k, inst.K())
	case luacode.OpGTI:
		k := c.addConstant(value.Int(int64(luacode.SignedArg(inst.ArgB()))))
		c.emitCompare(line, bytecode.LtRR, bytecode.ShapeCR, k, a(inst), inst.K())
	case luacode.OpGEI:
		k := c.addConstant(value.Int(int64(luacode.SignedArg(inst.ArgB()))))
		c.emitCompare(line, bytecode.LeRR, bytecode.ShapeCR, k, a(inst), inst.K())

	case luacode.OpTest:
		c.append(line, bytecode.ABC(bytecode.Test, a(inst), 0, boolToInt(inst.K())))
	case luacode.OpTestSet:
		c.append(line, bytecode.ABC(bytecode.TestSet, a(inst), b(inst), boolToInt(inst.K())))

	case luacode.OpCall:
		c.append(line, bytecode.ABC(bytecode.Call, a(inst), encodeCount(inst.ArgB()), encodeCount(inst.ArgC())))
	case luacode.OpTailCall:
		c.append(line, bytecode.ABC(bytecode.TailCall, a(inst), encodeCount(inst.ArgB()), 0))
	case luacode.OpReturn:
		c.append(line, bytecode.ABC(bytecode.Return, a(inst), encodeCount(inst.ArgB()), 0))
	case luacode.OpReturn0:
		c.append(line, bytecode.ABC(bytecode.Return, 0, 0, 0))
	case luacode.OpReturn1:
		c.append(line, bytecode.ABC(bytecode.Return, a(inst), 1, 0))

	case luacode.OpVararg:
		c.append(line, bytecode.ABC(bytecode.VarArgs, a(inst), encodeCount(inst.ArgC()), 0))

	case luacode.OpClosure:
		c.append(line, bytecode.AB(bytecode.Closure, a(inst), inst.ArgBx()))

	case luacode.OpForPrep:
		target := pc + 1 + int(inst.ArgBx()) + 1
		off := c.jumpOffset(pc, target)
		c.append(line, bytecode.ABC(bytecode.NumericForPrep, a(inst), off, 0))
	case luacode.OpForLoop:
		target := pc + 1 - int(inst.ArgBx())
		off := c.jumpOffset(pc, target)
		c.append(line, bytecode.ABC(bytecode.NumericForLoop, a(inst), off, 0))
	case luacode.OpTForPrep:
		target := pc + 1 + int(inst.ArgBx())
		off := c.jumpOffset(pc, target)
		c.append(line, bytecode.Instruction{Op: bytecode.Jump, A: off, B: -1})
	case luacode.OpTForCall:
		c.append(line, bytecode.ABC(bytecode.GenericForCall, a(inst), 0, encodeCount(inst.ArgC())))
	case luacode.OpTForLoop:
		target := pc + 1 - int(inst.ArgBx())
		off := c.jumpOffset(pc, target)
		c.append(line, bytecode.ABC(bytecode.GenericForLoop, a(inst), off, 0))

	case luacode.OpSetList:
		return fmt.Errorf("array-literal table constructors (SETLIST) are not supported")

	default:
		return fmt.Errorf("unsupported opcode %s", op)
	}
	return nil
}
