// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package compile translates a parsed Lua 5.4 function
// (internal/luacode.Prototype, the teacher's own bit-packed bytecode
// format) into this module's register-VM [bytecode.Prototype]. It
// exists so a real Lua source file can flow all the way through
// parsing to execution (lualex -> luacode -> compile -> bytecode ->
// vm) instead of every test hand-assembling prototypes.
//
// The translation covers the bytecode any "normal" Lua function body
// compiles to: locals, tables, arithmetic, comparisons, calls,
// closures and upvalues, and both for-loop forms. It does not cover
// every opcode internal/luacode/instruction.go documents; see Compile's doc comment for the
// specific gaps, which are deliberate rather than oversights.
package compile

import (
	"fmt"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/internal/luacode"
	"github.com/256lights/luacore/value"
)

// Compile translates src and every function nested inside it into an
// equivalent [bytecode.Prototype] tree.
//
// Two real Lua 5.4 features are not translated and cause Compile to
// return an error instead of silently miscompiling: the array-literal
// part of a table constructor (OpSetList, which performs a batch of
// raw, non-metamethod assignments this opcode set has no equivalent
// single instruction for) and to-be-closed local variables (OpTBC,
// Lua 5.4's `local x <close> = ...`, whose __close-on-scope-exit
// protocol this module's metaops package does not implement). Both
// are reported with the offending instruction's line number.
//
// Every other construct, including goto/labels, translates: Lua's
// compiler lowers goto to an ordinary unconditional jump, so it needs
// no special handling here beyond the generic jump-offset fixup every
// other branch instruction already goes through.
func Compile(src *luacode.Prototype) (*bytecode.Prototype, error) {
	return compileFunction(src)
}

func compileFunction(src *luacode.Prototype) (*bytecode.Prototype, error) {
	c := &compiler{src: src}
	for i, k := range src.Constants {
		v, err := translateConstant(k)
		if err != nil {
			return nil, fmt.Errorf("compile %s: constant %d: %w", functionLabel(src), i, err)
		}
		c.constants = append(c.constants, v)
	}
	if err := c.run(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", functionLabel(src), err)
	}

	functions := make([]*bytecode.Prototype, len(src.Functions))
	for i, child := range src.Functions {
		cp, err := compileFunction(child)
		if err != nil {
			return nil, err
		}
		functions[i] = cp
	}

	upvalues := make([]bytecode.UpvalueDescriptor, len(src.Upvalues))
	for i, uv := range src.Upvalues {
		upvalues[i] = translateUpvalue(src, uv)
	}

	return &bytecode.Prototype{
		Name:         functionLabel(src),
		NumParams:    int32(src.NumParams),
		IsVararg:     src.IsVararg,
		MaxStackSize: int32(src.MaxStackSize) + scratchRegisters,
		Constants:    c.constants,
		Code:         c.out,
		Functions:    functions,
		Upvalues:     upvalues,
		LineInfo:     c.lineInfo,
	}, nil
}

func functionLabel(src *luacode.Prototype) string {
	if src.IsMainChunk() {
		return "main chunk"
	}
	return fmt.Sprintf("function <line %d>", src.LineDefined)
}

// scratchRegisters is how many registers beyond the source
// prototype's own MaxStackSize this translator reserves for itself.
// Exactly one comparison (EQ/LT/LE and their K/I immediate variants)
// can be mid-flight at a time, since Lua's compiler never interleaves
// two independently-scheduled comparisons, so one scratch register
// suffices.
const scratchRegisters = 1

// translateUpvalue converts one upvalue descriptor. The main chunk's
// sole upvalue is always named "_ENV" and is bound by the embedder
// (see the root luacore package) rather than by a Closure
// instruction, so it is marked Environment instead of ParentLocal/
// Outer.
func translateUpvalue(src *luacode.Prototype, uv luacode.UpvalueDescriptor) bytecode.UpvalueDescriptor {
	if src.IsMainChunk() && uv.Name == "_ENV" {
		return bytecode.UpvalueDescriptor{Kind: bytecode.Environment, Name: uv.Name}
	}
	kind := bytecode.Outer
	if uv.InStack {
		kind = bytecode.ParentLocal
	}
	return bytecode.UpvalueDescriptor{Kind: kind, Index: int32(uv.Index), Name: uv.Name}
}

func translateConstant(v luacode.Value) (value.Value, error) {
	switch {
	case v.IsNil():
		return nil, nil
	case v.IsInteger():
		i, ok := v.Int64(luacode.OnlyIntegral)
		if !ok {
			return nil, fmt.Errorf("integer constant %v out of range", v)
		}
		return value.Int(i), nil
	case v.IsNumber():
		f, ok := v.Float64()
		if !ok {
			return nil, fmt.Errorf("malformed numeric constant %v", v)
		}
		return value.Float(f), nil
	case v.IsString():
		s, ok := v.Unquoted()
		if !ok {
			return nil, fmt.Errorf("malformed string constant %v", v)
		}
		return value.NewString(s), nil
	default:
		if b, ok := v.Bool(); ok {
			return value.Bool(b), nil
		}
		return nil, fmt.Errorf("unsupported constant type %v", v)
	}
}
