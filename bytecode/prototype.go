// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package bytecode

import "github.com/256lights/luacore/value"

// UpvalueKind identifies where a Prototype's up-value descriptor
// pulls its initial value from when a Closure instruction
// instantiates it.
type UpvalueKind uint8

const (
	// ParentLocal captures an open upvalue over a register of the
	// enclosing function's current frame.
	ParentLocal UpvalueKind = iota
	// Outer copies an upvalue already captured by the enclosing
	// function (i.e. this function's upvalue aliases one of its
	// parent's upvalues, rather than one of the parent's registers).
	Outer
	// Environment marks the implicit _ENV upvalue. Only valid on a
	// prototype's upvalue list when that prototype IsMainChunk.
	Environment
)

// UpvalueDescriptor says how a Closure instruction should resolve one
// of a Prototype's upvalues against the enclosing frame.
type UpvalueDescriptor struct {
	Kind UpvalueKind
	// Index is a register index when Kind is ParentLocal, or an
	// upvalue index into the enclosing function's own upvalue list
	// when Kind is Outer. Unused for Environment.
	Index int32
	// Name is solely for diagnostics (stack traces, `debug.getupvalue`).
	Name string
}

// Prototype is the compiled body of a Lua function: its constant
// pool, instruction stream, nested function prototypes, and the
// up-value descriptors a Closure instruction needs to bind upvalues
// from the enclosing frame.
type Prototype struct {
	// Name is used for diagnostics only.
	Name string
	// NumParams is the number of declared (non-vararg) parameters.
	NumParams int32
	// IsVararg reports whether the function accepts `...`.
	IsVararg bool
	// MaxStackSize is the number of registers the frame needs.
	MaxStackSize int32

	Constants []value.Value
	Code      []Instruction
	Functions []*Prototype
	Upvalues  []UpvalueDescriptor

	// LineInfo maps each Code index to a source line, for error
	// messages. May be nil or shorter than Code if unavailable; it is
	// purely diagnostic, never consulted for control flow.
	LineInfo []int32
}

// FunctionName implements value.Prototype.
func (p *Prototype) FunctionName() string {
	if p.Name == "" {
		return "?"
	}
	return p.Name
}

// IsMainChunk reports whether p is a top-level chunk, which is the
// only kind of prototype allowed an Environment upvalue.
func (p *Prototype) IsMainChunk() bool {
	for _, uv := range p.Upvalues {
		if uv.Kind == Environment {
			return true
		}
	}
	return false
}

// Line returns the source line associated with the instruction at pc,
// or 0 if unknown.
func (p *Prototype) Line(pc int) int32 {
	if pc < 0 || pc >= len(p.LineInfo) {
		return 0
	}
	return p.LineInfo[pc]
}
