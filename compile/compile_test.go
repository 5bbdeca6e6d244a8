// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package compile

import (
	"strings"
	"testing"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/internal/luacode"
)

func parse(t *testing.T, src string) *luacode.Prototype {
	t.Helper()
	proto, err := luacode.Parse(luacode.Source("test"), strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return proto
}

// TestCompileMainChunkHasEnvUpvalue checks that every main chunk
// compiles down to exactly one Environment-kind upvalue, the
// invariant the root luacore package's Load relies on to bind _ENV.
func TestCompileMainChunkHasEnvUpvalue(t *testing.T) {
	src := parse(t, "return 1")
	proto, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(proto.Upvalues) != 1 {
		t.Fatalf("len(Upvalues) = %d; want 1", len(proto.Upvalues))
	}
	if got := proto.Upvalues[0].Kind; got != bytecode.Environment {
		t.Errorf("Upvalues[0].Kind = %v; want Environment", got)
	}
}

// TestCompileNestedClosureCapturesLocal checks that a closure over an
// enclosing local compiles to a ParentLocal-kind upvalue, not
// Environment, and produces a Closure instruction in the enclosing
// function's code.
func TestCompileNestedClosureCapturesLocal(t *testing.T) {
	src := parse(t, `
		local x = 1
		return function() return x end
	`)
	proto, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(proto.Functions) != 1 {
		t.Fatalf("len(Functions) = %d; want 1", len(proto.Functions))
	}
	inner := proto.Functions[0]
	if len(inner.Upvalues) != 1 {
		t.Fatalf("len(inner.Upvalues) = %d; want 1", len(inner.Upvalues))
	}
	if got := inner.Upvalues[0].Kind; got != bytecode.ParentLocal {
		t.Errorf("inner.Upvalues[0].Kind = %v; want ParentLocal", got)
	}

	found := false
	for _, inst := range proto.Code {
		if inst.Op == bytecode.Closure {
			found = true
		}
	}
	if !found {
		t.Error("outer function's code has no Closure instruction")
	}
}

// TestCompileRejectsArrayTableConstructor checks that a table
// constructor with positional (array-style) entries, which lowers to
// OpSetList, is reported as an error rather than silently miscompiled.
func TestCompileRejectsArrayTableConstructor(t *testing.T) {
	src := parse(t, "return {1, 2, 3}")
	if _, err := Compile(src); err == nil {
		t.Error("expected Compile to reject an array-literal table constructor")
	}
}

// TestCompileClosesUpvalueOnBlockExit checks that leaving a do-block
// that captured an upvalue (OpClose) falls through to the next
// instruction instead of jumping in place. A Jump instruction's A
// field is a *displacement* (see bytecode.Jump's doc comment and
// vm/exec.go's `frame.PC += int(inst.A) + 1`), so the close's target
// instruction is pc+1, not pc itself: an A of -1 would leave PC
// unchanged and spin StepLua forever.
func TestCompileClosesUpvalueOnBlockExit(t *testing.T) {
	src := parse(t, `
		local f
		do
			local x = 0
			f = function() return x end
		end
		return f()
	`)
	proto, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	found := false
	for i, inst := range proto.Code {
		if inst.Op != bytecode.Jump {
			continue
		}
		// Only the close emitted for leaving the do-block carries a
		// close register (B >= 0); an ordinary control-flow Jump uses
		// B == -1.
		if inst.B < 0 {
			continue
		}
		found = true
		if inst.A != 0 {
			t.Errorf("Code[%d] = %v; want a fall-through close (A=0), not a self-jump", i, inst)
		}
	}
	if !found {
		t.Fatal("expected a Jump instruction with a close register (B >= 0) for the do-block's upvalue")
	}
}

// TestCompileRejectsToBeClosedLocal checks that `local x <close> = ...`
// (OpTBC) is reported as an error rather than silently dropping the
// close semantics.
func TestCompileRejectsToBeClosedLocal(t *testing.T) {
	src := parse(t, `
		local x <close> = nil
		return x
	`)
	if _, err := Compile(src); err == nil {
		t.Error("expected Compile to reject a to-be-closed local")
	}
}
