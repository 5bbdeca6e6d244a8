// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package luacore

import (
	"strings"
	"testing"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
	"github.com/256lights/luacore/vm"
)

// run compiles and executes src as a standalone chunk with a fresh
// globals table, returning its CallBoundary results.
func run(t *testing.T, src string) []value.Value {
	t.Helper()
	proto, err := Compile("test", strings.NewReader(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	globals := value.NewTable()
	OpenLibs(globals)
	closure, err := Load(proto, globals)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	th := NewThread()
	if err := th.Call(closure, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	exec := NewExecutor(&callback.Context{})
	res, err := exec.Run(th)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != vm.ExecReturned {
		t.Fatalf("Run returned %v; want ExecReturned", res.Kind)
	}
	return res.Values
}

func TestCompileAndRunArithmetic(t *testing.T) {
	got := run(t, "return 1 + 2")
	if len(got) != 1 || got[0] != value.Int(3) {
		t.Fatalf("return 1 + 2 = %v; want [3]", got)
	}
}

func TestCompileAndRunLocalsAndCall(t *testing.T) {
	got := run(t, `
		local function square(x)
			return x * x
		end
		local a, b = square(3), square(4)
		return a + b
	`)
	if len(got) != 1 || got[0] != value.Int(25) {
		t.Fatalf("square(3)+square(4) = %v; want [25]", got)
	}
}

func TestCompileAndRunGlobalTableAccess(t *testing.T) {
	got := run(t, `
		t = {}
		t.x = 10
		t["y"] = 20
		return t.x + t.y
	`)
	if len(got) != 1 || got[0] != value.Int(30) {
		t.Fatalf("t.x+t.y = %v; want [30]", got)
	}
}

// TestCompileAndRunDoBlockCapture exercises a closure that captures a
// local declared inside a nested do-block, which compiles down to an
// OpClose-derived Jump rather than the Return-triggered close a plain
// function-level capture uses. A miscompiled close offset here hangs
// StepLua outright instead of producing a wrong answer.
func TestCompileAndRunDoBlockCapture(t *testing.T) {
	got := run(t, `
		local f
		do
			local x = 0
			f = function() return x end
		end
		return f()
	`)
	if len(got) != 1 || got[0] != value.Int(0) {
		t.Fatalf("do-block capture result = %v; want [0]", got)
	}
}

func TestLoadRejectsNonEnvUpvalue(t *testing.T) {
	// A nested function prototype (Outer-kind upvalue) is never a
	// valid top-level chunk to Load directly.
	proto, err := Compile("test", strings.NewReader(`
		local x = 1
		return function() return x end
	`))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(proto.Functions) != 1 {
		t.Fatalf("expected one nested function, got %d", len(proto.Functions))
	}
	if _, err := Load(proto.Functions[0], value.NewTable()); err == nil {
		t.Error("expected Load to reject a non-main-chunk prototype")
	}
}
