// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package stdlib

import (
	"strings"
	"testing"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/compile"
	"github.com/256lights/luacore/internal/luacode"
	"github.com/256lights/luacore/value"
	"github.com/256lights/luacore/vm"
)

// run compiles and executes src with the base and coroutine libraries
// installed on a fresh globals table, returning its CallBoundary
// results. It re-implements the root luacore package's load sequence
// by hand, since this package cannot import luacore (luacore imports
// stdlib).
func run(t *testing.T, src string) []value.Value {
	t.Helper()
	lsrc, err := luacode.Parse(luacode.Source("test"), strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	proto, err := compile.Compile(lsrc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	globals := value.NewTable()
	OpenBase(globals)
	OpenCoroutine(globals)
	upvals := make([]*value.UpValue, len(proto.Upvalues))
	for i := range upvals {
		upvals[i] = value.NewClosedUpValue(globals)
	}
	closure := value.NewClosure(proto, upvals)

	th := vm.NewThread()
	if err := th.Call(closure, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	exec := vm.NewExecutor(&callback.Context{})
	res, err := exec.Run(th)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != vm.ExecReturned {
		t.Fatalf("Run returned %v; want ExecReturned", res.Kind)
	}
	return res.Values
}

func TestTypeAndToString(t *testing.T) {
	got := run(t, `return type(1), type("s"), type(nil), type(true), tostring(42)`)
	want := []string{"number", "string", "nil", "boolean", "42"}
	if len(got) != len(want) {
		t.Fatalf("results = %v; want %v", got, want)
	}
	for i, w := range want {
		s, ok := got[i].(*value.String)
		if !ok || s.String() != w {
			t.Errorf("results[%d] = %v; want %q", i, got[i], w)
		}
	}
}

func TestPCallCatchesError(t *testing.T) {
	got := run(t, `
		local ok, msg = pcall(function() error("boom") end)
		return ok, msg
	`)
	if len(got) != 2 {
		t.Fatalf("results = %v; want 2 values", got)
	}
	if got[0] != value.Bool(false) {
		t.Errorf("ok = %v; want false", got[0])
	}
	s, ok := got[1].(*value.String)
	if !ok || !strings.Contains(s.String(), "boom") {
		t.Errorf("msg = %v; want a string containing %q", got[1], "boom")
	}
}

func TestPCallReturnsCalleeResultsOnSuccess(t *testing.T) {
	got := run(t, `
		local ok, a, b = pcall(function() return 1, 2 end)
		return ok, a, b
	`)
	want := []value.Value{value.Bool(true), value.Int(1), value.Int(2)}
	if len(got) != len(want) {
		t.Fatalf("results = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("results[%d] = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestRawGetSetAndEqual(t *testing.T) {
	got := run(t, `
		local t = {}
		rawset(t, "k", 7)
		return rawget(t, "k"), rawequal(t, t), rawequal(t, {})
	`)
	want := []value.Value{value.Int(7), value.Bool(true), value.Bool(false)}
	if len(got) != len(want) {
		t.Fatalf("results = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("results[%d] = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestCoroutineResumeAndStatus(t *testing.T) {
	got := run(t, `
		local co = coroutine.create(function(a, b)
			local c = coroutine.yield(a + b)
			return c * 2
		end)
		local ok1, sum = coroutine.resume(co, 3, 4)
		local statusMid = coroutine.status(co)
		local ok2, doubled = coroutine.resume(co, 10)
		local statusEnd = coroutine.status(co)
		return ok1, sum, statusMid, ok2, doubled, statusEnd
	`)
	s := func(v value.Value) string {
		str, ok := v.(*value.String)
		if !ok {
			return ""
		}
		return str.String()
	}
	want := []value.Value{value.Bool(true), value.Int(7), "suspended", value.Bool(true), value.Int(20), "dead"}
	if len(got) != len(want) {
		t.Fatalf("results = %v; want %v", got, want)
	}
	for i, w := range want {
		if ws, ok := w.(string); ok {
			if s(got[i]) != ws {
				t.Errorf("results[%d] = %v; want %q", i, got[i], ws)
			}
			continue
		}
		if got[i] != w {
			t.Errorf("results[%d] = %v; want %v", i, got[i], w)
		}
	}
}
