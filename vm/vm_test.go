// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"testing"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
)

// newMainClosure wraps proto as a zero-upvalue top-level closure, the
// shape a compiled chunk's entry point always has.
func newMainClosure(proto *bytecode.Prototype) *value.Closure {
	return value.NewClosure(proto, nil)
}

// runToCompletion drives t to its first CallBoundary, failing the test
// on error or on an unexpected yield.
func runToCompletion(t *testing.T, exec *Executor, th *Thread) []value.Value {
	t.Helper()
	res, err := exec.Run(th)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != ExecReturned {
		t.Fatalf("Run returned %v; want ExecReturned", res.Kind)
	}
	return res.Values
}

// TestTailCallDoesNotGrowFrameStack is scenario S1: a tail-recursive
// countdown must never let the frame stack grow past a small constant,
// however many recursive tail calls it performs.
func TestTailCallDoesNotGrowFrameStack(t *testing.T) {
	const iterations = 10000

	// f(n): if n == 0 then return "done" else return f(n-1) end
	fProto := &bytecode.Prototype{
		Name:         "f",
		NumParams:    1,
		MaxStackSize: 5,
		Constants:    []value.Value{value.Int(0), value.Int(1), value.NewString("done")},
		Code: []bytecode.Instruction{
			bytecode.ABC(bytecode.EqRC, 2, 0, 0),    // r2 = (r0 == K0)
			bytecode.ABC(bytecode.Test, 2, 0, 1),    // if r2: don't skip; else skip next
			bytecode.Instruction{Op: bytecode.Jump, A: 3, B: -1}, // -> then label (index 6)
			bytecode.AB(bytecode.GetUpValue, 2, 0),  // r2 = f (upvalue)
			bytecode.ABC(bytecode.SubRC, 3, 0, 1),   // r3 = n - K1(1)
			bytecode.AB(bytecode.TailCall, 2, 1),    // tailcall r2(r3)
			bytecode.AB(bytecode.LoadConstant, 0, 2), // then: r0 = K2("done")
			bytecode.AB(bytecode.Return, 0, 1),
		},
		Upvalues: []bytecode.UpvalueDescriptor{
			{Kind: bytecode.ParentLocal, Index: 0, Name: "f"},
		},
	}

	mainProto := &bytecode.Prototype{
		Name:         "main",
		MaxStackSize: 4,
		Constants:    []value.Value{value.Int(iterations)},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadNil, 0, 1),    // r0 = nil (local f placeholder)
			bytecode.AB(bytecode.Closure, 1, 0),    // r1 = closure(f) capturing r0
			bytecode.AB(bytecode.Move, 0, 1),       // r0 = r1 (f now visible to its own upvalue)
			bytecode.AB(bytecode.Move, 2, 0),       // r2 = r0 (call target)
			bytecode.AB(bytecode.LoadConstant, 3, 0), // r3 = K0(iterations)
			bytecode.ABC(bytecode.Call, 2, 1, 0),   // call r2(r3), variable results
			bytecode.AB(bytecode.Return, 2, 0),     // return whatever landed at r2..
		},
		Functions: []*bytecode.Prototype{fProto},
	}

	th := NewThread()
	if err := th.Call(newMainClosure(mainProto), nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	const maxFrames = 3 // main's CallBoundary frame + f's single active frame
	var final StepResult
	for {
		if got := len(th.frames); got > maxFrames {
			t.Fatalf("frames.len() = %d; want <= %d (tail calls must not grow the frame stack)", got, maxFrames)
		}
		res, err := th.StepLua()
		if err != nil {
			t.Fatalf("StepLua: %v", err)
		}
		if res.Kind == StepDone {
			final = res
			break
		}
		if res.Kind == StepCallback {
			t.Fatal("unexpected callback frame in a pure-Lua countdown")
		}
	}

	if len(final.Values) != 1 {
		t.Fatalf("final.Values = %v; want one value", final.Values)
	}
	s, ok := final.Values[0].(*value.String)
	if !ok || s.String() != "done" {
		t.Errorf("f(%d) = %v; want \"done\"", iterations, final.Values[0])
	}
}

// TestUpvalueSharingAcrossCalls is scenario S3 (closed-cell variant):
// mk() returns a counter closure over a local it then lets go out of
// scope (closing the upvalue); three subsequent calls to that closure
// must observe and mutate the same shared cell.
func TestUpvalueSharingAcrossCalls(t *testing.T) {
	incProto := &bytecode.Prototype{
		Name:         "inc",
		MaxStackSize: 3,
		Constants:    []value.Value{value.Int(1)},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.GetUpValue, 0, 0),  // r0 = x
			bytecode.AB(bytecode.LoadConstant, 1, 0), // r1 = K0(1)
			bytecode.ABC(bytecode.AddRR, 2, 0, 1),   // r2 = x + 1
			bytecode.AB(bytecode.SetUpValue, 2, 0),  // x = r2
			bytecode.AB(bytecode.Return, 2, 1),
		},
		Upvalues: []bytecode.UpvalueDescriptor{
			{Kind: bytecode.ParentLocal, Index: 0, Name: "x"},
		},
	}

	mkProto := &bytecode.Prototype{
		Name:         "mk",
		MaxStackSize: 2,
		Constants:    []value.Value{value.Int(0)},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadConstant, 0, 0), // r0 = x = 0
			bytecode.AB(bytecode.Closure, 1, 0),      // r1 = inc closure over r0
			bytecode.AB(bytecode.Return, 1, 1),       // return r1 (closes x's upvalue)
		},
		Functions: []*bytecode.Prototype{incProto},
	}

	exec := NewExecutor(&callback.Context{})

	th := NewThread()
	if err := th.Call(newMainClosure(mkProto), nil); err != nil {
		t.Fatalf("mk Call: %v", err)
	}
	res := runToCompletion(t, exec, th)
	if len(res) != 1 {
		t.Fatalf("mk() returned %d values; want 1", len(res))
	}
	f, ok := res[0].(*value.Closure)
	if !ok {
		t.Fatalf("mk() returned %T; want *value.Closure", res[0])
	}

	for i, want := range []value.Int{1, 2, 3} {
		ft := NewThread()
		if err := ft.Call(f, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		out := runToCompletion(t, exec, ft)
		if len(out) != 1 || out[0] != want {
			t.Errorf("call %d = %v; want %v", i+1, out, want)
		}
	}
}

// TestMetamethodIndexChain is scenario S4: a two-hop __index chain
// (c -> b -> a) resolves through the real opcode+metaops+Executor
// integration, not just metaops in isolation.
func TestMetamethodIndexChain(t *testing.T) {
	a := value.NewTable()
	if err := a.Set(value.NewString("k"), value.Int(1)); err != nil {
		t.Fatal(err)
	}
	b := value.NewTable()
	bmt := value.NewTable()
	if err := bmt.Set(value.NewString("__index"), a); err != nil {
		t.Fatal(err)
	}
	b.SetMetatable(bmt)

	c := value.NewTable()
	cmt := value.NewTable()
	if err := cmt.Set(value.NewString("__index"), b); err != nil {
		t.Fatal(err)
	}
	c.SetMetatable(cmt)

	proto := &bytecode.Prototype{
		Name:         "chain",
		MaxStackSize: 2,
		Constants:    []value.Value{c, value.NewString("k")},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadConstant, 0, 0),  // r0 = c
			bytecode.ABC(bytecode.GetTableC, 1, 0, 1), // r1 = c.k (chains through __index)
			bytecode.AB(bytecode.Return, 1, 1),
		},
	}

	exec := NewExecutor(&callback.Context{})
	th := NewThread()
	if err := th.Call(newMainClosure(proto), nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	res := runToCompletion(t, exec, th)
	if len(res) != 1 || res[0] != value.Int(1) {
		t.Fatalf("c.k = %v; want 1", res)
	}
}

// TestMetamethodIndexChainMissingAtDepth mirrors
// TestMetamethodIndexChain but with the key absent all the way down,
// which must resolve to Nil rather than erroring.
func TestMetamethodIndexChainMissingAtDepth(t *testing.T) {
	a := value.NewTable()
	b := value.NewTable()
	bmt := value.NewTable()
	if err := bmt.Set(value.NewString("__index"), a); err != nil {
		t.Fatal(err)
	}
	b.SetMetatable(bmt)

	proto := &bytecode.Prototype{
		MaxStackSize: 2,
		Constants:    []value.Value{b, value.NewString("missing")},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadConstant, 0, 0),
			bytecode.ABC(bytecode.GetTableC, 1, 0, 1),
			bytecode.AB(bytecode.Return, 1, 1),
		},
	}

	exec := NewExecutor(&callback.Context{})
	th := NewThread()
	if err := th.Call(newMainClosure(proto), nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	res := runToCompletion(t, exec, th)
	if len(res) != 1 || res[0] != nil {
		t.Fatalf("b.missing = %v; want Nil", res)
	}
}

// yieldCallback implements coroutine.yield as a single-step host
// Callback: whatever is on the stack when it's invoked becomes the
// yield payload verbatim.
func yieldCallback(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	return callback.Yield(nil), nil
}

// TestCoroutineYieldResume is scenario S2: a coroutine body calls a
// host "yield" callback mid-body, suspends, and a second resume
// delivers new arguments back into the exact point execution left off.
func TestCoroutineYieldResume(t *testing.T) {
	yieldFn := value.NewGoFunction("yield", callback.Callback(yieldCallback))

	// function(a, b) local c = yield(a + b); return c * 2 end
	bodyProto := &bytecode.Prototype{
		Name:         "coBody",
		NumParams:    2,
		MaxStackSize: 5,
		Constants:    []value.Value{value.Int(2)},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.GetUpValue, 2, 0),  // r2 = yield
			bytecode.ABC(bytecode.AddRR, 3, 0, 1),   // r3 = a + b
			bytecode.ABC(bytecode.Call, 2, 1, 1),    // r2 = yield(r3)
			bytecode.AB(bytecode.LoadConstant, 3, 0), // r3 = K0(2)
			bytecode.ABC(bytecode.MulRR, 4, 2, 3),   // r4 = c * 2
			bytecode.AB(bytecode.Return, 4, 1),
		},
		Upvalues: []bytecode.UpvalueDescriptor{
			{Kind: bytecode.ParentLocal, Index: 0, Name: "yield"},
		},
	}

	mainProto := &bytecode.Prototype{
		Name:         "main",
		MaxStackSize: 2,
		Constants:    []value.Value{yieldFn},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadConstant, 0, 0), // r0 = yieldFn
			bytecode.AB(bytecode.Closure, 1, 0),      // r1 = coBody closure
			bytecode.AB(bytecode.Return, 1, 1),
		},
		Functions: []*bytecode.Prototype{bodyProto},
	}

	exec := NewExecutor(&callback.Context{})

	mainTh := NewThread()
	if err := mainTh.Call(newMainClosure(mainProto), nil); err != nil {
		t.Fatalf("main Call: %v", err)
	}
	mainRes := runToCompletion(t, exec, mainTh)
	if len(mainRes) != 1 {
		t.Fatalf("main returned %d values; want 1", len(mainRes))
	}
	fn, ok := mainRes[0].(*value.Closure)
	if !ok {
		t.Fatalf("main returned %T; want *value.Closure", mainRes[0])
	}

	co := NewCoroutine(fn)
	if got := co.Status(); got != StatusSuspended {
		t.Fatalf("fresh coroutine Status() = %v; want StatusSuspended", got)
	}

	res1, err := exec.Resume(co, []value.Value{value.Int(3), value.Int(4)})
	if err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if res1.Kind != ExecYielded {
		t.Fatalf("first resume Kind = %v; want ExecYielded", res1.Kind)
	}
	if len(res1.Values) != 1 || res1.Values[0] != value.Int(7) {
		t.Fatalf("first resume yielded %v; want [7]", res1.Values)
	}
	if got := co.Status(); got != StatusSuspended {
		t.Fatalf("yielded coroutine Status() = %v; want StatusSuspended", got)
	}

	res2, err := exec.Resume(co, []value.Value{value.Int(10)})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if res2.Kind != ExecReturned {
		t.Fatalf("second resume Kind = %v; want ExecReturned", res2.Kind)
	}
	if len(res2.Values) != 1 || res2.Values[0] != value.Int(20) {
		t.Fatalf("second resume returned %v; want [20]", res2.Values)
	}
	if got := co.Status(); got != StatusDead {
		t.Fatalf("finished coroutine Status() = %v; want StatusDead", got)
	}
}

// TestYieldFromNonYieldableFrame checks that yielding from a thread
// entered via Call (yieldable=false) raises BadYield instead of
// silently succeeding.
func TestYieldFromNonYieldableFrame(t *testing.T) {
	yieldFn := value.NewGoFunction("yield", callback.Callback(yieldCallback))

	proto := &bytecode.Prototype{
		MaxStackSize: 1,
		Constants:    []value.Value{yieldFn},
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.LoadConstant, 0, 0),
			bytecode.ABC(bytecode.Call, 0, 0, 0),
			bytecode.AB(bytecode.Return, 0, 0),
		},
	}

	exec := NewExecutor(&callback.Context{})
	th := NewThread()
	if err := th.Call(newMainClosure(proto), nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	_, err := exec.Run(th)
	if err == nil {
		t.Fatal("expected BadYield calling coroutine.yield outside a coroutine")
	}
	var terr *ThreadError
	if !asThreadError(err, &terr) || terr.Kind != BadYield {
		t.Errorf("err = %v; want *ThreadError{Kind: BadYield}", err)
	}
}

func asThreadError(err error, target **ThreadError) bool {
	te, ok := err.(*ThreadError)
	if !ok {
		return false
	}
	*target = te
	return true
}

// TestResumeDeadThreadIsBadResume checks that resuming a finished
// coroutine reports BadResume rather than panicking or silently
// no-opping. It drives a coroutine (not a plain top-level Thread,
// whose id is never assigned unless something calls ID()) since
// Status only reports Dead for a thread with an assigned id.
func TestResumeDeadThreadIsBadResume(t *testing.T) {
	proto := &bytecode.Prototype{
		MaxStackSize: 1,
		Code: []bytecode.Instruction{
			bytecode.AB(bytecode.Return, 0, 0),
		},
	}
	co := NewCoroutine(newMainClosure(proto))
	exec := NewExecutor(&callback.Context{})
	res, err := exec.Resume(co, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Kind != ExecReturned {
		t.Fatalf("Resume Kind = %v; want ExecReturned", res.Kind)
	}
	if got := co.Status(); got != StatusDead {
		t.Fatalf("Status() = %v; want StatusDead", got)
	}
	err = co.Resume(nil)
	var terr *ThreadError
	if !asThreadError(err, &terr) || terr.Kind != BadResume {
		t.Errorf("Resume on dead thread = %v; want *ThreadError{Kind: BadResume}", err)
	}
}
