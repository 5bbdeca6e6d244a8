// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package async

import (
	"errors"
	"testing"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
	"github.com/256lights/luacore/vm"
)

var errBoom = errors.New("boom")

// constResultCallback returns a Callback that ignores its arguments
// and always reports vals as its results.
func constResultCallback(vals ...value.Value) callback.Callback {
	return func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		stack.Replace(append([]value.Value(nil), vals...))
		return callback.Return(), nil
	}
}

// forwardingCallback returns a Callback that prepends prefix to
// whatever arguments it was called with, modeling a Lua function of
// the shape `function(...) return p1, p2, ... end`.
func forwardingCallback(prefix ...value.Value) callback.Callback {
	return func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		out := append(append([]value.Value(nil), prefix...), stack.Values()...)
		stack.Replace(out)
		return callback.Return(), nil
	}
}

// TestAsyncSequenceAccumulatesCallResults is scenario S5: a callback
// hands control to an AsyncSequence that calls three functions in
// turn, each time feeding the previous call's results back in as the
// next call's arguments (mirroring how `function(...) return 4, 5,
// ... end` forwards its received varargs). f1 seeds [1,2,3]; f2
// prepends [4,5]; f3 prepends [6,7], producing [6,7,4,5,1,2,3].
func TestAsyncSequenceAccumulatesCallResults(t *testing.T) {
	f1 := value.NewGoFunction("f1", constResultCallback(value.Int(1), value.Int(2), value.Int(3)))
	f2 := value.NewGoFunction("f2", forwardingCallback(value.Int(4), value.Int(5)))
	f3 := value.NewGoFunction("f3", forwardingCallback(value.Int(6), value.Int(7)))

	body := func(ss *SequenceState, ctx *callback.Context, exec callback.Execution) (Return, error) {
		var args []value.Value
		for _, fn := range []value.Value{f1, f2, f3} {
			res, err := ss.Call(fn, args)
			if err != nil {
				return Return{}, err
			}
			args = res
		}
		return Return{Kind: ReturnValues, Values: args}, nil
	}

	entry := value.NewGoFunction("callback", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		return callback.StartSequence(New(Func(body))), nil
	}))

	exec := vm.NewExecutor(&callback.Context{})
	th := vm.NewThread()
	if err := th.Call(entry, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	res, err := exec.Run(th)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Kind != vm.ExecReturned {
		t.Fatalf("Run returned %v; want ExecReturned", res.Kind)
	}

	want := []value.Int{6, 7, 4, 5, 1, 2, 3}
	if len(res.Values) != len(want) {
		t.Fatalf("Values = %v; want %v", res.Values, want)
	}
	for i, w := range want {
		got, ok := res.Values[i].(value.Int)
		if !ok || got != w {
			t.Errorf("Values[%d] = %v; want %v", i, res.Values[i], w)
		}
	}
}

// TestAsyncSequencePropagatesCallError checks that an error from a
// sub-call reaches the Func body through Error rather than Poll, and
// that returning it terminates the sequence with that error.
func TestAsyncSequencePropagatesCallError(t *testing.T) {
	failing := value.NewGoFunction("fail", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		return callback.CallbackReturn{}, errBoom
	}))

	// sawCallErr is set from the sequence's own goroutine; it must not
	// call into testing.T directly (FailNow is only safe from the
	// goroutine running the test), so the assertion happens after Run
	// returns instead.
	var sawCallErr bool
	body := func(ss *SequenceState, ctx *callback.Context, exec callback.Execution) (Return, error) {
		_, err := ss.Call(failing, nil)
		sawCallErr = err != nil
		return Return{}, err
	}

	entry := value.NewGoFunction("callback", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		return callback.StartSequence(New(Func(body))), nil
	}))

	exec := vm.NewExecutor(&callback.Context{})
	th := vm.NewThread()
	if err := th.Call(entry, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := exec.Run(th); err == nil {
		t.Fatal("expected Run to surface the sub-call's error")
	}
	if !sawCallErr {
		t.Error("expected ss.Call to report the sub-call's error before the sequence returned it")
	}
}
