// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package stdlib

import (
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
	"github.com/256lights/luacore/vm"
)

// OpenCoroutine populates globals's "coroutine" table with
// create/resume/yield/status/isyieldable/running/wrap. Grounded on
// internal/lua/coroutinelib.go, re-expressed through
// callback.ReturnKindResume/Yield and the Sequence-based resume
// protocol vm.Executor's dispatchResumePoll expects (the resumed
// thread's results are staged on the stack for a second Poll, giving
// the sequence a chance to prefix the true/false status the way
// coroutine.resume must).
func OpenCoroutine(globals *value.Table) *value.Table {
	co := value.NewTable()
	reg(co, "create", coroutineCreate)
	reg(co, "resume", coroutineResume)
	reg(co, "yield", coroutineYield)
	reg(co, "status", coroutineStatus)
	reg(co, "isyieldable", coroutineIsYieldable)
	reg(co, "running", coroutineRunning)
	reg(co, "wrap", coroutineWrap)
	globals.Set(value.NewString("coroutine"), co)
	return globals
}

func coroutineCreate(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	fn := stack.Get(0)
	if _, ok := fn.(value.Function); !ok {
		return callback.CallbackReturn{}, argError(1, "function expected")
	}
	th := vm.NewCoroutine(fn)
	stack.Clear()
	stack.Push(th)
	return callback.Return(), nil
}

// coroutineResume starts a resumeSeq rather than returning
// ReturnKindResume directly: a raw tail resume has no way to wrap the
// resumed thread's eventual values into the true/false pair
// coroutine.resume reports, so the wrapping has to happen in a
// Sequence's Poll, one step after the resume completes (see
// vm.Executor's dispatchResumePoll).
func coroutineResume(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	th, ok := stack.Get(0).(value.ThreadValue)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "coroutine expected")
	}
	args := append([]value.Value(nil), stack.Values()[min(1, stack.Len()):]...)
	stack.Clear()
	for _, a := range args {
		stack.Push(a)
	}
	return callback.StartSequence(&resumeSeq{thread: th, started: false}), nil
}

// resumeSeq is coroutine.resume's continuation: its first Poll stages
// the resume and hands off to vm.Executor via PollKindResume; the
// second Poll sees the resumed thread's yielded/returned values
// staged as its own stack and wraps them as (true, vals...). A resume
// that unwinds with an error is recovered as (false, message) instead
// of propagating, matching real Lua's coroutine.resume.
type resumeSeq struct {
	thread  value.ThreadValue
	started bool
}

func (r *resumeSeq) Poll(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.SequencePoll, error) {
	if !r.started {
		r.started = true
		return callback.PollResume(r.thread), nil
	}
	vals := append([]value.Value(nil), stack.Values()...)
	stack.Clear()
	stack.Push(value.Bool(true))
	for _, v := range vals {
		stack.Push(v)
	}
	return callback.PollReturn(), nil
}

func (r *resumeSeq) Error(ctx *callback.Context, exec callback.Execution, err error, stack *callback.Stack) (callback.SequencePoll, error) {
	var msg value.Value
	if le, ok := err.(*LuaError); ok {
		msg = le.Value
	} else {
		msg = value.NewString(err.Error())
	}
	stack.Clear()
	stack.Push(value.Bool(false))
	stack.Push(msg)
	return callback.PollReturn(), nil
}

// coroutineYield is registered directly as yield's Callback: yielding
// never needs a chained Sequence of its own, since the frame it
// suspends is revisited directly by the next Resume (see
// vm.Executor.dispatchYield).
func coroutineYield(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	return callback.Yield(nil), nil
}

func coroutineStatus(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	th, ok := stack.Get(0).(*vm.Thread)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "coroutine expected")
	}
	stack.Clear()
	var name string
	switch th.Status() {
	case vm.StatusSuspended:
		name = "suspended"
	case vm.StatusRunning:
		name = "running"
	case vm.StatusNormal:
		name = "normal"
	default:
		name = "dead"
	}
	stack.Push(value.NewString(name))
	return callback.Return(), nil
}

func coroutineIsYieldable(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	stack.Clear()
	stack.Push(value.Bool(exec.CurrentIsYieldable()))
	return callback.Return(), nil
}

func coroutineRunning(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	stack.Clear()
	th, _ := exec.(value.Value)
	stack.Push(th)
	stack.Push(value.Bool(!exec.CurrentIsYieldable()))
	return callback.Return(), nil
}

// coroutineWrap returns a closure-like GoFunction around a freshly
// created coroutine that resumes it and unpacks the result directly,
// raising a LuaError instead of returning a false/message pair on
// failure — matching real Lua's coroutine.wrap.
func coroutineWrap(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	fn := stack.Get(0)
	if _, ok := fn.(value.Function); !ok {
		return callback.CallbackReturn{}, argError(1, "function expected")
	}
	th := vm.NewCoroutine(fn)
	wrapped := func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
		args := append([]value.Value(nil), stack.Values()...)
		stack.Clear()
		for _, a := range args {
			stack.Push(a)
		}
		return callback.Resume(th), nil
	}
	stack.Clear()
	stack.Push(value.NewGoFunction("wrapped coroutine", callback.Callback(wrapped)))
	return callback.Return(), nil
}
