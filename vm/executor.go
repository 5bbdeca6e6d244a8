// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"context"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
	"zombiezen.com/go/log"
)

// ExecResultKind classifies what a [Executor.Run] produced.
type ExecResultKind uint8

const (
	// ExecReturned means the thread ran out of frames: Values holds the
	// final results delivered to the nearest CallBoundary.
	ExecReturned ExecResultKind = iota
	// ExecYielded means the thread suspended at a coroutine.yield:
	// Values holds the yield payload.
	ExecYielded
)

// ExecResult is what driving a thread to its next suspension point
// produces.
type ExecResult struct {
	Kind   ExecResultKind
	Values []value.Value
}

// Executor interleaves a Thread's Lua instruction loop with the host
// Callback/Sequence steps its Callback frames delegate to. It holds no
// per-thread state of its own; everything it needs to resume a step
// lives on the Frame it is currently visiting, so a single Executor
// can drive any number of threads, including a thread resuming
// another thread from within a callback.
//
// Grounded on original_source/src/thread.rs's ThreadSequence/Executor
// (a stack of active continuations interleaving ThreadSequences and
// host Sequences), adapted to Go's explicit return values instead of
// recursive async polling.
type Executor struct {
	Context *callback.Context

	// ctx is used only for step/quota tracing via zombiezen.com/go/log
	// (log.Debugf is a no-op call when that log level isn't enabled, so
	// this costs nothing on the hot path by default); it is never
	// passed to Lua code or to a Callback/Sequence, which receive
	// e.Context instead.
	ctx context.Context
}

// NewExecutor returns an Executor using ctx for string interning.
//
// Deprecated: use [NewExecutorContext] to also enable step/quota
// tracing; NewExecutor traces against [context.Background].
func NewExecutor(ctx *callback.Context) *Executor {
	return NewExecutorContext(context.Background(), ctx)
}

// NewExecutorContext returns an Executor using cctx for string
// interning, tracing its StepLua/quota activity through ctx via
// zombiezen.com/go/log the way the teacher's own long-running drivers
// (e.g. internal/backend/realize.go's rpcLogger) carry a ctx field for
// the lifetime of the value instead of threading one through every
// call.
func NewExecutorContext(ctx context.Context, cctx *callback.Context) *Executor {
	return &Executor{Context: cctx, ctx: ctx}
}

// Call starts fn on t, which must not have been started yet, and
// drives it to its first suspension point.
func (e *Executor) Call(t *Thread, fn value.Value, args []value.Value) (ExecResult, error) {
	if err := t.Call(fn, args); err != nil {
		return ExecResult{}, err
	}
	return e.Run(t)
}

// Resume resumes a suspended thread and drives it to its next
// suspension point.
func (e *Executor) Resume(t *Thread, args []value.Value) (ExecResult, error) {
	if err := t.Resume(args); err != nil {
		return ExecResult{}, err
	}
	return e.Run(t)
}

// Run drives t's top frame — a Lua instruction loop, a host Callback,
// or a Sequence it started — until the thread returns all the way out
// to a CallBoundary or reaches a yield point.
func (e *Executor) Run(t *Thread) (ExecResult, error) {
	for {
		top := t.topFrame()
		if top == nil {
			return ExecResult{Kind: ExecReturned}, nil
		}
		switch top.Kind {
		case FrameLua:
			step, err := t.StepLua()
			if err != nil {
				log.Debugf(e.ctx, "luacore: StepLua error: %v", err)
				if _, rerr := t.unwindForRecovery(err); rerr != nil {
					return ExecResult{}, rerr
				}
				continue
			}
			if step.Kind == StepMore {
				log.Debugf(e.ctx, "luacore: thread exhausted its %d-opcode quota, yielding to Executor", quota)
			}
			if step.Kind == StepDone {
				return ExecResult{Kind: ExecReturned, Values: step.Values}, nil
			}
		case FrameCallback:
			done, result, err := e.stepCallback(t, top)
			if err != nil {
				log.Debugf(e.ctx, "luacore: callback/sequence step error: %v", err)
				if _, rerr := t.unwindForRecovery(err); rerr != nil {
					return ExecResult{}, rerr
				}
				continue
			}
			if done {
				return result, nil
			}
		default:
			// FrameYield and FrameCoroutineStart only ever sit on top of
			// a thread that hasn't been resumed yet; Run is only ever
			// called right after Call/Resume pushed a live frame.
			return ExecResult{}, &ThreadError{Kind: BadResume}
		}
	}
}

// stepCallback invokes frame's Callback (on its first visit) or polls
// its Sequence (on every visit after one has been started), and
// dispatches the resulting control-flow action.
func (e *Executor) stepCallback(t *Thread, frame *Frame) (bool, ExecResult, error) {
	stack := callback.NewStack(append([]value.Value(nil), t.stack[frame.Bottom+1:]...)...)

	if frame.Seq != nil {
		var poll callback.SequencePoll
		var err error
		if frame.PendingErr != nil {
			cause := frame.PendingErr
			frame.PendingErr = nil
			poll, err = frame.Seq.Error(e.Context, t, cause, stack)
		} else {
			poll, err = frame.Seq.Poll(e.Context, t, stack)
		}
		if err != nil {
			return false, ExecResult{}, err
		}
		return e.dispatchSequencePoll(t, frame, poll, stack)
	}

	cb, ok := frame.Callback.Impl.(callback.Callback)
	if !ok {
		return false, ExecResult{}, &TypeError{Expected: "callback.Callback", Found: "unsupported GoFunction.Impl"}
	}
	ret, err := cb(e.Context, t, stack)
	if err != nil {
		return false, ExecResult{}, err
	}
	return e.dispatchCallbackReturn(t, frame, ret, stack)
}

func (e *Executor) dispatchCallbackReturn(t *Thread, frame *Frame, ret callback.CallbackReturn, stack *callback.Stack) (bool, ExecResult, error) {
	switch ret.Kind {
	case callback.ReturnKindReturn:
		vals := append([]value.Value(nil), stack.Values()...)
		terminal, err := t.finishFrame(frame, vals)
		if err != nil {
			return false, ExecResult{}, err
		}
		if terminal {
			return true, ExecResult{Kind: ExecReturned, Values: vals}, nil
		}
		return false, ExecResult{}, nil

	case callback.ReturnKindCall:
		args := append([]value.Value(nil), stack.Values()...)
		return false, ExecResult{}, t.startSubCall(frame, ret.Function, ret.Then, args)

	case callback.ReturnKindYield:
		return e.dispatchYield(t, frame, ret.ToThread, stack)

	case callback.ReturnKindResume:
		return e.dispatchResumeTail(t, frame, ret.Thread, stack)

	case callback.ReturnKindSequence:
		frame.Seq = ret.Seq
		return false, ExecResult{}, nil

	default:
		return false, ExecResult{}, &TypeError{Expected: "known CallbackReturnKind", Found: "unrecognized"}
	}
}

func (e *Executor) dispatchSequencePoll(t *Thread, frame *Frame, poll callback.SequencePoll, stack *callback.Stack) (bool, ExecResult, error) {
	switch poll.Kind {
	case callback.PollKindPending:
		return false, ExecResult{}, nil

	case callback.PollKindCall:
		args := append([]value.Value(nil), stack.Values()...)
		return false, ExecResult{}, t.startSubCall(frame, poll.Function, poll.Then, args)

	case callback.PollKindYield:
		return e.dispatchYield(t, frame, poll.ToThread, stack)

	case callback.PollKindResume:
		return e.dispatchResumePoll(t, frame, poll.Thread, stack)

	case callback.PollKindReturn:
		vals := append([]value.Value(nil), stack.Values()...)
		terminal, err := t.finishFrame(frame, vals)
		if err != nil {
			return false, ExecResult{}, err
		}
		if terminal {
			return true, ExecResult{Kind: ExecReturned, Values: vals}, nil
		}
		return false, ExecResult{}, nil

	case callback.PollKindTailCall:
		return false, ExecResult{}, t.startSubCall(frame, poll.Function, nil, append([]value.Value(nil), stack.Values()...))

	default:
		return false, ExecResult{}, &TypeError{Expected: "known SequencePollKind", Found: "unrecognized"}
	}
}

// dispatchYield mutates frame in place into a FrameYield marker rather
// than popping it, per the rule that a yield suspends the current
// frame without unwinding it: the next Resume on this thread finds
// the marker and delivers resume() arguments through frame.Return
// exactly as deliverUpper would for an ordinary call result.
//
// Targeting a thread other than t ("yield to a specific coroutine",
// as some embedding APIs allow for generator-style wrapping) would
// require suspending a frame on a call stack the Executor is not
// currently driving, which this Run loop's single-thread-at-a-time
// model cannot express; it is reported as BadYield rather than
// silently misbehaving.
func (e *Executor) dispatchYield(t *Thread, frame *Frame, toThread value.ThreadValue, stack *callback.Stack) (bool, ExecResult, error) {
	if toThread != nil && toThread != value.ThreadValue(t) {
		return false, ExecResult{}, &ThreadError{Kind: BadYield}
	}
	if !t.CurrentIsYieldable() {
		return false, ExecResult{}, &ThreadError{Kind: BadYield}
	}
	vals := append([]value.Value(nil), stack.Values()...)
	frame.Kind = FrameYield
	return true, ExecResult{Kind: ExecYielded, Values: vals}, nil
}

// dispatchResumeTail handles a raw Callback's one-shot ReturnKindResume:
// since a Callback has no way to be revisited, the resumed thread's
// eventual result (whether it returns or yields again) is delivered
// straight through frame's own Return contract, the same way a tail
// call reuses its caller's contract in execTailCall.
func (e *Executor) dispatchResumeTail(t *Thread, frame *Frame, target value.ThreadValue, stack *callback.Stack) (bool, ExecResult, error) {
	th, ok := target.(*Thread)
	if !ok {
		return false, ExecResult{}, &TypeError{Expected: "*vm.Thread", Found: "unsupported ThreadValue"}
	}
	sub, err := e.Resume(th, append([]value.Value(nil), stack.Values()...))
	if err != nil {
		return false, ExecResult{}, err
	}
	terminal, ferr := t.finishFrame(frame, sub.Values)
	if ferr != nil {
		return false, ExecResult{}, ferr
	}
	if terminal {
		return true, ExecResult{Kind: ExecReturned, Values: sub.Values}, nil
	}
	return false, ExecResult{}, nil
}

// dispatchResumePoll handles a Sequence's PollKindResume: unlike the
// tail form, the sequence itself is revisited afterward — its Poll
// runs again with the resumed thread's results staged as its own
// stack, so it gets a chance to wrap them (coroutine.resume's
// true/false tuple, for instance) before finishing.
func (e *Executor) dispatchResumePoll(t *Thread, frame *Frame, target value.ThreadValue, stack *callback.Stack) (bool, ExecResult, error) {
	th, ok := target.(*Thread)
	if !ok {
		return false, ExecResult{}, &TypeError{Expected: "*vm.Thread", Found: "unsupported ThreadValue"}
	}
	sub, err := e.Resume(th, append([]value.Value(nil), stack.Values()...))
	if err != nil {
		return false, ExecResult{}, err
	}
	t.truncate(frame.Bottom + 1)
	t.stack = append(t.stack, sub.Values...)
	return false, ExecResult{}, nil
}

// startSubCall invokes fn with args on behalf of frame. A nil then is
// a tail sub-call: frame is popped immediately and fn's eventual
// result is delivered through frame's own Return contract, matching
// execTailCall. A non-nil then leaves frame in place with Seq set to
// it, so the next time the Executor visits frame (once fn's own
// frame pops back out) it polls then with fn's results staged at
// frame.Bottom+1, the same region a callback's arguments are read
// from.
func (t *Thread) startSubCall(frame *Frame, fn value.Value, then callback.Sequence, args []value.Value) error {
	if then == nil {
		t.closeUpvalues(frame.Bottom)
		t.popFrame()
		bottom := frame.Bottom
		t.truncate(bottom)
		t.stack = append(t.stack, fn)
		t.stack = append(t.stack, args...)
		return t.enterCall(bottom, len(args), frame.Return, frame.Yieldable)
	}
	frame.Seq = then
	bottom := len(t.stack)
	t.stack = append(t.stack, fn)
	t.stack = append(t.stack, args...)
	ret := FrameReturn{Kind: Upper, Dest: frame.Bottom + 1, Count: bytecode.Variable()}
	return t.enterCall(bottom, len(args), ret, frame.Yieldable)
}

// finishFrame pops frame and delivers vals as its results, reporting
// whether that delivery was to a CallBoundary (the end of this Run
// call) the way execReturn does for an ordinary Lua Return.
func (t *Thread) finishFrame(frame *Frame, vals []value.Value) (terminal bool, err error) {
	kind := frame.Return.Kind
	t.closeUpvalues(frame.Bottom)
	t.popFrame()
	if err := t.deliverUpper(frame, vals); err != nil {
		return false, err
	}
	return kind == CallBoundary, nil
}

// unwindForRecovery pops frame(s) starting with the one that just
// produced cause, closing upvalues as it goes, looking for an
// enclosing Sequence frame that can attempt recovery via its Error
// method. If none is found before the nearest CallBoundary, the stack
// is truncated there and cause is returned for Run to report — the
// same boundary Thread.Unwind stops at, except this version checks
// for a recoverable Sequence at every step instead of unconditionally
// unwinding to the boundary.
func (t *Thread) unwindForRecovery(cause error) (*Frame, error) {
	for len(t.frames) > 0 {
		top := t.popFrame()
		t.closeUpvalues(top.Bottom)
		boundary := top.Return.Kind == CallBoundary
		next := t.topFrame()
		if next != nil && next.Kind == FrameCallback && next.Seq != nil {
			next.PendingErr = cause
			return next, nil
		}
		if boundary {
			t.truncate(top.Bottom)
			return nil, cause
		}
	}
	return nil, cause
}
