// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package async lets a host author a multi-step callback.Sequence as
// one ordinary-looking Go function with suspension points, instead of
// hand-writing a SequencePoll-returning state machine.
//
// Go has real stackful coroutines (goroutines), so the adapter is
// built on one goroutine per AsyncSequence rather than the
// continuation-trampoline fallback a language without them would
// need. The driving vm.Executor and the sequence goroutine hand off
// through a pair of unbuffered, single-use-per-step channels —
// functionally a noop-waker future expressed with channels instead of
// async/await. Exactly one side runs Lua-visible logic at a time: the
// goroutine blocks on the reply channel immediately after filing a
// request, and the driver blocks on the request channel immediately
// after sending a reply, so there is never a moment where both run
// concurrently.
package async

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/stash"
	"github.com/256lights/luacore/value"
)

// Local is a GC value that has been stashed into a sequence's own
// root set, the only kind of value safe to hold across one of
// SequenceState's suspension points. An alias for stash.Stash, named
// to match the originating design's Local<'seq, T>.
type Local[T any] = stash.Stash[T]

// Stash crosses v into ss's owning sequence so it can be held across a
// suspension point; recover it afterward with Fetch.
func Stash[T any](ss *SequenceState, v T) Local[T] {
	return stash.New(ss.scope, v)
}

// Fetch recovers a value stashed with Stash, panicking if the scope it
// was stashed under has since entered a later generation.
func Fetch[T any](l Local[T]) T {
	return stash.Fetch(l)
}

// ReturnKind selects which terminal action a Func's Return produces.
type ReturnKind uint8

const (
	// ReturnValues terminates the sequence, reporting Values as the
	// result of the frame the sequence is running under.
	ReturnValues ReturnKind = iota
	// ReturnTailCall terminates the sequence by tail-calling Function
	// with Values as its arguments, instead of returning Values
	// directly.
	ReturnTailCall
	// ReturnYield terminates the sequence by yielding Values. Unlike
	// Call and Resume, a yielded frame is never polled again — the
	// next Resume on this thread delivers straight through the
	// frame's own return contract (see vm.Executor.dispatchYield) — so
	// yielding is only offered as a terminal action, never as a
	// SequenceState suspending operation that expects the routine to
	// continue afterward.
	ReturnYield
)

// Return is the terminal action a Func reports when it has no more
// suspending operations to perform.
type Return struct {
	Kind ReturnKind

	Values   []value.Value     // ReturnValues, ReturnTailCall (as args), ReturnYield (as payload)
	Function value.Value       // ReturnTailCall
	ToThread value.ThreadValue // ReturnYield, optional
}

// Func is the body of an async sequence: an ordinary Go function that
// suspends by calling methods on ss instead of returning a
// SequencePoll by hand.
type Func func(ss *SequenceState, ctx *callback.Context, exec callback.Execution) (Return, error)

// request is what the sequence goroutine sends the driver each time it
// suspends (including its terminal action).
type request struct {
	poll  callback.SequencePoll
	args  []value.Value
	final bool
}

// reply is what the driver sends back once the requested action has
// been carried out, unblocking the suspended goroutine.
type reply struct {
	values []value.Value
	err    error
}

// SequenceState is the handle a Func uses to suspend. It corresponds
// to the originating design's lifetime-branded SequenceState; Go has
// no lifetime to brand it with, so callers are trusted not to retain
// it past their Func call the way the branded version would refuse to
// compile.
type SequenceState struct {
	scope *stash.Scope
	reqCh chan request
	repCh chan reply
}

// Scope returns ss's root set, for use with Stash/Fetch.
func (ss *SequenceState) Scope() *stash.Scope {
	return ss.scope
}

func (ss *SequenceState) suspend(poll callback.SequencePoll, args []value.Value) ([]value.Value, error) {
	ss.reqCh <- request{poll: poll, args: args}
	r := <-ss.repCh
	return r.values, r.err
}

// Pending suspends once without touching the Lua stack, resuming once
// the Executor polls this sequence again.
func (ss *SequenceState) Pending() error {
	_, err := ss.suspend(callback.Pending(), nil)
	return err
}

// Call invokes fn with args, suspending until it returns (or errors).
func (ss *SequenceState) Call(fn value.Value, args []value.Value) ([]value.Value, error) {
	return ss.suspend(callback.PollCall(fn, nil), args)
}

// Resume resumes thread with args, suspending until it yields or
// returns (or errors).
func (ss *SequenceState) Resume(thread value.ThreadValue, args []value.Value) ([]value.Value, error) {
	return ss.suspend(callback.PollResume(thread), args)
}

// AsyncSequence adapts a Func into a callback.Sequence, running it on
// its own goroutine supervised by an errgroup.Group so a panic inside
// fn is recovered and surfaced as an ordinary error instead of
// crashing the host process.
type AsyncSequence struct {
	fn      Func
	scope   *stash.Scope
	reqCh   chan request
	repCh   chan reply
	group   *errgroup.Group
	started bool
}

// New returns a not-yet-started AsyncSequence running fn. This is the
// adapter's enter/try_enter: Go's explicit error returns already make
// every entry fallible, so there is no separate infallible variant to
// distinguish from a fallible one the way the originating design's
// enter/try_enter pair does — one constructor covers both.
func New(fn Func) *AsyncSequence {
	return &AsyncSequence{
		fn:    fn,
		scope: stash.NewScope(),
		reqCh: make(chan request),
		repCh: make(chan reply),
		group: &errgroup.Group{},
	}
}

var _ callback.Sequence = (*AsyncSequence)(nil)

func (a *AsyncSequence) start(ctx *callback.Context, exec callback.Execution) {
	a.scope.Enter()
	a.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("async: sequence panicked: %v", r)
			}
			// Invalidate every Local stashed during this routine's
			// lifetime: the owning scope has now returned.
			a.scope.Enter()
			close(a.reqCh)
		}()
		ss := &SequenceState{scope: a.scope, reqCh: a.reqCh, repCh: a.repCh}
		ret, ferr := a.fn(ss, ctx, exec)
		if ferr != nil {
			return ferr
		}
		a.reqCh <- terminalRequest(ret)
		return nil
	})
}

func terminalRequest(ret Return) request {
	switch ret.Kind {
	case ReturnTailCall:
		return request{poll: callback.PollTailCall(ret.Function), args: ret.Values, final: true}
	case ReturnYield:
		return request{poll: callback.PollYield(ret.ToThread), args: ret.Values, final: true}
	default:
		return request{poll: callback.PollReturn(), args: ret.Values, final: true}
	}
}

// next reads the next suspension request from the goroutine, waiting
// for the channel to close (the goroutine finished or panicked) to
// report the errgroup's error instead.
func (a *AsyncSequence) next(stack *callback.Stack) (callback.SequencePoll, error) {
	req, ok := <-a.reqCh
	if !ok {
		if err := a.group.Wait(); err != nil {
			return callback.SequencePoll{}, err
		}
		return callback.SequencePoll{}, errors.New("async: sequence goroutine exited without a result")
	}
	stack.Clear()
	for _, v := range req.args {
		stack.Push(v)
	}
	poll := req.poll
	if poll.Kind == callback.PollKindCall && !req.final {
		// Keep this sequence in control once the sub-call completes,
		// instead of being treated as a tail sub-call (see
		// vm.Thread.startSubCall): the goroutine is still alive,
		// waiting on repCh for the sub-call's results.
		poll.Then = a
	}
	return poll, nil
}

// Poll implements callback.Sequence.
func (a *AsyncSequence) Poll(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.SequencePoll, error) {
	if !a.started {
		a.started = true
		a.start(ctx, exec)
		return a.next(stack)
	}
	a.repCh <- reply{values: append([]value.Value(nil), stack.Values()...)}
	return a.next(stack)
}

// Error implements callback.Sequence, delivering cause to the
// suspended goroutine's pending suspend call so it can recover (or
// propagate by returning the error from its Func).
func (a *AsyncSequence) Error(ctx *callback.Context, exec callback.Execution, cause error, stack *callback.Stack) (callback.SequencePoll, error) {
	a.repCh <- reply{err: cause}
	return a.next(stack)
}
