// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package callback defines the ABI host functions use to participate
// in the interpreter: a single-shot [Callback] and the multi-step
// [Sequence] continuation it may hand control to. Both communicate
// with the driving vm.Executor purely through their return values
// (CallbackReturn / SequencePoll), never by calling back into the
// interpreter directly, so every hand-off remains a single, resumable
// step — the same shape internal/mylua/functions.go's
// `Function func(*State) (int, error)` has, generalized from a bare
// result count to a tagged union of the richer control-flow actions
// spec.md requires (Call/Yield/Resume/Sequence).
package callback

import "github.com/256lights/luacore/value"

// Stack is the mutable argument/result buffer a Callback or Sequence
// operates on. It is owned by the Executor for the duration of one
// step; a callback reads arguments starting at index 0 and reports
// results by clearing the stack and pushing them, mirroring
// internal/mylua/lua.go's calling convention.
type Stack struct {
	values []value.Value
}

// NewStack returns a Stack pre-populated with args.
func NewStack(args ...value.Value) *Stack {
	return &Stack{values: args}
}

// Len returns the number of values currently on the stack.
func (s *Stack) Len() int {
	return len(s.values)
}

// Get returns the value at index i, or Nil if i is out of range.
func (s *Stack) Get(i int) value.Value {
	if i < 0 || i >= len(s.values) {
		return nil
	}
	return s.values[i]
}

// Values returns the full backing slice. Callers must not retain it
// past the current step.
func (s *Stack) Values() []value.Value {
	return s.values
}

// Clear empties the stack.
func (s *Stack) Clear() {
	s.values = s.values[:0]
}

// Push appends a value.
func (s *Stack) Push(v value.Value) {
	s.values = append(s.values, v)
}

// PushFront inserts v at index 0, shifting existing values up. Used
// when a metamethod chain needs to prepend the receiver (e.g. __call).
func (s *Stack) PushFront(v value.Value) {
	s.values = append(s.values, nil)
	copy(s.values[1:], s.values[:len(s.values)-1])
	s.values[0] = v
}

// Replace discards the current contents and sets the stack to vs.
func (s *Stack) Replace(vs []value.Value) {
	s.values = vs
}

// Context is the minimal ambient state a Callback or Sequence needs:
// interning/allocation helpers the host provides. It intentionally
// carries no reference to the running Thread; Sequences influence
// control flow only through their return value.
type Context struct {
	// Intern returns a canonical *value.String for s, analogous to
	// internal/mylua's string-interning table. A zero Context interns
	// trivially (always allocates), which is sufficient for tests.
	Intern func(s string) *value.String
}

func (c *Context) intern(s string) *value.String {
	if c != nil && c.Intern != nil {
		return c.Intern(s)
	}
	return value.NewString(s)
}

// String returns a canonical string value for s.
func (c *Context) String(s string) *value.String {
	return c.intern(s)
}

// Execution is the Executor-facing handle a Callback/Sequence can
// query for scheduling context, such as whether the current Thread is
// yieldable. The vm package supplies the concrete implementation.
type Execution interface {
	// CurrentIsYieldable reports whether the nearest frame on the
	// calling path allows coroutine.yield.
	CurrentIsYieldable() bool
}

// Callback is a single-shot host function. Its return value selects
// the next control-flow action the Executor takes; see
// [CallbackReturn].
type Callback func(ctx *Context, exec Execution, stack *Stack) (CallbackReturn, error)

// CallbackReturnKind enumerates the control-flow actions a Callback
// may request.
type CallbackReturnKind uint8

const (
	// ReturnKindReturn pops the current frame, surfacing stack's
	// current contents as results.
	ReturnKindReturn CallbackReturnKind = iota
	// ReturnKindCall invokes Function, optionally chaining Then as a
	// Sequence over its results.
	ReturnKindCall
	// ReturnKindYield turns stack's contents into a yield payload of
	// the currently running thread. ToThread may be nil or that same
	// thread; the Executor rejects any other thread with a BadYield
	// ThreadError.
	ReturnKindYield
	// ReturnKindResume resumes Thread with stack's contents as resume
	// arguments.
	ReturnKindResume
	// ReturnKindSequence hands control to Seq for subsequent steps.
	ReturnKindSequence
)

// CallbackReturn is the tagged result of a Callback invocation.
type CallbackReturn struct {
	Kind CallbackReturnKind

	Function value.Value // ReturnKindCall
	Then     Sequence     // ReturnKindCall, optional

	ToThread value.ThreadValue // ReturnKindYield, optional

	Thread value.ThreadValue // ReturnKindResume

	Seq Sequence // ReturnKindSequence
}

// Return constructs a CallbackReturn that pops the current frame.
func Return() CallbackReturn {
	return CallbackReturn{Kind: ReturnKindReturn}
}

// Call constructs a CallbackReturn that invokes fn, optionally
// chaining then over its results.
func Call(fn value.Value, then Sequence) CallbackReturn {
	return CallbackReturn{Kind: ReturnKindCall, Function: fn, Then: then}
}

// Yield constructs a CallbackReturn that yields the stack's current
// contents from the running thread. toThread may be nil or the running
// thread; any other thread is rejected with BadYield.
func Yield(toThread value.ThreadValue) CallbackReturn {
	return CallbackReturn{Kind: ReturnKindYield, ToThread: toThread}
}

// Resume constructs a CallbackReturn that resumes thread with the
// stack's current contents.
func Resume(thread value.ThreadValue) CallbackReturn {
	return CallbackReturn{Kind: ReturnKindResume, Thread: thread}
}

// StartSequence constructs a CallbackReturn that hands control to seq.
func StartSequence(seq Sequence) CallbackReturn {
	return CallbackReturn{Kind: ReturnKindSequence, Seq: seq}
}

// Sequence is a resumable host continuation. The Executor polls it
// repeatedly via poll (and, after an unwound error from a sub-call,
// via error) until it produces a terminal [SequencePoll].
type Sequence interface {
	// Poll is called when the sequence is resumed normally (including
	// its first step).
	Poll(ctx *Context, exec Execution, stack *Stack) (SequencePoll, error)
	// Error is called instead of Poll when the sequence's most recent
	// sub-call unwound with an error. The sequence may recover by
	// returning a non-error SequencePoll, or propagate by returning
	// the error (or a wrapping of it).
	Error(ctx *Context, exec Execution, err error, stack *Stack) (SequencePoll, error)
}

// SequencePollKind enumerates the results a Sequence step may produce.
type SequencePollKind uint8

const (
	// PollKindPending yields to the Executor's scheduler without
	// otherwise touching the Lua stack; the sequence will be polled
	// again later.
	PollKindPending SequencePollKind = iota
	// PollKindCall invokes Function. If Then is nil this is a tail
	// call: the sequence's frame is replaced and Function's results
	// become the frame's results. Otherwise Then replaces this
	// sequence and is polled with Function's results.
	PollKindCall
	// PollKindYield yields stack's contents from the running thread;
	// ToThread, if set, must be that same thread.
	PollKindYield
	// PollKindResume resumes Thread with stack's contents.
	PollKindResume
	// PollKindReturn terminates the sequence, surfacing stack's
	// contents as the result of the frame it was running under.
	PollKindReturn
	// PollKindTailCall terminates the sequence by tail-calling
	// Function instead of returning stack's contents directly.
	PollKindTailCall
)

// SequencePoll is the tagged result of one Sequence step.
type SequencePoll struct {
	Kind SequencePollKind

	Function value.Value // PollKindCall, PollKindTailCall
	Then     Sequence     // PollKindCall, optional

	ToThread value.ThreadValue // PollKindYield, optional
	Thread   value.ThreadValue // PollKindResume
}

// Pending constructs a SequencePoll that suspends without a sub-call.
func Pending() SequencePoll {
	return SequencePoll{Kind: PollKindPending}
}

// PollCall constructs a SequencePoll that invokes fn.
func PollCall(fn value.Value, then Sequence) SequencePoll {
	return SequencePoll{Kind: PollKindCall, Function: fn, Then: then}
}

// PollYield constructs a SequencePoll that yields.
func PollYield(toThread value.ThreadValue) SequencePoll {
	return SequencePoll{Kind: PollKindYield, ToThread: toThread}
}

// PollResume constructs a SequencePoll that resumes thread.
func PollResume(thread value.ThreadValue) SequencePoll {
	return SequencePoll{Kind: PollKindResume, Thread: thread}
}

// PollReturn constructs a terminal SequencePoll.
func PollReturn() SequencePoll {
	return SequencePoll{Kind: PollKindReturn}
}

// PollTailCall constructs a terminal SequencePoll that tail-calls fn.
func PollTailCall(fn value.Value) SequencePoll {
	return SequencePoll{Kind: PollKindTailCall, Function: fn}
}

// Func adapts a bare poll function into a one-shot [Sequence] with no
// error-recovery behavior (errors simply propagate), for the common
// case of a sequence that never expects its sub-calls to fail in a
// recoverable way.
type Func func(ctx *Context, exec Execution, stack *Stack) (SequencePoll, error)

// Poll implements Sequence.
func (f Func) Poll(ctx *Context, exec Execution, stack *Stack) (SequencePoll, error) {
	return f(ctx, exec, stack)
}

// Error implements Sequence by propagating err unchanged.
func (f Func) Error(ctx *Context, exec Execution, err error, stack *Stack) (SequencePoll, error) {
	return SequencePoll{}, err
}

var _ Sequence = Func(nil)
