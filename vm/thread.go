// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package vm implements the coroutine-capable thread state machine
// and its register-based instruction loop: Frame/FrameKind bookkeeping,
// the quota-preemptible stepLua dispatch, and the Executor that
// interleaves Thread steps with pending host Sequences.
//
// Grounded on original_source/src/thread.rs (ThreadState, Frame,
// FrameType, FrameReturn, ThreadResult, ThreadSequence), adapted from
// its recursive call_closure/call_callback dispatch to an explicit
// frame-stack loop — internal/mylua/vm.go's exec() recurses through
// Go's own call stack for every Lua call, which cannot yield across a
// host callback or be preempted mid-call, both of which this package
// requires.
package vm

import (
	"sort"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/metaops"
	"github.com/256lights/luacore/value"
)

// Status is a coroutine's externally observable state, matching real
// Lua's coroutine.status (four-state, extending spec.md's three
// implicit states with Normal — see DESIGN.md).
type Status uint8

const (
	StatusSuspended Status = iota
	StatusRunning
	StatusNormal
	StatusDead
)

//go:generate stringer -type=Status -linecomment -output=status_string.go

// Thread is a Lua coroutine: a stack of registers, a stack of call
// frames, and the up-value cells currently open against this thread's
// stack.
type Thread struct {
	id     string
	stack  []value.Value
	frames []*Frame

	// openUpvalues is sorted by StackIndex, standing in for
	// thread.rs's BTreeMap<usize, UpValue> (Go has no sorted map in
	// the standard library or the example pack).
	openUpvalues []*value.UpValue

	// resumer is the thread that most recently resumed this one, set
	// for the duration of that resume so Status can report Normal on
	// the resumer.
	resumer *Thread
}

// NewThread returns a new, not-yet-started coroutine.
func NewThread() *Thread {
	return &Thread{}
}

// LuaType implements value.Value.
func (*Thread) LuaType() value.Type { return value.TypeThread }

// ID implements value.Identifiable.
func (t *Thread) ID() string {
	if t.id == "" {
		t.id = value.NewID()
	}
	return t.id
}

var _ value.ThreadValue = (*Thread)(nil)

// StackGet implements value.Stack for open up-values owned by t.
func (t *Thread) StackGet(i int) value.Value {
	return t.stack[i]
}

// StackSet implements value.Stack for open up-values owned by t.
func (t *Thread) StackSet(i int, v value.Value) {
	t.stack[i] = v
}

// Status reports the thread's current coroutine state.
func (t *Thread) Status() Status {
	if t.resumer != nil {
		return StatusNormal
	}
	if len(t.frames) == 0 {
		if t.id == "" {
			return StatusSuspended // never started
		}
		return StatusDead
	}
	top := t.frames[len(t.frames)-1]
	switch top.Kind {
	case FrameYield, FrameCoroutineStart:
		return StatusSuspended
	default:
		return StatusRunning
	}
}

func (t *Thread) pushFrame(f *Frame) {
	t.frames = append(t.frames, f)
}

func (t *Thread) topFrame() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

func (t *Thread) popFrame() *Frame {
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	return f
}

func (t *Thread) ensureLen(n int) {
	for len(t.stack) < n {
		t.stack = append(t.stack, nil)
	}
}

func (t *Thread) truncate(n int) {
	t.stack = t.stack[:n]
}

// findOpenUpvalue returns the index within openUpvalues of the open
// upvalue at stack index idx, or where it should be inserted.
func (t *Thread) findOpenUpvalue(idx int) (int, bool) {
	i := sort.Search(len(t.openUpvalues), func(i int) bool {
		return t.openUpvalues[i].StackIndex() >= idx
	})
	if i < len(t.openUpvalues) && t.openUpvalues[i].StackIndex() == idx {
		return i, true
	}
	return i, false
}

// upvalueAt returns the open upvalue aliasing stack index idx,
// creating one if none exists yet. Grounded on
// internal/mylua/functions.go's resolveUpvalue/stackUpvalue.
func (t *Thread) upvalueAt(idx int) *value.UpValue {
	i, found := t.findOpenUpvalue(idx)
	if found {
		return t.openUpvalues[i]
	}
	uv := value.NewOpenUpValue(t, idx)
	t.openUpvalues = append(t.openUpvalues, nil)
	copy(t.openUpvalues[i+1:], t.openUpvalues[i:])
	t.openUpvalues[i] = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above stack index
// from, removing them from openUpvalues. Grounded on
// internal/mylua/functions.go's closeUpvalues and
// thread.rs's close_upvalues.
func (t *Thread) closeUpvalues(from int) {
	i, _ := t.findOpenUpvalue(from)
	for _, uv := range t.openUpvalues[i:] {
		uv.Close()
	}
	t.openUpvalues = t.openUpvalues[:i]
}

// Call starts a fresh call on an empty (Finished) thread: fn, then
// args are pushed, and a CallBoundary entry frame is synthesized. It
// panics if the thread already has frames (use Resume for a
// suspended coroutine).
func (t *Thread) Call(fn value.Value, args []value.Value) error {
	if len(t.frames) != 0 {
		panic("vm: Call on a thread that already has frames")
	}
	bottom := len(t.stack)
	t.stack = append(t.stack, fn)
	t.stack = append(t.stack, args...)
	return t.enterCall(bottom, len(args), FrameReturn{Kind: CallBoundary}, false)
}

// Resume resumes a Suspended thread. For a never-started coroutine,
// args become the call arguments; for one suspended at a yield, args
// become the yield's return values.
func (t *Thread) Resume(args []value.Value) error {
	if t.Status() != StatusSuspended || len(t.frames) == 0 {
		return &ThreadError{Kind: BadResume}
	}
	top := t.popFrame()
	switch top.Kind {
	case FrameCoroutineStart:
		bottom := top.Bottom
		t.truncate(bottom)
		fn := top.StartFunction
		t.stack = append(t.stack, fn)
		t.stack = append(t.stack, args...)
		return t.enterCall(bottom, len(args), top.Return, true)
	case FrameYield:
		return t.deliverUpper(top, args)
	default:
		t.pushFrame(top)
		return &ThreadError{Kind: BadResume}
	}
}

// NewCoroutine returns a suspended thread that will invoke fn on its
// first Resume.
func NewCoroutine(fn value.Value) *Thread {
	t := &Thread{id: value.NewID()}
	t.frames = append(t.frames, &Frame{
		Kind:          FrameCoroutineStart,
		StartFunction: fn,
		Return:        FrameReturn{Kind: CallBoundary},
		Yieldable:     true,
	})
	return t
}

// enterCall pushes a new frame for the callee already sitting at
// stack[bottom], dispatching on whether it is a Lua closure or a host
// function.
func (t *Thread) enterCall(bottom, argCount int, ret FrameReturn, yieldable bool) error {
	callee := t.stack[bottom]
	switch fn := callee.(type) {
	case *value.Closure:
		proto, ok := fn.Proto.(*bytecode.Prototype)
		if !ok {
			return &TypeError{Expected: "bytecode.Prototype", Found: "unknown prototype"}
		}
		base := bottom + 1
		fixed := int(proto.NumParams)
		if argCount > fixed {
			base = bottom + 1 + (argCount - fixed)
		}
		t.ensureLen(base + int(proto.MaxStackSize))
		if argCount > fixed {
			// Move the fixed parameters up to the new frame base,
			// leaving the extra arguments below it in [bottom+1, base).
			fixedSlice := make([]value.Value, fixed)
			copy(fixedSlice, t.stack[bottom+1:bottom+1+fixed])
			copy(t.stack[base:base+fixed], fixedSlice)
		}
		for i := base + min(argCount, fixed); i < base+int(proto.MaxStackSize); i++ {
			t.stack[i] = nil
		}
		t.pushFrame(&Frame{
			Bottom:    bottom,
			Top:       len(t.stack),
			Kind:      FrameLua,
			Closure:   fn,
			Proto:     proto,
			PC:        0,
			Base:      base,
			Return:    ret,
			Yieldable: yieldable,
		})
		return nil
	case *value.GoFunction:
		t.pushFrame(&Frame{Bottom: bottom, Top: len(t.stack), Kind: FrameCallback, Callback: fn, Return: ret, Yieldable: yieldable})
		return nil
	default:
		fn, cerr := metaops.Call(callee)
		if cerr != nil {
			return &TypeError{Expected: "function", Found: value.TypeName(callee)}
		}
		t.stack[bottom] = fn
		return t.enterCall(bottom, argCount, ret, yieldable)
	}
}

// deliverUpper writes vals into the frame below top's recorded
// destination/contract and resumes it, used both for normal Lua
// `Return` and for delivering resume() args into a yield point.
func (t *Thread) deliverUpper(top *Frame, vals []value.Value) error {
	switch top.Return.Kind {
	case CallBoundary:
		t.truncate(top.Bottom)
		t.stack = append(t.stack, vals...)
		return nil
	case Upper:
		caller := t.topFrame()
		if caller == nil {
			t.truncate(top.Bottom)
			t.stack = append(t.stack, vals...)
			return nil
		}
		dest := top.Return.Dest
		if !top.Return.Count.IsVariable() {
			n := int(top.Return.Count.Count())
			t.ensureLen(dest + n)
			for i := 0; i < n; i++ {
				if i < len(vals) {
					t.stack[dest+i] = vals[i]
				} else {
					t.stack[dest+i] = nil
				}
			}
			t.truncate(caller.Top)
		} else {
			t.truncate(dest)
			t.stack = append(t.stack, vals...)
		}
		if caller.Kind == FrameLua {
			caller.PC++
		}
		return nil
	default:
		return nil
	}
}

// Unwind pops frames down to and including the nearest CallBoundary,
// closing every upvalue along the way, in response to a fatal error.
// Grounded on thread.rs's unwind.
func (t *Thread) Unwind() {
	for len(t.frames) > 0 {
		top := t.popFrame()
		t.closeUpvalues(top.Bottom)
		if top.Return.Kind == CallBoundary {
			t.truncate(top.Bottom)
			return
		}
	}
}

var _ callback.Execution = (*Thread)(nil)

// CurrentIsYieldable implements callback.Execution.
func (t *Thread) CurrentIsYieldable() bool {
	top := t.topFrame()
	return top != nil && top.Yieldable
}
