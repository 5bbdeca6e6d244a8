// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
)

// FrameKind identifies what a [Frame] represents on the call stack.
// Grounded on original_source/src/thread.rs's FrameType.
type FrameKind uint8

const (
	// FrameLua is a running Lua closure invocation.
	FrameLua FrameKind = iota
	// FrameCallback marks a frame delegated to a host Callback; it is
	// popped once the callback (or the Sequence it started) produces
	// a terminal result.
	FrameCallback
	// FrameYield marks a suspended coroutine.yield point.
	FrameYield
	// FrameCoroutineStart marks a freshly created, never-resumed
	// coroutine; its StartFunction field holds the body to invoke on first
	// resume.
	FrameCoroutineStart
)

//go:generate stringer -type=FrameKind -linecomment -output=frame_string.go

// FrameReturnKind distinguishes a frame whose results surface all the
// way out to the embedder from one whose results continue execution
// of the calling Lua frame.
type FrameReturnKind uint8

const (
	// CallBoundary means results surface to the outer call/resume/
	// Executor step; unwinding stops here.
	CallBoundary FrameReturnKind = iota
	// Upper means results are written into the calling Lua frame's
	// registers and execution of that frame resumes.
	Upper
)

// FrameReturn says how a frame's results are delivered.
type FrameReturn struct {
	Kind FrameReturnKind
	// Count is only meaningful when Kind is Upper: how many result
	// values the calling instruction requested.
	Count bytecode.VarCount
	// Dest is only meaningful when Kind is Upper: the destination
	// register in the calling frame.
	Dest int
}

// Frame is one entry in a Thread's call stack.
type Frame struct {
	Bottom int // stack slot of the callee value
	Top    int // recorded stack top to restore results into
	Kind   FrameKind

	// Lua-frame state (Kind == FrameLua).
	Closure *value.Closure
	Proto   *bytecode.Prototype
	PC      int
	// Base is the first register index: Bottom+1 for a function with
	// no extra arguments, or Bottom+1+(argCount-fixedParams) when more
	// arguments were passed than the function declares, so that
	// [Bottom+1, Base) holds the extra arguments VarArgs copies from.
	// Grounded on thread.rs's call_closure base computation.
	Base int

	// FrameCoroutineStart state.
	StartFunction value.Value

	// FrameCallback state. Callback holds the host function this frame
	// delegates to; Seq is nil until the callback's first step starts a
	// multi-step Sequence, after which subsequent Executor visits poll
	// Seq instead of invoking Callback again. PendingErr carries an
	// error from a sub-call that unwound into this frame, consumed by
	// the next call to Seq.Error rather than Seq.Poll.
	Callback   *value.GoFunction
	Seq        callback.Sequence
	PendingErr error

	Return    FrameReturn
	Yieldable bool
}
