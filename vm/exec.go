// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/metaops"
	"github.com/256lights/luacore/value"
)

// quota is the maximum number of opcodes StepLua executes before
// returning StepMore, the VM's preemption boundary. Grounded on
// original_source/src/thread.rs's THREAD_GRANULARITY.
const quota = 64

// StepKind classifies what StepLua produced.
type StepKind uint8

const (
	// StepMore means the quota was exhausted with the thread still
	// runnable; call StepLua again.
	StepMore StepKind = iota
	// StepCallback means a Callback frame is now on top of the stack;
	// the Executor must invoke it (see GoFunction.Impl) rather than
	// calling StepLua again.
	StepCallback
	// StepDone means a Return delivered its results to a CallBoundary,
	// ending this run: Values holds those results.
	StepDone
)

// StepResult is StepLua's report of what happened during one slice of
// execution.
type StepResult struct {
	Kind   StepKind
	Values []value.Value
}

// StepLua runs the thread's Lua frames for at most quota opcodes,
// following Calls into Lua callees and Returns into Lua callers. It
// stops early when a Callback frame reaches the top (StepCallback) or
// a Return reaches a CallBoundary (StepDone). It panics if the top
// frame is not a FrameLua frame;
// callers (the Executor) are expected to check Thread.Status()/the
// frame kind first.
//
// Grounded on thread.rs's step_lua, adapted from internal/mylua/vm.go's
// exec() (a single recursive Go call per Lua call) to an explicit
// frame-stack loop that does not recurse, so a Callback frame or an exhausted
// quota can be handled by the Executor instead of deep in the Go
// call stack.
func (t *Thread) StepLua() (StepResult, error) {
	top := t.topFrame()
	if top == nil || top.Kind != FrameLua {
		panic("vm: StepLua called without a running Lua frame on top")
	}
	for i := 0; i < quota; i++ {
		frame := t.topFrame()
		if frame.Kind != FrameLua {
			return StepResult{Kind: StepCallback}, nil
		}
		proto := frame.Proto
		if frame.PC >= len(proto.Code) {
			transferred, result, err := t.execReturn(frame, frame.Base, bytecode.Fixed(0))
			if err != nil {
				return StepResult{}, err
			}
			if transferred {
				return result, nil
			}
			continue
		}
		inst := proto.Code[frame.PC]
		transferred, result, err := t.execInstruction(frame, proto, inst)
		if err != nil {
			return StepResult{}, err
		}
		if transferred {
			return result, nil
		}
	}
	return StepResult{Kind: StepMore}, nil
}

func (t *Thread) register(frame *Frame, i int32) value.Value {
	return t.stack[frame.Base+int(i)]
}

func (t *Thread) setRegister(frame *Frame, i int32, v value.Value) {
	t.stack[frame.Base+int(i)] = v
}

func konst(proto *bytecode.Prototype, i int32) value.Value {
	return proto.Constants[i]
}

// binaryOperands resolves a matrix opcode's two operands according to
// its RR/RC/CR/CC operand shape.
func (t *Thread) binaryOperands(frame *Frame, proto *bytecode.Prototype, inst bytecode.Instruction) (lhs, rhs value.Value) {
	switch inst.Op.Shape() {
	case bytecode.ShapeRR:
		return t.register(frame, inst.B), t.register(frame, inst.C)
	case bytecode.ShapeRC:
		return t.register(frame, inst.B), konst(proto, inst.C)
	case bytecode.ShapeCR:
		return konst(proto, inst.B), t.register(frame, inst.C)
	default:
		return konst(proto, inst.B), konst(proto, inst.C)
	}
}

// execInstruction executes one instruction of frame. It reports
// transferred=true (along with the StepResult the caller should
// return) only when a Return delivers its results to a CallBoundary.
// A Call or TailCall pushes its callee and reports false, leaving
// StepLua's loop to run whatever frame is now on top.
func (t *Thread) execInstruction(frame *Frame, proto *bytecode.Prototype, inst bytecode.Instruction) (transferred bool, result StepResult, err error) {
	if base, _, ok := inst.Op.IsBinary(); ok {
		return t.execBinary(frame, proto, inst, base)
	}

	switch inst.Op {
	case bytecode.Move:
		t.setRegister(frame, inst.A, t.register(frame, inst.B))
		frame.PC++

	case bytecode.LoadConstant:
		t.setRegister(frame, inst.A, konst(proto, inst.B))
		frame.PC++

	case bytecode.LoadBool:
		t.setRegister(frame, inst.A, value.Bool(inst.B != 0))
		frame.PC++
		if inst.C != 0 {
			frame.PC++
		}

	case bytecode.LoadNil:
		for r := inst.A; r < inst.A+inst.B; r++ {
			t.setRegister(frame, r, nil)
		}
		frame.PC++

	case bytecode.NewTable:
		t.setRegister(frame, inst.A, value.NewTable())
		frame.PC++

	case bytecode.GetTableR:
		result, merr := metaops.Index(t.register(frame, inst.B), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)
	case bytecode.GetTableC:
		result, merr := metaops.Index(t.register(frame, inst.B), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)

	case bytecode.SetTableRR:
		call, merr := metaops.NewIndex(t.register(frame, inst.A), t.register(frame, inst.B), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetTableRC:
		call, merr := metaops.NewIndex(t.register(frame, inst.A), t.register(frame, inst.B), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetTableCR:
		call, merr := metaops.NewIndex(t.register(frame, inst.A), konst(proto, inst.B), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetTableCC:
		call, merr := metaops.NewIndex(t.register(frame, inst.A), konst(proto, inst.B), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)

	case bytecode.GetUpTableR:
		uv := frame.Closure.UpValue(int(inst.B))
		result, merr := metaops.Index(uv.Get(), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)
	case bytecode.GetUpTableC:
		uv := frame.Closure.UpValue(int(inst.B))
		result, merr := metaops.Index(uv.Get(), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)

	case bytecode.SetUpTableRR:
		uv := frame.Closure.UpValue(int(inst.A))
		call, merr := metaops.NewIndex(uv.Get(), t.register(frame, inst.B), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetUpTableRC:
		uv := frame.Closure.UpValue(int(inst.A))
		call, merr := metaops.NewIndex(uv.Get(), t.register(frame, inst.B), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetUpTableCR:
		uv := frame.Closure.UpValue(int(inst.A))
		call, merr := metaops.NewIndex(uv.Get(), konst(proto, inst.B), t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)
	case bytecode.SetUpTableCC:
		uv := frame.Closure.UpValue(int(inst.A))
		call, merr := metaops.NewIndex(uv.Get(), konst(proto, inst.B), konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverNewIndexResult(frame, call)

	case bytecode.GetUpValue:
		t.setRegister(frame, inst.A, frame.Closure.UpValue(int(inst.B)).Get())
		frame.PC++
	case bytecode.SetUpValue:
		frame.Closure.UpValue(int(inst.B)).Set(t.register(frame, inst.A))
		frame.PC++

	case bytecode.Call:
		return t.execCall(frame, inst)
	case bytecode.TailCall:
		return t.execTailCall(frame, inst)
	case bytecode.Return:
		start := frame.Base + int(inst.A)
		count := bytecode.Variable()
		if inst.B > 0 {
			count = bytecode.Fixed(inst.B)
		}
		return t.execReturn(frame, start, count)

	case bytecode.VarArgs:
		return false, StepResult{}, t.execVarArgs(frame, inst)

	case bytecode.Jump:
		if inst.B >= 0 {
			t.closeUpvalues(frame.Base + int(inst.B))
		}
		frame.PC += int(inst.A) + 1

	case bytecode.Test:
		truthy := value.ToBool(t.register(frame, inst.A))
		frame.PC++
		if truthy != (inst.C != 0) {
			frame.PC++
		}

	case bytecode.TestSet:
		truthy := value.ToBool(t.register(frame, inst.B))
		frame.PC++
		if truthy != (inst.C != 0) {
			frame.PC++
		} else {
			t.setRegister(frame, inst.A, t.register(frame, inst.B))
		}

	case bytecode.Closure:
		if err := t.execClosure(frame, proto, inst); err != nil {
			return false, StepResult{}, err
		}
		frame.PC++

	case bytecode.NumericForPrep:
		if err := t.execForPrep(frame, inst); err != nil {
			return false, StepResult{}, err
		}

	case bytecode.NumericForLoop:
		t.execForLoop(frame, inst)

	case bytecode.GenericForCall:
		return t.execGenericForCall(frame, inst)

	case bytecode.GenericForLoop:
		if value.ToBool(t.register(frame, inst.A+1)) {
			t.setRegister(frame, inst.A, t.register(frame, inst.A+1))
			frame.PC += int(inst.B) + 1
		} else {
			frame.PC++
		}

	case bytecode.SelfR:
		recv := t.register(frame, inst.B)
		t.setRegister(frame, inst.A+1, recv)
		result, merr := metaops.Index(recv, t.register(frame, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)
	case bytecode.SelfC:
		recv := t.register(frame, inst.B)
		t.setRegister(frame, inst.A+1, recv)
		result, merr := metaops.Index(recv, konst(proto, inst.C))
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverIndexResult(frame, inst.A, result)

	case bytecode.Concat:
		return t.execConcat(frame, inst)

	case bytecode.Length:
		result, merr := metaops.Len(t.register(frame, inst.B))
		if merr != nil {
			return false, StepResult{}, merr
		}
		if !result.IsCall() {
			t.setRegister(frame, inst.A, result.Value())
			frame.PC++
			return false, StepResult{}, nil
		}
		call := result.Call()
		return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base+int(inst.A), bytecode.Fixed(1))

	case bytecode.Not:
		t.setRegister(frame, inst.A, value.Bool(!value.ToBool(t.register(frame, inst.B))))
		frame.PC++

	case bytecode.UnaryMinus:
		result, merr := metaops.Unary(metaops.MethodUnm, t.register(frame, inst.B), unaryNegConstOp)
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverUnaryResult(frame, inst, result)

	case bytecode.BNot:
		result, merr := metaops.Unary(metaops.MethodBNot, t.register(frame, inst.B), unaryBNotConstOp)
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverUnaryResult(frame, inst, result)

	default:
		return false, StepResult{}, &TypeError{Expected: "known opcode", Found: inst.Op.String()}
	}
	return false, StepResult{}, nil
}

// deliverIndexResult writes an Index result directly into destReg, or
// splices the deferred __index call if one is needed.
func (t *Thread) deliverIndexResult(frame *Frame, destReg int32, result metaops.MetaResult[[2]value.Value]) (bool, StepResult, error) {
	if !result.IsCall() {
		t.setRegister(frame, destReg, result.Value())
		frame.PC++
		return false, StepResult{}, nil
	}
	call := result.Call()
	return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base+int(destReg), bytecode.Fixed(1))
}

// deliverNewIndexResult advances past an assignment already performed
// directly on the table, or splices the deferred __newindex call. The
// call's own results are discarded (Fixed(0)), since an assignment
// opcode has nothing to receive them.
func (t *Thread) deliverNewIndexResult(frame *Frame, call *metaops.MetaCall[[3]value.Value]) (bool, StepResult, error) {
	if call == nil {
		frame.PC++
		return false, StepResult{}, nil
	}
	return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base, bytecode.Fixed(0))
}

// enterMetaCall splices a metamethod invocation onto the thread's own
// stack above frame, arranging for its result(s) to land at dest in
// frame's registers once it returns. It never itself transfers control
// out of StepLua: the pushed frame becomes the new top frame, which
// StepLua's loop picks up on its next iteration.
func (t *Thread) enterMetaCall(frame *Frame, fn value.Value, args []value.Value, dest int, count bytecode.VarCount) (bool, StepResult, error) {
	bottom := len(t.stack)
	t.stack = append(t.stack, fn)
	t.stack = append(t.stack, args...)
	ret := FrameReturn{Kind: Upper, Dest: dest, Count: count}
	if err := t.enterCall(bottom, len(args), ret, frame.Yieldable); err != nil {
		return false, StepResult{}, err
	}
	return false, StepResult{}, nil
}

// argCountAt resolves a Call/TailCall/GenericForCall-style argument
// count: a positive b is the literal count; zero means "use whatever
// is already on the stack top", the convention for a variable count
// left there by a preceding multi-result instruction.
func (t *Thread) argCountAt(start int, b int32) int {
	if b > 0 {
		return int(b)
	}
	return len(t.stack) - start
}

// execCall implements the Call opcode: invoke the function at
// frame.Base+A with B arguments, requesting C results back into the
// same registers.
func (t *Thread) execCall(frame *Frame, inst bytecode.Instruction) (bool, StepResult, error) {
	bottom := frame.Base + int(inst.A)
	argCount := t.argCountAt(bottom+1, inst.B)
	count := bytecode.Variable()
	if inst.C > 0 {
		count = bytecode.Fixed(inst.C)
	}
	ret := FrameReturn{Kind: Upper, Dest: bottom, Count: count}
	if err := t.enterCall(bottom, argCount, ret, frame.Yieldable); err != nil {
		return false, StepResult{}, err
	}
	return false, StepResult{}, nil
}

// execTailCall implements the TailCall opcode: invoke the function at
// frame.Base+A in frame's own stack slot, inheriting frame's own
// Return contract instead of pushing a new frame, so a tail-recursive
// Lua loop does not grow the frame stack.
func (t *Thread) execTailCall(frame *Frame, inst bytecode.Instruction) (bool, StepResult, error) {
	bottom := frame.Base + int(inst.A)
	argCount := t.argCountAt(bottom+1, inst.B)
	// Copy callee+args out before truncating the stack out from under
	// them: truncate/append below may reallocate t.stack's backing
	// array, which would invalidate a slice view into it.
	staged := make([]value.Value, argCount+1)
	copy(staged, t.stack[bottom:bottom+1+argCount])

	t.closeUpvalues(frame.Bottom)
	t.popFrame()
	newBottom := frame.Bottom
	t.truncate(newBottom)
	t.stack = append(t.stack, staged...)
	if err := t.enterCall(newBottom, argCount, frame.Return, frame.Yieldable); err != nil {
		return false, StepResult{}, err
	}
	return false, StepResult{}, nil
}

// collectValues gathers count values starting at the absolute stack
// index start, padding with Nil for a short Fixed count, or capturing
// everything through the current stack top for Variable.
func (t *Thread) collectValues(start int, count bytecode.VarCount) []value.Value {
	if count.IsVariable() {
		out := make([]value.Value, len(t.stack)-start)
		copy(out, t.stack[start:])
		return out
	}
	n := int(count.Count())
	out := make([]value.Value, n)
	for i := 0; i < n; i++ {
		if start+i < len(t.stack) {
			out[i] = t.stack[start+i]
		}
	}
	return out
}

// execReturn implements the Return opcode (and the implicit return
// synthesized by StepLua when a frame falls off the end of its code).
// It always pops frame; it reports transferred=true only when that was
// the outermost (CallBoundary) frame, since an Upper-kind return's
// caller frame is still runnable and StepLua's loop will simply pick it
// up on its next iteration.
func (t *Thread) execReturn(frame *Frame, start int, count bytecode.VarCount) (bool, StepResult, error) {
	vals := t.collectValues(start, count)
	kind := frame.Return.Kind
	t.closeUpvalues(frame.Bottom)
	t.popFrame()
	if err := t.deliverUpper(frame, vals); err != nil {
		return false, StepResult{}, err
	}
	if kind == CallBoundary {
		return true, StepResult{Kind: StepDone, Values: vals}, nil
	}
	return false, StepResult{}, nil
}

// execVarArgs implements the VarArgs opcode, copying from the extra
// arguments region [frame.Bottom+1, frame.Base) that enterCall set
// aside when the caller supplied more arguments than the prototype
// declares.
func (t *Thread) execVarArgs(frame *Frame, inst bytecode.Instruction) error {
	vaStart := frame.Bottom + 1
	vaCount := frame.Base - vaStart
	if inst.B > 0 {
		n := int(inst.B)
		dest := frame.Base + int(inst.A)
		t.ensureLen(dest + n)
		for i := 0; i < n; i++ {
			if i < vaCount {
				t.stack[dest+i] = t.stack[vaStart+i]
			} else {
				t.stack[dest+i] = nil
			}
		}
		return nil
	}
	// Variable: copy the extra arguments out before truncating (which
	// may reallocate), then extend the stack top with them.
	extra := make([]value.Value, vaCount)
	copy(extra, t.stack[vaStart:frame.Base])
	t.truncate(frame.Base + int(inst.A))
	t.stack = append(t.stack, extra...)
	return nil
}

// execClosure implements the Closure opcode, instantiating a nested
// prototype's up-value descriptors against the enclosing frame.
// Grounded on internal/mylua/functions.go's closure-creation path.
func (t *Thread) execClosure(frame *Frame, proto *bytecode.Prototype, inst bytecode.Instruction) error {
	childProto := proto.Functions[inst.B]
	upvals := make([]*value.UpValue, len(childProto.Upvalues))
	for i, desc := range childProto.Upvalues {
		switch desc.Kind {
		case bytecode.ParentLocal:
			upvals[i] = t.upvalueAt(frame.Base + int(desc.Index))
		case bytecode.Outer:
			upvals[i] = frame.Closure.UpValue(int(desc.Index))
		default:
			// Environment is only valid on a main chunk's own upvalue
			// list, and main chunks are never instantiated by a Closure
			// instruction (they are the entry point), so a nested
			// prototype should never declare one.
			return &TypeError{Expected: "ParentLocal or Outer upvalue in nested closure", Found: "Environment"}
		}
	}
	t.setRegister(frame, inst.A, value.NewClosure(childProto, upvals))
	return nil
}

// execForPrep implements NumericForPrep: it normalizes the loop's
// init/limit/step to a common integer-or-float representation,
// pre-subtracts the step from init (undone by the first execForLoop),
// and skips the loop body entirely via the B jump offset if it
// shouldn't run even once. Grounded on Lua 5.4's OP_FORPREP, simplified
// since this opcode set carries no binary-compatibility requirement
// with a reference VM (see spec Non-goals).
func (t *Thread) execForPrep(frame *Frame, inst bytecode.Instruction) error {
	a := inst.A
	initV := t.register(frame, a)
	limitV := t.register(frame, a+1)
	stepV := t.register(frame, a+2)

	initI, initIsInt := initV.(value.Int)
	limitI, limitIsInt := limitV.(value.Int)
	stepI, stepIsInt := stepV.(value.Int)
	if initIsInt && limitIsInt && stepIsInt {
		if stepI == 0 {
			return &TypeError{Expected: "non-zero for-loop step", Found: "0"}
		}
		skip := (stepI > 0 && initI > limitI) || (stepI < 0 && initI < limitI)
		t.setRegister(frame, a, initI-stepI)
		if skip {
			frame.PC += int(inst.B) + 1
		} else {
			frame.PC++
		}
		return nil
	}

	initF, ok1 := value.ToFloat(initV)
	limitF, ok2 := value.ToFloat(limitV)
	stepF, ok3 := value.ToFloat(stepV)
	if !ok1 || !ok2 || !ok3 {
		return &TypeError{Expected: "number", Found: "non-number for-loop control value"}
	}
	if stepF == 0 {
		return &TypeError{Expected: "non-zero for-loop step", Found: "0"}
	}
	skip := (stepF > 0 && initF > limitF) || (stepF < 0 && initF < limitF)
	t.setRegister(frame, a, initF-stepF)
	t.setRegister(frame, a+1, limitF)
	t.setRegister(frame, a+2, stepF)
	if skip {
		frame.PC += int(inst.B) + 1
	} else {
		frame.PC++
	}
	return nil
}

// execForLoop implements NumericForLoop: advance the counter by the
// step and, while still within the limit, jump back by the B offset
// and publish the new counter into the loop variable at A+3.
func (t *Thread) execForLoop(frame *Frame, inst bytecode.Instruction) {
	a := inst.A
	switch counter := t.register(frame, a).(type) {
	case value.Int:
		step := t.register(frame, a+2).(value.Int)
		limit := t.register(frame, a+1).(value.Int)
		next := counter + step
		if (step > 0 && next <= limit) || (step < 0 && next >= limit) {
			t.setRegister(frame, a, next)
			t.setRegister(frame, a+3, next)
			frame.PC += int(inst.B) + 1
		} else {
			frame.PC++
		}
	case value.Float:
		step := t.register(frame, a+2).(value.Float)
		limit := t.register(frame, a+1).(value.Float)
		next := counter + step
		if (step > 0 && next <= limit) || (step < 0 && next >= limit) {
			t.setRegister(frame, a, next)
			t.setRegister(frame, a+3, next)
			frame.PC += int(inst.B) + 1
		} else {
			frame.PC++
		}
	default:
		frame.PC++
	}
}

// execGenericForCall implements GenericForCall: invoke the iterator
// function at A with state A+1 and control A+2, landing C results
// starting at A+3 — the registers GenericForLoop then inspects.
func (t *Thread) execGenericForCall(frame *Frame, inst bytecode.Instruction) (bool, StepResult, error) {
	a := inst.A
	fn := t.register(frame, a)
	state := t.register(frame, a+1)
	control := t.register(frame, a+2)

	bottom := frame.Base + int(a) + 3
	t.ensureLen(bottom + 3)
	t.stack[bottom] = fn
	t.stack[bottom+1] = state
	t.stack[bottom+2] = control

	count := bytecode.Variable()
	if inst.C > 0 {
		count = bytecode.Fixed(inst.C)
	}
	ret := FrameReturn{Kind: Upper, Dest: bottom, Count: count}
	if err := t.enterCall(bottom, 2, ret, frame.Yieldable); err != nil {
		return false, StepResult{}, err
	}
	return false, StepResult{}, nil
}

// execConcat implements the Concat opcode, folding registers [B, C]
// right-to-left through metaops.Concat. Only the rightmost pairwise
// step may defer to a __concat metamethod call; a chain that needs a
// second hop reports a TypeError instead of attempting to resume the
// fold after a splice completes.
func (t *Thread) execConcat(frame *Frame, inst bytecode.Instruction) (bool, StepResult, error) {
	lo, hi := int(inst.B), int(inst.C)
	acc := t.register(frame, int32(hi))
	for i := hi - 1; i >= lo; i-- {
		operand := t.register(frame, int32(i))
		result, merr := metaops.Concat(operand, acc)
		if merr != nil {
			return false, StepResult{}, merr
		}
		if result.IsCall() {
			if i != hi-1 || i != lo {
				return false, StepResult{}, &TypeError{Expected: "concatenable value", Found: "metamethod chain beyond the rightmost pair"}
			}
			call := result.Call()
			return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base+int(inst.A), bytecode.Fixed(1))
		}
		acc = result.Value()
	}
	t.setRegister(frame, inst.A, acc)
	frame.PC++
	return false, StepResult{}, nil
}

// execBinary implements every Add/Sub/.../Le matrix opcode: resolve
// operands per their RR/RC/CR/CC shape, then dispatch to metaops
// (binaryOpFor for arithmetic/bitwise/comparison, a direct call to
// metaops.Equal for EqRR since its reference-type gating differs from
// Binary's), and splice a deferred metamethod call the same way the
// table-indexing opcodes do.
func (t *Thread) execBinary(frame *Frame, proto *bytecode.Prototype, inst bytecode.Instruction, base bytecode.OpCode) (bool, StepResult, error) {
	lhs, rhs := t.binaryOperands(frame, proto, inst)
	if base == bytecode.EqRR {
		result, merr := metaops.Equal(lhs, rhs)
		if merr != nil {
			return false, StepResult{}, merr
		}
		return t.deliverBinaryResult(frame, inst, result)
	}
	method, constOp, ok := binaryOpFor(base)
	if !ok {
		return false, StepResult{}, &TypeError{Expected: "known binary opcode", Found: base.String()}
	}
	result, merr := metaops.Binary(method, lhs, rhs, constOp)
	if merr != nil {
		return false, StepResult{}, merr
	}
	return t.deliverBinaryResult(frame, inst, result)
}

func (t *Thread) deliverBinaryResult(frame *Frame, inst bytecode.Instruction, result metaops.MetaResult[[2]value.Value]) (bool, StepResult, error) {
	if !result.IsCall() {
		t.setRegister(frame, inst.A, result.Value())
		frame.PC++
		return false, StepResult{}, nil
	}
	call := result.Call()
	return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base+int(inst.A), bytecode.Fixed(1))
}

// deliverUnaryResult writes a UnaryMinus/BNot result directly into
// register A, or splices the deferred __unm/__bnot call if one is
// needed.
func (t *Thread) deliverUnaryResult(frame *Frame, inst bytecode.Instruction, result metaops.MetaResult[[1]value.Value]) (bool, StepResult, error) {
	if !result.IsCall() {
		t.setRegister(frame, inst.A, result.Value())
		frame.PC++
		return false, StepResult{}, nil
	}
	call := result.Call()
	return t.enterMetaCall(frame, call.Function, call.Args[:], frame.Base+int(inst.A), bytecode.Fixed(1))
}
