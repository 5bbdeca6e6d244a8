// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

// UpValue is a shared, mutable cell referenced by one or more
// closures. While the owning thread's stack slot it was captured from
// is still live, the upvalue is Open and reads/writes go through the
// owning [Stack] (supplied by the vm package, which is why Stack is
// an interface here rather than a concrete type: value must not
// import vm). Once the owning frame returns or the slot is closed
// early (a `<close>` scope exit, or `OP_CLOSE`), the upvalue is Closed
// and carries its own storage.
//
// Grounded on internal/mylua/functions.go's upvalue struct
// (stackIndex + storage, isOpen/resolveUpvalue/closeUpvalues) and
// piccolo's UpValueState::{Open,Closed}.
type UpValue struct {
	owner Stack
	index int
	value Value
}

// Stack is the minimal interface an upvalue needs into its owning
// thread's register stack. The vm package's Thread implements it.
type Stack interface {
	StackGet(index int) Value
	StackSet(index int, v Value)
}

// NewOpenUpValue returns an upvalue referring to slot index of owner's
// stack.
func NewOpenUpValue(owner Stack, index int) *UpValue {
	return &UpValue{owner: owner, index: index}
}

// NewClosedUpValue returns an upvalue with its own storage, detached
// from any stack.
func NewClosedUpValue(v Value) *UpValue {
	return &UpValue{value: v}
}

// IsOpen reports whether the upvalue still aliases its owning stack
// slot.
func (u *UpValue) IsOpen() bool {
	return u.owner != nil
}

// StackIndex returns the aliased stack slot. Valid only while IsOpen.
func (u *UpValue) StackIndex() int {
	return u.index
}

// Get returns the upvalue's current value.
func (u *UpValue) Get() Value {
	if u.owner != nil {
		return u.owner.StackGet(u.index)
	}
	return u.value
}

// Set stores v into the upvalue.
func (u *UpValue) Set(v Value) {
	if u.owner != nil {
		u.owner.StackSet(u.index, v)
		return
	}
	u.value = v
}

// Close detaches the upvalue from its owning stack, copying the
// current value into its own storage. Closing an already-closed
// upvalue is a no-op.
func (u *UpValue) Close() {
	if u.owner == nil {
		return
	}
	u.value = u.owner.StackGet(u.index)
	u.owner = nil
}

// Owns reports whether the upvalue is open against the given owner
// and stack index, used by closeUpvalues-style sweeps.
func (u *UpValue) Owns(owner Stack, index int) bool {
	return u.owner == owner && u.index == index
}
