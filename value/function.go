// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

// Function is implemented by [*Closure] and [*GoFunction], the two
// kinds of callable Value. Grounded on internal/mylua/functions.go's
// function interface (goFunction/luaFunction).
type Function interface {
	Value
	Identifiable
	isFunction()
}

// Prototype is the compiled body a [*Closure] executes. It is defined
// by the bytecode package; value only needs an opaque handle to avoid
// an import cycle (bytecode does not depend on value).
type Prototype interface {
	FunctionName() string
}

// Closure is a Lua function value: a prototype paired with the
// upvalues captured at the point its enclosing function created it.
type Closure struct {
	id    string
	Proto Prototype
	Upv   []*UpValue
}

// NewClosure returns a closure over proto capturing the given
// upvalues, in declaration order.
func NewClosure(proto Prototype, upvalues []*UpValue) *Closure {
	return &Closure{id: newID(), Proto: proto, Upv: upvalues}
}

func (*Closure) LuaType() Type { return TypeFunction }
func (*Closure) isFunction()   {}

// ID implements [Identifiable].
func (c *Closure) ID() string { return c.id }

// UpValue returns the i'th upvalue of the closure.
func (c *Closure) UpValue(i int) *UpValue {
	return c.Upv[i]
}

// GoFunction is a host function value exposed to Lua: either a
// [Callback] or a function that starts a [Sequence], both defined in
// package callback. value only needs identity and a display name, so
// it stores the callback behind an opaque handle to avoid importing
// callback (which imports value).
type GoFunction struct {
	id   string
	Name string
	// Impl is the callback package's concrete invocable value
	// (callback.Callback or a sequence constructor). Stored as `any`
	// to break the value<->callback import cycle; the vm package
	// type-asserts it back when it makes a call.
	Impl any
}

// NewGoFunction wraps a host function value for embedding into Lua
// tables/globals.
func NewGoFunction(name string, impl any) *GoFunction {
	return &GoFunction{id: newID(), Name: name, Impl: impl}
}

func (*GoFunction) LuaType() Type { return TypeFunction }
func (*GoFunction) isFunction()   {}

// ID implements [Identifiable].
func (f *GoFunction) ID() string { return f.id }

var (
	_ Function = (*Closure)(nil)
	_ Function = (*GoFunction)(nil)
)
