// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package stdlib implements the portion of Lua's base library and
// coroutine library needed to exercise the callback ABI end to end:
// print, type, tostring, the raw* family, next/pairs/ipairs, select,
// setmetatable/getmetatable, assert/error/pcall, and coroutine.*.
//
// Grounded on internal/lua/baselib.go and auxlib.go, adapted from
// their *State-method calling convention to this module's
// callback.Callback ABI (arguments/results flow through a
// *callback.Stack instead of an explicit register stack the function
// indexes into).
package stdlib

import (
	"os"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/metaops"
	"github.com/256lights/luacore/value"
)

// argError reports a problem with argument n (1-based) to a base
// library function, matching auxlib.go's NewArgError message shape.
func argError(n int, msg string) error {
	return &LuaError{Value: value.NewString("bad argument #" + itoa(n) + " (" + msg + ")")}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func reg(t *value.Table, name string, fn callback.Callback) {
	t.Set(value.NewString(name), value.NewGoFunction(name, fn))
}

// OpenBase populates globals (typically a fresh *value.Table bound as
// _G) with the base library, returning globals for convenience.
// Grounded on baselib.go's NewOpenBase, minus load/loadfile/dofile/
// warn/tonumber (parsing and I/O are out of scope per SPEC_FULL.md §1).
func OpenBase(globals *value.Table) *value.Table {
	reg(globals, "assert", baseAssert)
	reg(globals, "error", baseError)
	reg(globals, "getmetatable", baseGetMetatable)
	reg(globals, "setmetatable", baseSetMetatable)
	reg(globals, "ipairs", baseIPairs)
	reg(globals, "pairs", basePairs)
	reg(globals, "next", baseNext)
	reg(globals, "pcall", basePCall)
	reg(globals, "print", basePrint)
	reg(globals, "rawequal", baseRawEqual)
	reg(globals, "rawget", baseRawGet)
	reg(globals, "rawset", baseRawSet)
	reg(globals, "rawlen", baseRawLen)
	reg(globals, "select", baseSelect)
	reg(globals, "tostring", baseToString)
	reg(globals, "type", baseType)
	globals.Set(value.NewString("_G"), globals)
	globals.Set(value.NewString("_VERSION"), value.NewString("Lua 5.4"))
	return globals
}

func baseAssert(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	if value.ToBool(stack.Get(0)) {
		return callback.Return(), nil
	}
	msg := stack.Get(1)
	if msg == nil {
		msg = value.NewString("assertion failed!")
	}
	return callback.CallbackReturn{}, &LuaError{Value: msg}
}

func baseError(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	return callback.CallbackReturn{}, &LuaError{Value: stack.Get(0)}
}

func baseGetMetatable(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	v := stack.Get(0)
	stack.Clear()
	t, ok := v.(*value.Table)
	if !ok || t.Metatable() == nil {
		stack.Push(nil)
		return callback.Return(), nil
	}
	mt := t.Metatable()
	if protected := mt.Get(value.NewString("__metatable")); protected != nil {
		stack.Push(protected)
		return callback.Return(), nil
	}
	stack.Push(mt)
	return callback.Return(), nil
}

func baseSetMetatable(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t, ok := stack.Get(0).(*value.Table)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "table expected")
	}
	if t.Metatable() != nil && t.Metatable().Get(value.NewString("__metatable")) != nil {
		return callback.CallbackReturn{}, &LuaError{Value: value.NewString("cannot change a protected metatable")}
	}
	switch mt := stack.Get(1).(type) {
	case nil:
		t.SetMetatable(nil)
	case *value.Table:
		t.SetMetatable(mt)
	default:
		return callback.CallbackReturn{}, argError(2, "nil or table expected")
	}
	stack.Clear()
	stack.Push(t)
	return callback.Return(), nil
}

// ipairsIter is the single shared stateless iterator function ipairs
// returns, matching the real implementation's ipairsaux.
var ipairsIter = value.NewGoFunction("ipairs.iterator", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t, _ := stack.Get(0).(*value.Table)
	i, _ := value.ToInt(stack.Get(1))
	i++
	stack.Clear()
	if t == nil {
		return callback.Return(), nil
	}
	v := t.Get(value.Int(i))
	if v == nil {
		return callback.Return(), nil
	}
	stack.Push(value.Int(i))
	stack.Push(v)
	return callback.Return(), nil
}))

func baseIPairs(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t := stack.Get(0)
	stack.Clear()
	stack.Push(ipairsIter)
	stack.Push(t)
	stack.Push(value.Int(0))
	return callback.Return(), nil
}

var nextFn = value.NewGoFunction("next", callback.Callback(baseNext))

func basePairs(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t := stack.Get(0)
	stack.Clear()
	stack.Push(nextFn)
	stack.Push(t)
	stack.Push(nil)
	return callback.Return(), nil
}

func baseNext(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t, ok := stack.Get(0).(*value.Table)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "table expected")
	}
	key := stack.Get(1)
	nk, nv, more := t.Next(key)
	stack.Clear()
	if !more {
		return callback.CallbackReturn{}, &LuaError{Value: value.NewString("invalid key to 'next'")}
	}
	if nk == nil {
		stack.Push(nil)
		return callback.Return(), nil
	}
	stack.Push(nk)
	stack.Push(nv)
	return callback.Return(), nil
}

func basePCall(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	fn := stack.Get(0)
	args := append([]value.Value(nil), stack.Values()[min(1, stack.Len()):]...)
	stack.Clear()
	stack.Push(fn)
	for _, a := range args {
		stack.Push(a)
	}
	return callback.Call(fn, pcallResult{}), nil
}

// pcallResult is the Sequence pcall chains onto its protected call: on
// a clean return it prepends `true`; on an unwound error it recovers
// by returning `false, message` instead of propagating further,
// matching real Lua's pcall/lua_pcall boundary.
type pcallResult struct{}

func (pcallResult) Poll(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.SequencePoll, error) {
	results := append([]value.Value(nil), stack.Values()...)
	stack.Clear()
	stack.Push(value.Bool(true))
	for _, r := range results {
		stack.Push(r)
	}
	return callback.PollReturn(), nil
}

func (pcallResult) Error(ctx *callback.Context, exec callback.Execution, err error, stack *callback.Stack) (callback.SequencePoll, error) {
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

func basePrint(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	for i, v := range stack.Values() {
		if i > 0 {
			os.Stdout.WriteString("\t")
		}
		s, err := displayString(v)
		if err != nil {
			return callback.CallbackReturn{}, err
		}
		os.Stdout.WriteString(s)
	}
	os.Stdout.WriteString("\n")
	stack.Clear()
	return callback.Return(), nil
}

// displayString formats v the way tostring would for a value with no
// __tostring metamethod; print only needs this non-deferred fast
// path, since the base library's values rarely carry one.
func displayString(v value.Value) (string, error) {
	result, merr := metaops.ToString(v)
	if merr != nil {
		return "", merr
	}
	if result.IsCall() {
		return "", &LuaError{Value: value.NewString("tostring on a __tostring-bearing value requires a call through Lua, not print's display path")}
	}
	s, _ := result.Value().(*value.String)
	return s.String(), nil
}

func baseRawEqual(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	a, b := stack.Get(0), stack.Get(1)
	stack.Clear()
	stack.Push(value.Bool(value.Equal(a, b)))
	return callback.Return(), nil
}

func baseRawGet(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t, ok := stack.Get(0).(*value.Table)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "table expected")
	}
	key := stack.Get(1)
	stack.Clear()
	stack.Push(t.Get(key))
	return callback.Return(), nil
}

func baseRawSet(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	t, ok := stack.Get(0).(*value.Table)
	if !ok {
		return callback.CallbackReturn{}, argError(1, "table expected")
	}
	key, val := stack.Get(1), stack.Get(2)
	if err := t.Set(key, val); err != nil {
		return callback.CallbackReturn{}, err
	}
	stack.Clear()
	stack.Push(t)
	return callback.Return(), nil
}

func baseRawLen(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	v := stack.Get(0)
	stack.Clear()
	switch v := v.(type) {
	case *value.Table:
		stack.Push(value.Int(v.Len()))
	case *value.String:
		stack.Push(value.Int(v.Len()))
	default:
		return callback.CallbackReturn{}, argError(1, "table or string expected")
	}
	return callback.Return(), nil
}

func baseSelect(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	sel := stack.Get(0)
	rest := stack.Values()[min(1, stack.Len()):]
	if s, ok := sel.(*value.String); ok && s.String() == "#" {
		stack.Clear()
		stack.Push(value.Int(len(rest)))
		return callback.Return(), nil
	}
	n, ok := value.ToInt(sel)
	if !ok || n == 0 {
		return callback.CallbackReturn{}, argError(1, "number expected")
	}
	var tail []value.Value
	switch {
	case n > 0:
		idx := int(n) - 1
		if idx < len(rest) {
			tail = rest[idx:]
		}
	default:
		idx := len(rest) + int(n)
		if idx < 0 {
			return callback.CallbackReturn{}, argError(1, "index out of range")
		}
		tail = rest[idx:]
	}
	tail = append([]value.Value(nil), tail...)
	stack.Clear()
	for _, v := range tail {
		stack.Push(v)
	}
	return callback.Return(), nil
}

func baseType(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	v := stack.Get(0)
	stack.Clear()
	stack.Push(value.NewString(value.TypeName(v)))
	return callback.Return(), nil
}

// takeFirstResult adapts a single metamethod call's results back into
// a one-value result, used as the `then` continuation for deferred
// __tostring calls.
var takeFirstResult = callback.Func(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.SequencePoll, error) {
	v := stack.Get(0)
	stack.Clear()
	stack.Push(v)
	return callback.PollReturn(), nil
})

func baseToString(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
	v := stack.Get(0)
	result, merr := metaops.ToString(v)
	if merr != nil {
		return callback.CallbackReturn{}, merr
	}
	if !result.IsCall() {
		stack.Clear()
		stack.Push(result.Value())
		return callback.Return(), nil
	}
	call := result.Call()
	stack.Clear()
	stack.Push(call.Args[0])
	return callback.Call(call.Function, takeFirstResult), nil
}
