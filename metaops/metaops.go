// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package metaops implements metamethod resolution for Lua's
// operators: indexing, call, equality, length, tostring, and the
// binary arithmetic/bitwise/comparison matrix. Resolution never
// executes a found metamethod directly — it returns a [MetaResult]
// that is either a plain [value.Value] or a deferred [MetaCall] the
// caller must splice into its own frame stack. That indirection is
// what lets a metamethod chain (`__index` on a table whose `__index`
// is another table, and so on) remain interruptible by the
// interpreter's instruction quota: each hop is its own call, not a
// recursive Go call frame.
//
// Grounded almost verbatim on meta_ops.rs from the Lua reference this
// package's contract was distilled from; internal/mylua has no
// equivalent layer (its vm.go inlines the same logic without the
// deferred-call indirection, which is why metamethod chains there
// cannot be interrupted mid-chain).
package metaops

import (
	"fmt"

	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/value"
)

// MetaMethod identifies one of Lua's overloadable operators. Named
// Method* rather than bare operator names (Len, Index, ...) so the
// constants don't collide with this package's resolution functions
// of the same name, following the teacher's TagMethod* naming
// (internal/luacode/tag_methods.go).
type MetaMethod uint8

const (
	MethodLen MetaMethod = iota
	MethodIndex
	MethodNewIndex
	MethodCall
	MethodPairs
	MethodToString
	MethodEq
	MethodAdd
	MethodSub
	MethodMul
	MethodDiv
	MethodMod
	MethodPow
	MethodUnm
	MethodIDiv
	MethodBAnd
	MethodBOr
	MethodBXor
	MethodBNot
	MethodShl
	MethodShr
	MethodConcat
	MethodLt
	MethodLe
)

var metaNames = [...]string{
	MethodLen: "__len", MethodIndex: "__index", MethodNewIndex: "__newindex", MethodCall: "__call",
	MethodPairs: "__pairs", MethodToString: "__tostring", MethodEq: "__eq",
	MethodAdd: "__add", MethodSub: "__sub", MethodMul: "__mul", MethodDiv: "__div", MethodMod: "__mod",
	MethodPow: "__pow", MethodUnm: "__unm", MethodIDiv: "__idiv", MethodBAnd: "__band", MethodBOr: "__bor",
	MethodBXor: "__bxor", MethodBNot: "__bnot", MethodShl: "__shl", MethodShr: "__shr",
	MethodConcat: "__concat", MethodLt: "__lt", MethodLe: "__le",
}

var metaVerbs = [...]string{
	MethodLen: "determine length of", MethodCall: "call", MethodPairs: "get pairs of",
	MethodToString: "convert to string", MethodIndex: "index into", MethodNewIndex: "index-assign into",
	MethodEq: "compare equality of", MethodAdd: "add", MethodSub: "subtract", MethodMul: "multiply",
	MethodDiv: "divide", MethodMod: "take modulus of", MethodPow: "exponentiate", MethodUnm: "negate",
	MethodIDiv: "flooring divide", MethodBAnd: "binary and", MethodBOr: "binary or", MethodBXor: "binary xor",
	MethodBNot: "binary negate", MethodShl: "left shift", MethodShr: "right shift",
	MethodConcat: "concatenate", MethodLt: "compare less than", MethodLe: "compare less than or equal",
}

// Name returns the metatable field name for m (e.g. "__index").
func (m MetaMethod) Name() string {
	return metaNames[m]
}

// Verb returns the sentence-form verb describing m's action, used to
// build error messages ("could not <verb> a <type> value").
func (m MetaMethod) Verb() string {
	return metaVerbs[m]
}

// MetaCall is a deferred invocation a caller must splice into its own
// control flow: call Function with Args.
type MetaCall[N any] struct {
	Function value.Value
	Args     N
}

// MetaResult is either a directly-available Value or a [MetaCall] the
// caller must perform. N is the fixed-size array type of the call's
// arguments (e.g. [2]value.Value for a two-argument metamethod),
// mirroring the Rust source's `MetaResult<'gc, const N: usize>`.
type MetaResult[N any] struct {
	call    *MetaCall[N]
	value   value.Value
	hasCall bool
}

// ValueOf constructs a MetaResult carrying a direct value.
func ValueOf[N any](v value.Value) MetaResult[N] {
	return MetaResult[N]{value: v}
}

// CallOf constructs a MetaResult carrying a deferred call.
func CallOf[N any](fn value.Value, args N) MetaResult[N] {
	return MetaResult[N]{call: &MetaCall[N]{Function: fn, Args: args}, hasCall: true}
}

// IsCall reports whether r carries a deferred call rather than a
// direct value.
func (r MetaResult[N]) IsCall() bool {
	return r.hasCall
}

// Value returns the direct value. Valid only when !IsCall().
func (r MetaResult[N]) Value() value.Value {
	return r.value
}

// Call returns the deferred call. Valid only when IsCall().
func (r MetaResult[N]) Call() MetaCall[N] {
	return *r.call
}

// MetaCallError reports that a value is not callable, even after
// following any __call metamethod.
type MetaCallError struct {
	TypeName string
}

func (e *MetaCallError) Error() string {
	return fmt.Sprintf("could not call a %s value", e.TypeName)
}

// MetaOperatorError is the flat error taxonomy for this package,
// matching spec.md §7's MetaOperatorError{Call,Unary,Binary,IndexKeyError}.
type MetaOperatorError struct {
	CallMethod   MetaMethod
	CallErr      *MetaCallError
	UnaryMethod  MetaMethod
	UnaryType    string
	BinaryMethod MetaMethod
	LHSType      string
	RHSType      string
	KeyErr       *value.InvalidKeyError

	kind errKind
}

type errKind uint8

const (
	errCall errKind = iota
	errUnary
	errBinary
	errIndexKey
)

func (e *MetaOperatorError) Error() string {
	switch e.kind {
	case errCall:
		return fmt.Sprintf("could not call metamethod %s: %s", e.CallMethod.Name(), e.CallErr)
	case errUnary:
		return fmt.Sprintf("could not %s a %s value", e.UnaryMethod.Verb(), e.UnaryType)
	case errBinary:
		return fmt.Sprintf("could not %s values of type %s and %s", e.BinaryMethod.Verb(), e.LHSType, e.RHSType)
	case errIndexKey:
		return e.KeyErr.Error()
	default:
		return "metaops: invalid error"
	}
}

func (e *MetaOperatorError) Unwrap() error {
	if e.kind == errIndexKey {
		return e.KeyErr
	}
	return nil
}

func callErr(m MetaMethod, err *MetaCallError) *MetaOperatorError {
	return &MetaOperatorError{kind: errCall, CallMethod: m, CallErr: err}
}

func unaryErr(m MetaMethod, typeName string) *MetaOperatorError {
	return &MetaOperatorError{kind: errUnary, UnaryMethod: m, UnaryType: typeName}
}

func binaryErr(m MetaMethod, lhsType, rhsType string) *MetaOperatorError {
	return &MetaOperatorError{kind: errBinary, BinaryMethod: m, LHSType: lhsType, RHSType: rhsType}
}

func indexKeyErr(err *value.InvalidKeyError) *MetaOperatorError {
	return &MetaOperatorError{kind: errIndexKey, KeyErr: err}
}

func metatableOf(v value.Value) *value.Table {
	switch v := v.(type) {
	case *value.Table:
		return v.Metatable()
	case *value.UserData:
		return v.Metatable()
	default:
		return nil
	}
}

func getMetamethod(v value.Value, m MetaMethod) value.Value {
	mt := metatableOf(v)
	if mt == nil {
		return nil
	}
	return mt.Get(value.NewString(m.Name()))
}

// Call resolves v to a callable [value.Function], following a chain
// of __call metamethods. It does not itself invoke anything; the
// returned function is the caller's to call (directly, if v was
// already callable) or the synthetic chaining callback built here
// (if resolution had to follow __call).
func Call(v value.Value) (value.Function, *MetaOperatorError) {
	if fn, ok := v.(value.Function); ok {
		return fn, nil
	}
	mt := metatableOf(v)
	if mt == nil {
		return nil, callErrFromType(v)
	}
	found := mt.Get(value.NewString(MethodCall.Name()))
	switch found.(type) {
	case nil:
		return nil, callErrFromType(v)
	default:
		next, cerr := Call(found)
		if cerr != nil {
			return nil, cerr
		}
		captured := v
		fn := value.NewGoFunction("__call", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
			stack.PushFront(captured)
			return callback.Call(next, nil), nil
		}))
		return fn, nil
	}
}

func callErrFromType(v value.Value) *MetaOperatorError {
	return callErr(MethodCall, &MetaCallError{TypeName: value.TypeName(v)})
}

// Index implements the __index resolution chain. table need not be a
// *value.Table: any value with a metatable may be indexed through
// __index.
func Index(table, key value.Value) (MetaResult[[2]value.Value], *MetaOperatorError) {
	switch t := table.(type) {
	case *value.Table:
		if v := t.Get(key); v != nil {
			return ValueOf[[2]value.Value](v), nil
		}
		mt := t.Metatable()
		if mt == nil {
			return ValueOf[[2]value.Value](nil), nil
		}
		idx := mt.Get(value.NewString(MethodIndex.Name()))
		if idx == nil {
			return ValueOf[[2]value.Value](nil), nil
		}
		return chainIndex(table, key, idx)
	case *value.UserData:
		mt := t.Metatable()
		var idx value.Value
		if mt != nil {
			idx = mt.Get(value.NewString(MethodIndex.Name()))
		}
		if idx == nil {
			return MetaResult[[2]value.Value]{}, unaryErr(MethodIndex, value.TypeName(table))
		}
		return chainIndex(table, key, idx)
	default:
		return MetaResult[[2]value.Value]{}, unaryErr(MethodIndex, value.TypeName(table))
	}
}

func chainIndex(table, key, idx value.Value) (MetaResult[[2]value.Value], *MetaOperatorError) {
	switch idx.(type) {
	case *value.Table, *value.UserData:
		fn := value.NewGoFunction("__index", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
			t, k := stack.Get(0), stack.Get(1)
			stack.Clear()
			result, err := Index(t, k)
			if err != nil {
				return callback.CallbackReturn{}, err
			}
			if !result.IsCall() {
				stack.Push(result.Value())
				return callback.Return(), nil
			}
			call := result.Call()
			stack.Push(call.Args[0])
			stack.Push(call.Args[1])
			return callback.Call(call.Function, nil), nil
		}))
		return CallOf[[2]value.Value](fn, [2]value.Value{idx, key}), nil
	default:
		fn, cerr := Call(idx)
		if cerr != nil {
			return MetaResult[[2]value.Value]{}, callErr(MethodIndex, cerr.asCallErr())
		}
		return CallOf[[2]value.Value](fn, [2]value.Value{table, key}), nil
	}
}

func (e *MetaOperatorError) asCallErr() *MetaCallError {
	if e.kind == errCall {
		return e.CallErr
	}
	return &MetaCallError{TypeName: "?"}
}

// NewIndex implements the __newindex resolution chain. It returns a
// non-nil *MetaCall only when a metamethod must run; otherwise the
// assignment has already been performed directly on table.
func NewIndex(table, key, val value.Value) (*MetaCall[[3]value.Value], *MetaOperatorError) {
	switch t := table.(type) {
	case *value.Table:
		if t.Get(key) != nil {
			if err := t.Set(key, val); err != nil {
				return nil, indexKeyErr(err.(*value.InvalidKeyError))
			}
			return nil, nil
		}
		mt := t.Metatable()
		var idx value.Value
		if mt != nil {
			idx = mt.Get(value.NewString(MethodNewIndex.Name()))
		}
		if idx == nil {
			if err := t.Set(key, val); err != nil {
				return nil, indexKeyErr(err.(*value.InvalidKeyError))
			}
			return nil, nil
		}
		return chainNewIndex(table, key, val, idx)
	case *value.UserData:
		mt := t.Metatable()
		var idx value.Value
		if mt != nil {
			idx = mt.Get(value.NewString(MethodNewIndex.Name()))
		}
		if idx == nil {
			return nil, unaryErr(MethodNewIndex, value.TypeName(table))
		}
		return chainNewIndex(table, key, val, idx)
	default:
		return nil, unaryErr(MethodNewIndex, value.TypeName(table))
	}
}

func chainNewIndex(table, key, val, idx value.Value) (*MetaCall[[3]value.Value], *MetaOperatorError) {
	switch idx.(type) {
	case *value.Table, *value.UserData:
		fn := value.NewGoFunction("__newindex", callback.Callback(func(ctx *callback.Context, exec callback.Execution, stack *callback.Stack) (callback.CallbackReturn, error) {
			t, k, v := stack.Get(0), stack.Get(1), stack.Get(2)
			stack.Clear()
			call, err := NewIndex(t, k, v)
			if err != nil {
				return callback.CallbackReturn{}, err
			}
			if call == nil {
				return callback.Return(), nil
			}
			stack.Push(call.Args[0])
			stack.Push(call.Args[1])
			stack.Push(call.Args[2])
			return callback.Call(call.Function, nil), nil
		}))
		return &MetaCall[[3]value.Value]{Function: fn, Args: [3]value.Value{idx, key, val}}, nil
	default:
		fn, cerr := Call(idx)
		if cerr != nil {
			return nil, callErr(MethodNewIndex, cerr.asCallErr())
		}
		return &MetaCall[[3]value.Value]{Function: fn, Args: [3]value.Value{table, key, val}}, nil
	}
}

// Len implements the # operator, including __len.
func Len(v value.Value) (MetaResult[[1]value.Value], *MetaOperatorError) {
	if mt := metatableOf(v); mt != nil {
		if lm := mt.Get(value.NewString(MethodLen.Name())); lm != nil {
			fn, cerr := Call(lm)
			if cerr != nil {
				return MetaResult[[1]value.Value]{}, callErr(MethodLen, cerr.asCallErr())
			}
			return CallOf[[1]value.Value](fn, [1]value.Value{v}), nil
		}
	}
	switch v := v.(type) {
	case *value.String:
		return ValueOf[[1]value.Value](value.Int(v.Len())), nil
	case *value.Table:
		return ValueOf[[1]value.Value](value.Int(v.Len())), nil
	default:
		return MetaResult[[1]value.Value]{}, unaryErr(MethodLen, value.TypeName(v))
	}
}

// ToString implements tostring, including __tostring.
func ToString(v value.Value) (MetaResult[[1]value.Value], *MetaOperatorError) {
	if mt := metatableOf(v); mt != nil {
		if ts := mt.Get(value.NewString(MethodToString.Name())); ts != nil {
			fn, cerr := Call(ts)
			if cerr != nil {
				return MetaResult[[1]value.Value]{}, callErr(MethodToString, cerr.asCallErr())
			}
			return CallOf[[1]value.Value](fn, [1]value.Value{v}), nil
		}
	}
	if s, ok := v.(*value.String); ok {
		return ValueOf[[1]value.Value](s), nil
	}
	if s, ok := value.ToDisplayString(v); ok {
		return ValueOf[[1]value.Value](s), nil
	}
	return ValueOf[[1]value.Value](value.NewString(defaultDisplay(v))), nil
}

func defaultDisplay(v value.Value) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case value.Bool:
		if v {
			return "true"
		}
		return "false"
	case value.Identifiable:
		return fmt.Sprintf("%s: %s", value.TypeName(v), v.ID())
	default:
		return value.TypeName(v)
	}
}

// Equal implements equality (==), including __eq.
func Equal(lhs, rhs value.Value) (MetaResult[[2]value.Value], *MetaOperatorError) {
	_, lt := lhs.(*value.Table)
	_, rt := rhs.(*value.Table)
	_, lu := lhs.(*value.UserData)
	_, ru := rhs.(*value.UserData)
	isRef := (lt && rt) || (lu && ru)
	if !isRef {
		return ValueOf[[2]value.Value](value.Bool(value.Equal(lhs, rhs))), nil
	}
	if value.Equal(lhs, rhs) {
		return ValueOf[[2]value.Value](value.Bool(true)), nil
	}
	if m := getMetamethod(lhs, MethodEq); m != nil {
		fn, cerr := Call(m)
		if cerr != nil {
			return MetaResult[[2]value.Value]{}, callErr(MethodEq, cerr.asCallErr())
		}
		return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
	}
	if m := getMetamethod(rhs, MethodEq); m != nil {
		fn, cerr := Call(m)
		if cerr != nil {
			return MetaResult[[2]value.Value]{}, callErr(MethodEq, cerr.asCallErr())
		}
		return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
	}
	return ValueOf[[2]value.Value](value.Bool(false)), nil
}

// Binary implements the shared resolution shape for every
// two-operand arithmetic/bitwise/comparison metamethod: try the
// left operand's metatable, then the right's, else fall back to
// constOp for two non-reference operands, else error.
func Binary(method MetaMethod, lhs, rhs value.Value, constOp func(lhs, rhs value.Value) (value.Value, bool)) (MetaResult[[2]value.Value], *MetaOperatorError) {
	if isRefType(lhs) || isRefType(rhs) {
		if m := getMetamethod(lhs, method); m != nil {
			fn, cerr := Call(m)
			if cerr != nil {
				return MetaResult[[2]value.Value]{}, callErr(method, cerr.asCallErr())
			}
			return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
		}
		if m := getMetamethod(rhs, method); m != nil {
			fn, cerr := Call(m)
			if cerr != nil {
				return MetaResult[[2]value.Value]{}, callErr(method, cerr.asCallErr())
			}
			return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
		}
		return MetaResult[[2]value.Value]{}, binaryErr(method, value.TypeName(lhs), value.TypeName(rhs))
	}
	if v, ok := constOp(lhs, rhs); ok {
		return ValueOf[[2]value.Value](v), nil
	}
	return MetaResult[[2]value.Value]{}, binaryErr(method, value.TypeName(lhs), value.TypeName(rhs))
}

// Concat implements the `..` operator, including __concat. Unlike
// Binary's constOp hook, string concatenation's non-metamethod path is
// fixed (string/number operands only, converted through their
// canonical display form), so it is not parameterized.
func Concat(lhs, rhs value.Value) (MetaResult[[2]value.Value], *MetaOperatorError) {
	if isRefType(lhs) || isRefType(rhs) {
		if m := getMetamethod(lhs, MethodConcat); m != nil {
			fn, cerr := Call(m)
			if cerr != nil {
				return MetaResult[[2]value.Value]{}, callErr(MethodConcat, cerr.asCallErr())
			}
			return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
		}
		if m := getMetamethod(rhs, MethodConcat); m != nil {
			fn, cerr := Call(m)
			if cerr != nil {
				return MetaResult[[2]value.Value]{}, callErr(MethodConcat, cerr.asCallErr())
			}
			return CallOf[[2]value.Value](fn, [2]value.Value{lhs, rhs}), nil
		}
		return MetaResult[[2]value.Value]{}, binaryErr(MethodConcat, value.TypeName(lhs), value.TypeName(rhs))
	}
	ls, lok := concatString(lhs)
	rs, rok := concatString(rhs)
	if lok && rok {
		return ValueOf[[2]value.Value](value.NewString(ls + rs)), nil
	}
	return MetaResult[[2]value.Value]{}, binaryErr(MethodConcat, value.TypeName(lhs), value.TypeName(rhs))
}

func concatString(v value.Value) (string, bool) {
	switch v := v.(type) {
	case *value.String:
		return v.String(), true
	case value.Int, value.Float:
		s, ok := value.ToDisplayString(v)
		if !ok {
			return "", false
		}
		return s.String(), true
	default:
		return "", false
	}
}

// Unary implements the resolution shape shared by __unm and __bnot:
// try the operand's metatable, else fall back to constOp.
func Unary(method MetaMethod, v value.Value, constOp func(value.Value) (value.Value, bool)) (MetaResult[[1]value.Value], *MetaOperatorError) {
	if isRefType(v) {
		if m := getMetamethod(v, method); m != nil {
			fn, cerr := Call(m)
			if cerr != nil {
				return MetaResult[[1]value.Value]{}, callErr(method, cerr.asCallErr())
			}
			return CallOf[[1]value.Value](fn, [1]value.Value{v}), nil
		}
		return MetaResult[[1]value.Value]{}, unaryErr(method, value.TypeName(v))
	}
	if r, ok := constOp(v); ok {
		return ValueOf[[1]value.Value](r), nil
	}
	return MetaResult[[1]value.Value]{}, unaryErr(method, value.TypeName(v))
}

func isRefType(v value.Value) bool {
	switch v.(type) {
	case *value.Table, *value.UserData:
		return true
	default:
		return false
	}
}
