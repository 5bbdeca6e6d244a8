// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package value implements the tagged Value union that flows through
// the interpreter: Nil, booleans, integers, floats, strings, tables,
// closures, Go callbacks, threads, and user data.
package value

import (
	"cmp"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// Type is an enumeration of Lua data types.
type Type int

const (
	TypeNil Type = iota
	TypeBoolean
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeThread
	TypeUserData
)

//go:generate stringer -type=Type -linecomment -output=type_string.go

// Value is the internal representation of a Lua value.
// nil itself represents Lua nil; every other variant is one of the
// concrete types in this package.
type Value interface {
	LuaType() Type
}

// TypeOf returns the [Type] of v, treating the untyped nil interface
// value as [TypeNil].
func TypeOf(v Value) Type {
	if v == nil {
		return TypeNil
	}
	return v.LuaType()
}

// TypeName returns the Lua type name of v, as reported by the `type`
// built-in and used in error messages.
func TypeName(v Value) string {
	return TypeOf(v).String()
}

// Bool is a boolean Value.
type Bool bool

func (Bool) LuaType() Type { return TypeBoolean }

// Int is an integer Value.
type Int int64

func (Int) LuaType() Type             { return TypeNumber }
func (v Int) toFloat() (Float, bool)  { return Float(v), true }
func (v Int) toInt() (Int, bool)      { return v, true }
func (v Int) stringValue() *String    { return NewString(formatInt(int64(v))) }

// Float is a floating-point Value.
type Float float64

func (Float) LuaType() Type            { return TypeNumber }
func (v Float) toFloat() (Float, bool) { return v, true }

func (v Float) toInt() (Int, bool) {
	i, ok := FloatToInt(float64(v))
	return Int(i), ok
}

func (v Float) stringValue() *String { return NewString(formatFloat(float64(v))) }

// FloatToInt converts f to an integer if and only if f has no
// fractional part and fits in an int64.
func FloatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if math.Floor(f) != f {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func formatInt(i int64) string {
	return fmt.Sprintf("%d", i)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsNaN(f) {
		return "nan"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%.14g", f)
}

// numeric is implemented by the value types that can be coerced to a
// number for arithmetic: [Int], [Float], and [*String].
type numeric interface {
	Value
	toFloat() (Float, bool)
	toInt() (Int, bool)
}

var (
	_ numeric = Int(0)
	_ numeric = Float(0)
	_ numeric = (*String)(nil)
)

// ToFloat coerces v to a float, following Lua's numeric coercion
// rules (§3.4.3 of the Lua manual).
func ToFloat(v Value) (Float, bool) {
	n, ok := v.(numeric)
	if !ok {
		return 0, false
	}
	return n.toFloat()
}

// ToInt coerces v to an integer, following Lua's numeric coercion
// rules. A float only converts if it has no fractional part.
func ToInt(v Value) (Int, bool) {
	n, ok := v.(numeric)
	if !ok {
		return 0, false
	}
	return n.toInt()
}

// ToBool reports whether v is truthy: everything except Nil and the
// boolean false is true in Lua.
func ToBool(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case Bool:
		return bool(v)
	default:
		return true
	}
}

// stringer is implemented by value types with a canonical string
// representation used by `tostring` absent a __tostring metamethod.
type stringer interface {
	stringValue() *String
}

var (
	_ stringer = Int(0)
	_ stringer = Float(0)
	_ stringer = (*String)(nil)
)

// ToDisplayString returns the canonical string form of v for types
// that have one (numbers and strings). It does not consult
// metamethods; see package metaops for that.
func ToDisplayString(v Value) (*String, bool) {
	s, ok := v.(stringer)
	if !ok {
		return nil, false
	}
	return s.stringValue(), true
}

// Identifiable is implemented by reference types whose Value equality
// and ordering are defined by object identity: [*Table], [*Closure],
// [*GoFunction], the vm package's Thread, and [*UserData].
type Identifiable interface {
	Value
	ID() string
}

// newID returns a fresh, globally unique identity for a heap object.
// Unlike the teacher's mutex-guarded counter, uuid.New is lock-free
// on the fast path and never needs to be dense, only distinct.
func newID() string {
	return uuid.NewString()
}

// NewID returns a fresh, globally unique identity, for packages outside
// value (such as vm, whose Thread is Identifiable but not constructed
// here) that need the same scheme used by Table, Closure, GoFunction,
// and UserData.
func NewID() string {
	return newID()
}

// Compare orders two values for Lua's relational operators and for
// Table's internal sorted-entry representation. Differing types are
// ordered by their [Type] tag. NaN floats compare less than any
// non-NaN value and equal to another NaN (this is only used for
// ordering table keys, not for Lua's `<`/`<=`, which reject
// incomparable operands before reaching here).
func Compare(a, b Value) int {
	switch a := a.(type) {
	case nil:
		return cmp.Compare(TypeNil, TypeOf(b))
	case Bool:
		bb, ok := b.(Bool)
		if !ok {
			return cmp.Compare(TypeBoolean, TypeOf(b))
		}
		switch {
		case bool(a) == bool(bb):
			return 0
		case bool(a):
			return 1
		default:
			return -1
		}
	case Int:
		switch b := b.(type) {
		case Int:
			return cmp.Compare(a, b)
		case Float:
			return compareFloat(float64(a), float64(b))
		default:
			return cmp.Compare(TypeNumber, TypeOf(b))
		}
	case Float:
		switch b := b.(type) {
		case Int:
			return compareFloat(float64(a), float64(b))
		case Float:
			return compareFloat(float64(a), float64(b))
		default:
			return cmp.Compare(TypeNumber, TypeOf(b))
		}
	case *String:
		bs, ok := b.(*String)
		if !ok {
			return cmp.Compare(TypeString, TypeOf(b))
		}
		return cmp.Compare(a.s, bs.s)
	case Identifiable:
		bi, ok := b.(Identifiable)
		if !ok || a.LuaType() != TypeOf(b) {
			return cmp.Compare(a.LuaType(), TypeOf(b))
		}
		return cmp.Compare(a.ID(), bi.ID())
	default:
		panic(fmt.Sprintf("value: unhandled type %T", a))
	}
}

// compareFloat orders by value, placing NaN below everything else and
// treating all NaNs as equal to each other.
func compareFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}

// Equal implements raw (metamethod-free) equality: `rawequal`.
// Table, Thread, Closure, GoFunction, and UserData compare by
// identity; Int and Float compare across tags by numeric value.
func Equal(a, b Value) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case Bool:
		bb, ok := b.(Bool)
		return ok && a == bb
	case Int:
		switch b := b.(type) {
		case Int:
			return a == b
		case Float:
			return float64(a) == float64(b)
		default:
			return false
		}
	case Float:
		switch b := b.(type) {
		case Int:
			return float64(a) == float64(b)
		case Float:
			return a == b
		default:
			return false
		}
	case *String:
		bs, ok := b.(*String)
		return ok && a.s == bs.s
	case Identifiable:
		bi, ok := b.(Identifiable)
		return ok && a.LuaType() == TypeOf(b) && a.ID() == bi.ID()
	default:
		panic(fmt.Sprintf("value: unhandled type %T", a))
	}
}

// sortValues sorts a slice of values using [Compare]. It is only used
// internally by Table for maintaining sorted-entry invariants.
func sortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool {
		return Compare(vs[i], vs[j]) < 0
	})
}
