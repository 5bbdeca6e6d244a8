// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package metaops

import (
	"testing"

	"github.com/256lights/luacore/value"
)

func TestIndexDirect(t *testing.T) {
	tbl := value.NewTable()
	if err := tbl.Set(value.NewString("k"), value.Int(1)); err != nil {
		t.Fatal(err)
	}
	result, err := Index(tbl, value.NewString("k"))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsCall() {
		t.Fatal("expected direct value, got deferred call")
	}
	if got, ok := result.Value().(value.Int); !ok || got != 1 {
		t.Errorf("Value() = %v; want 1", result.Value())
	}
}

func TestIndexChain(t *testing.T) {
	a := value.NewTable()
	if err := a.Set(value.NewString("k"), value.Int(1)); err != nil {
		t.Fatal(err)
	}
	b := value.NewTable()
	bmt := value.NewTable()
	if err := bmt.Set(value.NewString("__index"), a); err != nil {
		t.Fatal(err)
	}
	b.SetMetatable(bmt)

	c := value.NewTable()
	cmt := value.NewTable()
	if err := cmt.Set(value.NewString("__index"), b); err != nil {
		t.Fatal(err)
	}
	c.SetMetatable(cmt)

	result, err := Index(c, value.NewString("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsCall() {
		t.Fatal("expected a deferred call to chain through __index")
	}
}

func TestIndexMissingNoMetatable(t *testing.T) {
	tbl := value.NewTable()
	result, err := Index(tbl, value.NewString("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsCall() || result.Value() != nil {
		t.Errorf("expected nil direct value, got %v (isCall=%v)", result.Value(), result.IsCall())
	}
}

func TestIndexNonIndexableError(t *testing.T) {
	_, err := Index(value.Int(5), value.NewString("k"))
	if err == nil {
		t.Fatal("expected error indexing an integer")
	}
}

func TestNewIndexDirectSet(t *testing.T) {
	tbl := value.NewTable()
	call, err := NewIndex(tbl, value.NewString("k"), value.Int(42))
	if err != nil {
		t.Fatal(err)
	}
	if call != nil {
		t.Fatal("expected direct set, got deferred call")
	}
	if got := tbl.Get(value.NewString("k")); got != value.Int(42) {
		t.Errorf("Get(k) = %v; want 42", got)
	}
}

func TestEqualCrossTagNumeric(t *testing.T) {
	result, err := Equal(value.Int(3), value.Float(3.0))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsCall() {
		t.Fatal("expected direct value")
	}
	if got := result.Value(); got != value.Bool(true) {
		t.Errorf("Equal(3, 3.0) = %v; want true", got)
	}
}

func TestBinaryConstFallback(t *testing.T) {
	constOp := func(lhs, rhs value.Value) (value.Value, bool) {
		l, lok := lhs.(value.Int)
		r, rok := rhs.(value.Int)
		if !lok || !rok {
			return nil, false
		}
		return value.Int(l + r), true
	}
	result, err := Binary(MethodAdd, value.Int(2), value.Int(3), constOp)
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Value(); got != value.Int(5) {
		t.Errorf("Binary(Add, 2, 3) = %v; want 5", got)
	}
}

func TestBinaryErrorsWithoutMetatable(t *testing.T) {
	constOp := func(lhs, rhs value.Value) (value.Value, bool) { return nil, false }
	_, err := Binary(MethodAdd, value.NewString("x"), value.Int(3), constOp)
	if err == nil {
		t.Fatal("expected error adding a string and an integer with no metamethod")
	}
}

func TestLenString(t *testing.T) {
	result, err := Len(value.NewString("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Value(); got != value.Int(5) {
		t.Errorf("Len(\"hello\") = %v; want 5", got)
	}
}

func TestCallNonCallable(t *testing.T) {
	_, err := Call(value.Int(1))
	if err == nil {
		t.Fatal("expected error calling an integer")
	}
}
