// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want Type
	}{
		{"nil", nil, TypeNil},
		{"bool", Bool(true), TypeBoolean},
		{"int", Int(42), TypeNumber},
		{"float", Float(3.5), TypeNumber},
		{"string", NewString("hi"), TypeString},
		{"table", NewTable(), TypeTable},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := TypeOf(test.v); got != test.want {
				t.Errorf("TypeOf(%v) = %v; want %v", test.v, got, test.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int==int", Int(3), Int(3), true},
		{"int==float", Int(3), Float(3.0), true},
		{"float-fraction", Float(3.5), Int(3), false},
		{"string content", NewString("abc"), NewString("abc"), true},
		{"string diff", NewString("abc"), NewString("abd"), false},
		{"nil==nil", nil, nil, true},
		{"bool diff type", Bool(true), Int(1), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Equal(test.a, test.b); got != test.want {
				t.Errorf("Equal(%v, %v) = %v; want %v", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestTableGetSet(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Set(Int(1), NewString("one")); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Set(Float(2.0), NewString("two")); err != nil {
		t.Fatal(err)
	}
	got := tbl.Get(Int(2))
	want := NewString("two")
	if diff := cmp.Diff(want.String(), got.(*String).String()); diff != "" {
		t.Errorf("Get(2) (-want +got):\n%s", diff)
	}
	if err := tbl.Set(Int(1), nil); err == nil {
		if tbl.Get(Int(1)) != nil {
			t.Errorf("after delete, Get(1) = %v; want nil", tbl.Get(Int(1)))
		}
	}
}

func TestTableLen(t *testing.T) {
	tbl := NewTable()
	for i := int64(1); i <= 5; i++ {
		if err := tbl.Set(Int(i), Int(i*10)); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := tbl.Len(), int64(5); got != want {
		t.Errorf("Len() = %d; want %d", got, want)
	}
}

func TestTableInvalidKey(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Set(nil, Int(1)); err == nil {
		t.Error("Set(nil, ...) = nil error; want error")
	}
	nan := Float(nanValue())
	if err := tbl.Set(nan, Int(1)); err == nil {
		t.Error("Set(NaN, ...) = nil error; want error")
	}
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestUpValueOpenClose(t *testing.T) {
	stack := &fakeStack{slots: []Value{Int(1), Int(2), Int(3)}}
	uv := NewOpenUpValue(stack, 1)
	if !uv.IsOpen() {
		t.Fatal("new upvalue should be open")
	}
	if got := uv.Get(); !Equal(got, Int(2)) {
		t.Errorf("Get() = %v; want 2", got)
	}
	uv.Set(Int(99))
	if got := stack.StackGet(1); !Equal(got, Int(99)) {
		t.Errorf("stack slot after Set = %v; want 99", got)
	}
	uv.Close()
	if uv.IsOpen() {
		t.Fatal("upvalue should be closed")
	}
	stack.StackSet(1, Int(-1))
	if got := uv.Get(); !Equal(got, Int(99)) {
		t.Errorf("closed upvalue Get() = %v; want 99 (detached copy)", got)
	}
}

type fakeStack struct {
	slots []Value
}

func (s *fakeStack) StackGet(i int) Value    { return s.slots[i] }
func (s *fakeStack) StackSet(i int, v Value) { s.slots[i] = v }
