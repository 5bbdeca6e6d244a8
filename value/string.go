// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

import (
	"strconv"
	"strings"
)

// String is an immutable Lua string value. Strings are not interned:
// each NewString call allocates, and Equal compares the underlying Go
// string rather than pointer identity, matching Lua's value semantics
// where strings compare equal by content.
type String struct {
	s string
}

// NewString returns a string Value wrapping s.
func NewString(s string) *String {
	return &String{s: s}
}

func (*String) LuaType() Type { return TypeString }

// String returns the underlying Go string.
func (v *String) String() string {
	if v == nil {
		return ""
	}
	return v.s
}

// Len returns the byte length of the string, as used by the `#`
// operator and the `string.len` function.
func (v *String) Len() int {
	return len(v.s)
}

func (v *String) stringValue() *String { return v }

// toFloat and toInt implement numeric, letting a numeral string
// coerce in arithmetic contexts the way real Lua's string-to-number
// coercion does ("10" + 1 == 11).
func (v *String) toFloat() (Float, bool) {
	s := strings.TrimSpace(v.s)
	if i, ok := parseInt(s); ok {
		return Float(i), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return Float(f), true
}

func (v *String) toInt() (Int, bool) {
	s := strings.TrimSpace(v.s)
	if i, ok := parseInt(s); ok {
		return Int(i), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	i, ok := FloatToInt(f)
	return Int(i), ok
}

func parseInt(s string) (int64, bool) {
	i, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}
