// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

// UserData wraps an arbitrary Go value for exposure to Lua code,
// optionally with a metatable providing operator overloads.
type UserData struct {
	id        string
	Data      any
	metatable *Table
}

// NewUserData returns a user data value wrapping data.
func NewUserData(data any) *UserData {
	return &UserData{id: newID(), Data: data}
}

func (*UserData) LuaType() Type { return TypeUserData }

// ID implements [Identifiable].
func (u *UserData) ID() string { return u.id }

// Metatable returns the user data's metatable, or nil if it has none.
func (u *UserData) Metatable() *Table {
	return u.metatable
}

// SetMetatable sets the user data's metatable.
func (u *UserData) SetMetatable(mt *Table) {
	u.metatable = mt
}

var _ Identifiable = (*UserData)(nil)
