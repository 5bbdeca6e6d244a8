// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package value

import (
	"slices"
)

// Table is a Lua table: an associative array that also supports the
// sequence-length operator `#`.
//
// Entries are kept in a slice sorted by [Compare] on the key, mirroring
// internal/mylua's tableEntry/findEntry representation rather than a
// native Go map. A map can't be used directly because Lua normalizes
// integer-valued float keys to integers (1.0 and 1 are the same key)
// and comparable map keys can't express that coercion without boxing
// every lookup through a canonicalization step anyway; staying with a
// sorted slice additionally gets us the `next` iteration order and
// border search for free.
type Table struct {
	id        string
	entries   []tableEntry
	metatable *Table
}

type tableEntry struct {
	key   Value
	value Value
}

// NewTable returns a new, empty table.
func NewTable() *Table {
	return &Table{id: newID()}
}

func (*Table) LuaType() Type { return TypeTable }

// ID implements [Identifiable].
func (t *Table) ID() string { return t.id }

// Metatable returns the table's metatable, or nil if it has none.
func (t *Table) Metatable() *Table {
	return t.metatable
}

// SetMetatable sets the table's metatable.
func (t *Table) SetMetatable(mt *Table) {
	t.metatable = mt
}

// canonicalKey normalizes float keys with no fractional part to
// integers, per Lua's table key equality rules, and reports an error
// Value is not usable: nil keys and NaN keys are invalid.
func canonicalKey(key Value) (Value, bool) {
	switch k := key.(type) {
	case nil:
		return nil, false
	case Float:
		if i, ok := FloatToInt(float64(k)); ok {
			return Int(i), true
		}
		if float64(k) != float64(k) { // NaN
			return nil, false
		}
		return k, true
	default:
		return key, true
	}
}

func (t *Table) find(key Value) (int, bool) {
	return slices.BinarySearchFunc(t.entries, key, func(e tableEntry, key Value) int {
		return Compare(e.key, key)
	})
}

// Get returns the value associated with key, or nil if there is none.
// It does not consult the metatable's __index.
func (t *Table) Get(key Value) Value {
	if t == nil {
		return nil
	}
	key, ok := canonicalKey(key)
	if !ok {
		return nil
	}
	i, found := t.find(key)
	if !found {
		return nil
	}
	return t.entries[i].value
}

// Set assigns value to key, removing the entry if value is nil.
// It does not consult the metatable's __newindex. Reports an error if
// key is nil or NaN.
func (t *Table) Set(key, value Value) error {
	key, ok := canonicalKey(key)
	if !ok {
		return &InvalidKeyError{Key: key}
	}
	i, found := t.find(key)
	switch {
	case found && value == nil:
		t.entries = slices.Delete(t.entries, i, i+1)
	case found:
		t.entries[i].value = value
	case value == nil:
		// no-op: deleting an absent key
	default:
		t.entries = slices.Insert(t.entries, i, tableEntry{key: key, value: value})
	}
	return nil
}

// InvalidKeyError is returned by [Table.Set] when the key is nil or NaN.
type InvalidKeyError struct {
	Key Value
}

func (e *InvalidKeyError) Error() string {
	if e.Key == nil {
		return "table index is nil"
	}
	return "table index is NaN"
}

// Len returns a border of the table: an index n such that t[n] is
// non-nil (or n is 0) and t[n+1] is nil. For a table with no holes in
// its integer keys, this is simply the sequence length. When the
// table has holes, any border is an acceptable answer per the Lua
// manual; this uses the teacher's binary-search convention, searching
// the span of known integer keys for a boundary.
func (t *Table) Len() int64 {
	if t.rawGetInt(1) == nil {
		return 0
	}
	// Find j such that t[j] is non-nil and t[j+1] is nil, starting
	// from a power-of-two search the way internal/mylua/value.go does.
	var lo int64 = 1
	hi := lo
	for t.rawGetInt(hi) != nil {
		lo = hi
		if hi > (1<<63-1)/2 {
			// Degenerate: walk linearly to avoid overflow.
			for t.rawGetInt(lo+1) != nil {
				lo++
			}
			return lo
		}
		hi *= 2
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if t.rawGetInt(mid) != nil {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func (t *Table) rawGetInt(i int64) Value {
	return t.Get(Int(i))
}

// Next returns the key/value pair following key in the table's
// iteration order, implementing the `next` built-in. Passing a nil
// key starts iteration. Once iteration is exhausted it returns a nil
// nextKey with ok=true; ok=false reports a key that is not in the table.
func (t *Table) Next(key Value) (nextKey, nextValue Value, ok bool) {
	if t == nil || len(t.entries) == 0 {
		return nil, nil, key == nil
	}
	if key == nil {
		e := t.entries[0]
		return e.key, e.value, true
	}
	ck, valid := canonicalKey(key)
	if !valid {
		return nil, nil, false
	}
	i, found := t.find(ck)
	if !found {
		return nil, nil, false
	}
	if i+1 >= len(t.entries) {
		return nil, nil, true
	}
	e := t.entries[i+1]
	return e.key, e.value, true
}
