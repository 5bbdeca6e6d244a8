// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package stash implements the Stashable/Fetchable root-set contract:
// a generation-tagged escape hatch that lets a GC value cross into a
// dynamic scope (an async sequence's continuation, in package async)
// without smuggling a raw reference past that scope's lifetime.
//
// A branded lifetime ('seq in the originating design) has no Go
// equivalent, so Scope substitutes a monotonically increasing
// generation counter: every Stash records the generation live when it
// was created, and Fetch panics if that generation has since moved on
// — the value "left" its scope. This is deliberately a simpler, lock-
// free counter (atomic.Uint64) than the teacher's mutex-guarded ones
// elsewhere in the module, since a single counter increment needs no
// broader critical section.
package stash

import "sync/atomic"

// Scope owns a generation counter. Each call to Enter marks the start
// of a new dynamic scope, invalidating every Stash created under an
// earlier generation.
type Scope struct {
	gen atomic.Uint64
}

// NewScope returns a scope at generation 0.
func NewScope() *Scope {
	return &Scope{}
}

// Enter starts a new generation and returns it.
func (s *Scope) Enter() uint64 {
	return s.gen.Add(1)
}

// Generation reports the scope's current live generation.
func (s *Scope) Generation() uint64 {
	return s.gen.Load()
}

// Stash wraps a value of type T with the generation of the scope it
// was stashed under.
type Stash[T any] struct {
	scope *Scope
	gen   uint64
	value T
}

// New stashes v under scope's current generation.
func New[T any](scope *Scope, v T) Stash[T] {
	return Stash[T]{scope: scope, gen: scope.Generation(), value: v}
}

// Fetch recovers the stashed value, panicking if scope has moved on to
// a later generation since s was created — the Design Notes'
// substitute for a branded lifetime's compile-time guarantee.
func Fetch[T any](s Stash[T]) T {
	if s.scope.Generation() != s.gen {
		panic("stash: fetch of a value after its owning scope exited")
	}
	return s.value
}
