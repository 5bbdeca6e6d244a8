// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package luacore is the embedder-facing surface of the interpreter:
// compile Lua source into a loadable prototype, create threads to run
// it on, and drive them with an Executor. Everything it re-exports
// lives in a lower package (compile, vm, stdlib) broken out along the
// lines the source crate's own module boundaries draw; this file just
// gives an embedder one import instead of four.
package luacore

import (
	"bufio"
	"fmt"
	"io"

	"github.com/256lights/luacore/bytecode"
	"github.com/256lights/luacore/callback"
	"github.com/256lights/luacore/compile"
	"github.com/256lights/luacore/internal/luacode"
	"github.com/256lights/luacore/stdlib"
	"github.com/256lights/luacore/value"
	"github.com/256lights/luacore/vm"
)

// Compile parses Lua source from r under the given chunk name and
// translates it into a loadable [bytecode.Prototype], running the
// lexer/parser (internal/luacode, internal/lualex) and the bytecode
// translator (package compile) in one step.
func Compile(name string, r io.Reader) (*bytecode.Prototype, error) {
	br, ok := r.(io.ByteScanner)
	if !ok {
		br = bufio.NewReader(r)
	}
	src, err := luacode.Parse(luacode.Source(name), br)
	if err != nil {
		return nil, err
	}
	return compile.Compile(src)
}

// Load turns a compiled main chunk into a callable closure bound to
// globals. A main chunk's sole upvalue is always the implicit _ENV
// (see package compile's translateUpvalue), which the Closure opcode
// never instantiates on its own since nothing ever Closure-instantiates
// the entry point itself; binding it here is the one place _ENV is
// wired to an actual globals table.
func Load(proto *bytecode.Prototype, globals *value.Table) (*value.Closure, error) {
	upvals := make([]*value.UpValue, len(proto.Upvalues))
	for i, uv := range proto.Upvalues {
		if uv.Kind != bytecode.Environment {
			return nil, fmt.Errorf("luacore: load %s: upvalue %d (%s) is not _ENV", proto.FunctionName(), i, uv.Name)
		}
		upvals[i] = value.NewClosedUpValue(globals)
	}
	return value.NewClosure(proto, upvals), nil
}

// NewThread returns a new, not-yet-started [vm.Thread].
func NewThread() *vm.Thread {
	return vm.NewThread()
}

// NewExecutor returns an [vm.Executor] driving threads with ctx as
// their ambient host context.
func NewExecutor(ctx *callback.Context) *vm.Executor {
	return vm.NewExecutor(ctx)
}

// OpenLibs populates globals with the standard library tables this
// module implements (base functions plus coroutine), the way the
// teacher's lua.OpenLibraries registers its builtin packages.
func OpenLibs(globals *value.Table) {
	stdlib.OpenBase(globals)
	stdlib.OpenCoroutine(globals)
}
