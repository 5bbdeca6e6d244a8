// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package stdlib

import (
	"github.com/256lights/luacore/metaops"
	"github.com/256lights/luacore/value"
)

// LuaError wraps an arbitrary Lua value raised by `error` (or an
// uncaught runtime fault) as a Go error, so it can flow through
// vm.Executor's ordinary error-propagation path and be examined by
// pcall. Grounded on internal/lua/errors.go's errorObject,
// generalized from that package's string-only message type to any
// Value the way real Lua's error/pcall allow.
type LuaError struct {
	Value value.Value
}

func (e *LuaError) Error() string {
	if s, ok := value.ToDisplayString(e.Value); ok {
		return s.String()
	}
	result, merr := metaops.ToString(e.Value)
	if merr == nil && !result.IsCall() {
		if s, ok := result.Value().(*value.String); ok {
			return s.String()
		}
	}
	return value.TypeName(e.Value)
}
