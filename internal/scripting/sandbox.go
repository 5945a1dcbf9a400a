// Package scripting runs sandboxed GopherLua controllers bound to rooms.
// A controller owns one Lua VM, relays room traffic into script calls,
// and surfaces script console output as an event stream for loggers.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed
// per script entry point when no limit is configured.
const DefaultInstructionLimit = 1_000_000

// countingContext is a context.Context that cancels itself after Done()
// has been called limit times. GopherLua's main loop calls Done() once
// per opcode, making this an exact instruction-count limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

// Done returns the underlying cancellation channel. Each call decrements
// the remaining counter; when it reaches zero the cancel function fires,
// terminating the Lua VM on the next opcode boundary.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, cancel
}

// newSandboxedState creates a GopherLua LState with only the safe stdlib
// loaded (base, table, string, math) and dangerous globals removed.
// The caller owns the LState and must call Close when done, and must arm
// an instruction budget via resetInstructionBudget before running code.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Strip dangerous globals left by OpenBase. require is re-added by
	// the controller with a loader scoped to the module payload, print
	// by the console bridge.
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// resetInstructionBudget arms a fresh opcode budget on L. Called before
// every script entry point so long-lived controllers get a per-call
// limit rather than a cumulative one.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
func resetInstructionBudget(L *lua.LState, instLimit int) {
	limit := instLimit
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	ctx, _ := newCountingContext(limit) //nolint:govet // cancel fires when the budget is exhausted
	L.SetContext(ctx)
}
