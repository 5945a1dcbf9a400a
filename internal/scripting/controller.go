package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
)

// Module is a script payload: a set of named Lua sources and the key of
// the entry source.
type Module struct {
	Main   string            `json:"main"`
	Source map[string]string `json:"source"`
}

// Validate checks the payload shape.
func (m Module) Validate() error {
	if m.Main == "" {
		return errors.New("scripting: module main must not be empty")
	}
	if _, ok := m.Source[m.Main]; !ok {
		return fmt.Errorf("scripting: module main %q not present in source", m.Main)
	}
	return nil
}

// ConsoleEvent is one console call made by the script.
type ConsoleEvent struct {
	Level string
	Args  []any
}

// Options configures a Controller.
type Options struct {
	// Config is exposed to the script as the global "config".
	Config any
	// InstructionLimit bounds Lua opcodes per entry point; 0 = default.
	InstructionLimit int
	// Async dispatches script calls on a dedicated worker goroutine with
	// a bounded queue instead of inline on the emitting goroutine.
	Async bool
	// QueueSize bounds the async queue; 0 = DefaultQueueSize.
	QueueSize int
	// Logger must be non-nil.
	Logger *zap.Logger
}

// DefaultQueueSize is the async dispatch queue bound.
const DefaultQueueSize = 128

const rpcTag = "$rpc"

var errDisposed = errors.New("scripting: controller disposed")

// Controller binds one sandboxed Lua VM to one room. It admits or
// rejects entering connections (via the script's optional onJoin gate),
// answers RPC-tagged connection messages by calling exported script
// functions, and surfaces console output as an event stream.
//
// The VM is single-threaded: the sync variant serializes entry points
// with a mutex on the emitting goroutine, the async variant funnels them
// through one worker goroutine.
type Controller struct {
	room   *engine.Room
	module Module
	logger *zap.Logger
	limit  int
	async  bool

	mu          sync.Mutex
	state       *lua.LState
	stateClosed bool
	loaded      map[string]lua.LValue

	disposed  atomic.Bool
	disposeMu sync.Mutex
	disposers []func()
	queue     chan func()
	quit      chan struct{}

	// Console fires for every console.* call the script makes.
	Console engine.Emitter[ConsoleEvent]
	// Disposed fires once when the controller shuts down.
	Disposed engine.Emitter[struct{}]
}

// NewController builds a controller for room running module. The script
// does not execute until Start.
//
// Precondition: opts.Logger must be non-nil.
func NewController(room *engine.Room, module Module, opts Options) (*Controller, error) {
	if err := module.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		room:   room,
		module: module,
		logger: opts.Logger,
		limit:  opts.InstructionLimit,
		async:  opts.Async,
		state:  newSandboxedState(),
		loaded: make(map[string]lua.LValue),
		quit:   make(chan struct{}),
	}
	c.registerBindings(opts.Config)

	if c.async {
		size := opts.QueueSize
		if size <= 0 {
			size = DefaultQueueSize
		}
		c.queue = make(chan func(), size)
		go c.worker()
	}

	c.disposers = append(c.disposers,
		room.Events.ConnectionJoin.Subscribe(c.handleConnectionJoin),
		room.Events.ConnectionMessage.Subscribe(c.handleConnectionMessage),
		room.Events.Destroy.Subscribe(func(struct{}) { c.Dispose() }),
	)
	return c, nil
}

// Start executes the module's main source. For the async variant the
// script runs on the worker goroutine; Start waits for it to finish or
// for ctx to be done.
func (c *Controller) Start(ctx context.Context) error {
	run := func(L *lua.LState) error {
		return c.loadSource(L, c.module.Main)
	}
	if !c.async {
		return c.runSync(run)
	}
	errCh := make(chan error, 1)
	if ok := c.submit(func() { errCh <- run(c.state) }); !ok {
		return errDisposed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose tears the controller down: releases room subscriptions, stops
// the worker, closes the VM, emits Disposed, and destroys the room.
// Idempotent and safe to call from inside a script entry point.
func (c *Controller) Dispose() {
	if c.disposed.Swap(true) {
		return
	}
	c.disposeMu.Lock()
	disposers := c.disposers
	c.disposers = nil
	c.disposeMu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}

	close(c.quit) // async worker closes the VM on exit
	if !c.async {
		// If a script entry point is running on another goroutine, it
		// closes the VM itself when it observes the disposed flag.
		if c.mu.TryLock() {
			c.closeStateLocked()
			c.mu.Unlock()
		}
	}

	c.Disposed.Emit(struct{}{})
	c.room.Destroy()
}

// IsDisposed reports whether Dispose has run.
func (c *Controller) IsDisposed() bool {
	return c.disposed.Load()
}

// worker is the async variant's single dispatch goroutine. It owns the
// VM exclusively.
func (c *Controller) worker() {
	for {
		select {
		case task := <-c.queue:
			task()
		case <-c.quit:
			// Drain what was queued before shutdown, then close.
			for {
				select {
				case task := <-c.queue:
					task()
				default:
					c.mu.Lock()
					c.closeStateLocked()
					c.mu.Unlock()
					return
				}
			}
		}
	}
}

// submit enqueues a task for the worker. Returns false when disposed or
// the queue is full.
func (c *Controller) submit(task func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.queue <- task:
		return true
	case <-c.quit:
		return false
	default:
		return false
	}
}

// runSync executes fn inline, holding the VM mutex. It finishes a
// pending dispose that raced with the call.
func (c *Controller) runSync(fn func(*lua.LState) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateClosed {
		return errDisposed
	}
	err := fn(c.state)
	if c.disposed.Load() {
		c.closeStateLocked()
	}
	return err
}

func (c *Controller) closeStateLocked() {
	if !c.stateClosed {
		c.stateClosed = true
		c.state.Close()
	}
}

// dispatch routes an entry point to the right execution mode. The
// returned bool is false when the controller could not accept the work.
func (c *Controller) dispatch(fn func(*lua.LState) error) bool {
	if c.disposed.Load() {
		return false
	}
	if c.async {
		return c.submit(func() {
			if c.disposed.Load() {
				return
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.stateClosed {
				return
			}
			if err := fn(c.state); err != nil {
				c.logger.Warn("script dispatch failed", zap.Error(err))
			}
		})
	}
	if err := c.runSync(fn); err != nil && !errors.Is(err, errDisposed) {
		c.logger.Warn("script dispatch failed", zap.Error(err))
	}
	return true
}

// handleConnectionJoin gates lobby admission. When the script exports a
// global onJoin function it decides: returning false or raising an error
// kicks the connection, anything else joins it. Without an onJoin the
// connection joins immediately.
func (c *Controller) handleConnectionJoin(conn *engine.Connection) {
	accepted := c.dispatch(func(L *lua.LState) error {
		gate := L.GetGlobal("onJoin")
		if gate.Type() != lua.LTFunction {
			c.room.Join(conn)
			return nil
		}
		args := make([]lua.LValue, 0, 1+len(conn.EnterArgs()))
		args = append(args, lua.LNumber(conn.ID()))
		for _, a := range conn.EnterArgs() {
			lv, err := toLua(L, a)
			if err != nil {
				c.room.Kick(conn, err.Error())
				return nil
			}
			args = append(args, lv)
		}
		resetInstructionBudget(L, c.limit)
		if err := L.CallByParam(lua.P{Fn: gate, NRet: 1, Protect: true}, args...); err != nil {
			c.room.Kick(conn, luaErrorReason(err))
			return nil
		}
		ret := L.Get(-1)
		L.Pop(1)
		if ret == lua.LFalse {
			c.room.Kick(conn, "join rejected")
			return nil
		}
		c.room.Join(conn)
		return nil
	})
	if !accepted {
		c.room.Kick(conn, "script unavailable")
	}
}

// handleConnectionMessage answers RPC-tagged tuples. The tuple shape is
// ("$rpc", callId, fnPath, args...); anything else is left to other
// room listeners.
func (c *Controller) handleConnectionMessage(ev engine.ConnectionMessageEvent) {
	if len(ev.Args) < 3 {
		return
	}
	if tag, ok := ev.Args[0].(string); !ok || tag != rpcTag {
		return
	}
	callID := ev.Args[1]
	path := ev.Args[2]
	callArgs := ev.Args[3:]

	accepted := c.dispatch(func(L *lua.LState) error {
		c.callRPC(L, ev.Conn, callID, path, callArgs)
		return nil
	})
	if !accepted {
		ev.Conn.SendEvent("$rpcResult", callID, 1, "script queue full")
	}
}

func (c *Controller) callRPC(L *lua.LState, conn *engine.Connection, callID, path any, callArgs []any) {
	fail := func(msg string) {
		conn.SendEvent("$rpcResult", callID, 1, msg)
	}

	fn, err := resolvePath(L, path)
	if err != nil {
		fail(err.Error())
		return
	}

	args := make([]lua.LValue, 0, len(callArgs))
	for _, a := range callArgs {
		lv, convErr := toLua(L, a)
		if convErr != nil {
			fail(convErr.Error())
			return
		}
		args = append(args, lv)
	}

	resetInstructionBudget(L, c.limit)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		fail(luaErrorReason(err))
		return
	}
	ret := L.Get(-1)
	L.Pop(1)
	result, err := fromLua(ret)
	if err != nil {
		fail(err.Error())
		return
	}
	conn.SendEvent("$rpcResult", callID, 0, result)
}

// resolvePath finds the exported function for an RPC method path: a
// plain string names a global, a list of strings walks nested tables.
func resolvePath(L *lua.LState, path any) (lua.LValue, error) {
	var segments []string
	switch p := path.(type) {
	case string:
		segments = []string{p}
	case []any:
		for _, seg := range p {
			s, ok := seg.(string)
			if !ok {
				return lua.LNil, fmt.Errorf("scripting: method path segment is not a string")
			}
			segments = append(segments, s)
		}
	default:
		return lua.LNil, fmt.Errorf("scripting: method path must be a string or list of strings")
	}
	if len(segments) == 0 {
		return lua.LNil, errors.New("scripting: empty method path")
	}

	current := L.GetGlobal(segments[0])
	for _, seg := range segments[1:] {
		table, ok := current.(*lua.LTable)
		if !ok {
			return lua.LNil, fmt.Errorf("scripting: unknown method %q", seg)
		}
		current = table.RawGetString(seg)
	}
	if current.Type() != lua.LTFunction {
		return lua.LNil, fmt.Errorf("scripting: unknown method %q", segments[len(segments)-1])
	}
	return current, nil
}

// luaErrorReason strips GopherLua's position prefix noise down to the
// script's own message where possible.
func luaErrorReason(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object.String()
	}
	return err.Error()
}
