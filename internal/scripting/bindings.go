package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerBindings installs the room API, the console bridge, the
// module-scoped require, and the config global into the VM. Called once
// during construction, before any script code runs.
func (c *Controller) registerBindings(config any) {
	L := c.state

	room := L.NewTable()
	L.SetFuncs(room, map[string]lua.LGFunction{
		"broadcast": c.luaBroadcast,
		"send":      c.luaSend,
		"join":      c.luaJoin,
		"kick":      c.luaKick,
		"message":   c.luaMessage,
		"destroy":   c.luaDestroy,
	})
	L.SetGlobal("room", room)

	console := L.NewTable()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		console.RawSetString(level, L.NewFunction(c.consoleFn(level)))
	}
	L.SetGlobal("console", console)
	L.SetGlobal("print", console.RawGetString("log"))

	L.SetGlobal("require", L.NewFunction(c.luaRequire))

	if config != nil {
		if lv, err := toLua(L, config); err == nil {
			L.SetGlobal("config", lv)
		} else {
			c.logger.Warn("script config not representable", zap.Error(err))
		}
	}
}

// loadSource runs a named source from the module payload, caching its
// return value for repeated require calls.
func (c *Controller) loadSource(L *lua.LState, name string) error {
	if _, ok := c.loaded[name]; ok {
		return nil
	}
	src, ok := c.module.Source[name]
	if !ok {
		return fmt.Errorf("scripting: no source named %q", name)
	}
	fn, err := L.LoadString(src)
	if err != nil {
		return fmt.Errorf("scripting: compiling %q: %w", name, err)
	}
	resetInstructionBudget(L, c.limit)
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return fmt.Errorf("scripting: running %q: %s", name, luaErrorReason(err))
	}
	c.loaded[name] = L.Get(-1)
	L.Pop(1)
	return nil
}

func (c *Controller) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)
	if cached, ok := c.loaded[name]; ok {
		L.Push(cached)
		return 1
	}
	if err := c.loadSource(L, name); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(c.loaded[name])
	return 1
}

func (c *Controller) consoleFn(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]any, 0, top)
		for i := 1; i <= top; i++ {
			v, err := fromLua(L.Get(i))
			if err != nil {
				v = L.Get(i).String()
			}
			args = append(args, v)
		}
		c.Console.Emit(ConsoleEvent{Level: level, Args: args})
		return 0
	}
}

func (c *Controller) luaBroadcast(L *lua.LState) int {
	args, err := luaVarargs(L, 1)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	event := append([]any{"$rpcEvent"}, args...)
	for _, conn := range c.room.JoinedConnections() {
		conn.SendEvent(event...)
	}
	return 0
}

func (c *Controller) luaSend(L *lua.LState) int {
	ids := c.checkIDList(L, 1)
	args, err := luaVarargs(L, 2)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	event := append([]any{"$rpcEvent"}, args...)
	for _, conn := range c.room.JoinedConnections() {
		if ids[conn.ID()] {
			conn.SendEvent(event...)
		}
	}
	return 0
}

func (c *Controller) luaJoin(L *lua.LState) int {
	ids := c.checkIDList(L, 1)
	for _, conn := range c.room.LobbyConnections() {
		if ids[conn.ID()] {
			c.room.Join(conn)
		}
	}
	return 0
}

func (c *Controller) luaKick(L *lua.LState) int {
	ids := c.checkIDList(L, 1)
	var reason any
	if L.GetTop() >= 2 {
		v, err := fromLua(L.Get(2))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		reason = v
	}
	for _, conn := range append(c.room.LobbyConnections(), c.room.JoinedConnections()...) {
		if ids[conn.ID()] {
			c.room.Kick(conn, reason)
		}
	}
	return 0
}

// luaMessage gets the room's public message with no arguments, or sets
// it: a string publishes, nil unpublishes.
func (c *Controller) luaMessage(L *lua.LState) int {
	if L.GetTop() == 0 {
		if msg := c.room.PublicMessage(); msg != nil {
			L.Push(lua.LString(*msg))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}
	switch v := L.Get(1).(type) {
	case *lua.LNilType:
		c.room.SetPublicMessage(nil)
	case lua.LString:
		s := string(v)
		c.room.SetPublicMessage(&s)
	default:
		s := v.String()
		c.room.SetPublicMessage(&s)
	}
	return 0
}

func (c *Controller) luaDestroy(L *lua.LState) int {
	c.room.Destroy()
	return 0
}

// checkIDList reads a connection id or list of ids at stack position n.
func (c *Controller) checkIDList(L *lua.LState, n int) map[int64]bool {
	ids := make(map[int64]bool)
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		ids[int64(v)] = true
	case *lua.LTable:
		v.ForEach(func(_, item lua.LValue) {
			if id, ok := item.(lua.LNumber); ok {
				ids[int64(id)] = true
			}
		})
	default:
		L.ArgError(n, "connection id or list of ids expected")
	}
	return ids
}

func luaVarargs(L *lua.LState, from int) ([]any, error) {
	top := L.GetTop()
	args := make([]any, 0, top-from+1)
	for i := from; i <= top; i++ {
		v, err := fromLua(L.Get(i))
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}
