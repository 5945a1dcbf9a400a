package scripting

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxConvDepth bounds value conversion so cyclic Lua tables cannot hang
// the gateway.
const maxConvDepth = 16

var errConvDepth = errors.New("scripting: value nesting too deep")

// toLua converts a decoded wire value to a Lua value. Wire values are
// JSON/CBOR-shaped: nil, bool, string, numbers, []byte, []any, and maps.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	return toLuaDepth(L, v, 0)
}

func toLuaDepth(L *lua.LState, v any, depth int) (lua.LValue, error) {
	if depth > maxConvDepth {
		return lua.LNil, errConvDepth
	}
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case []byte:
		return lua.LString(val), nil
	case int:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case float64:
		return lua.LNumber(val), nil
	case []any:
		table := L.NewTable()
		for _, item := range val {
			lv, err := toLuaDepth(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			table.Append(lv)
		}
		return table, nil
	case map[string]any:
		table := L.NewTable()
		for k, item := range val {
			lv, err := toLuaDepth(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			table.RawSetString(k, lv)
		}
		return table, nil
	case map[any]any:
		table := L.NewTable()
		for k, item := range val {
			kv, err := toLuaDepth(L, k, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			lv, err := toLuaDepth(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			table.RawSet(kv, lv)
		}
		return table, nil
	default:
		return lua.LNil, fmt.Errorf("scripting: unsupported value type %T", v)
	}
}

// fromLua converts a Lua value back to a wire value. Tables with a dense
// 1..n integer key sequence become lists, everything else becomes a
// string-keyed map.
func fromLua(lv lua.LValue) (any, error) {
	return fromLuaDepth(lv, 0)
}

func fromLuaDepth(lv lua.LValue, depth int) (any, error) {
	if depth > maxConvDepth {
		return nil, errConvDepth
	}
	switch val := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(val, depth)
	default:
		return nil, fmt.Errorf("scripting: unsupported lua type %s", lv.Type())
	}
}

func tableFromLua(table *lua.LTable, depth int) (any, error) {
	length := table.Len()
	isList := true
	keyCount := 0
	table.ForEach(func(k, _ lua.LValue) {
		keyCount++
		n, ok := k.(lua.LNumber)
		if !ok || float64(n) != float64(int(n)) || int(n) < 1 || int(n) > length {
			isList = false
		}
	})

	if isList && keyCount == length {
		list := make([]any, 0, length)
		for i := 1; i <= length; i++ {
			item, err := fromLuaDepth(table.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	}

	out := make(map[string]any, keyCount)
	var convErr error
	table.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := fromLuaDepth(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		out[k.String()] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}
