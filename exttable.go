package luakv

import (
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/luakv/luakv/internal/codec"
	"github.com/luakv/luakv/internal/luafunc"
)

// tableIDField is the metatable slot holding a proxy's table id. The
// proxy itself stores no data; the id is its only state, which is why a
// detached proxy loses nothing.
const tableIDField = "__table_id"

// registerExt installs the `ext` namespace into the interpreter globals:
//
//	ext.table()   -> new external table proxy
//	ext.id(t)     -> the proxy's table id
//	ext.size(t)   -> number of entries (also reachable via __len)
//	ext.keys(t)   -> array of key strings
//	ext.pairs(t)  -> iterator over key/value pairs
//	ext.now()     -> host wall clock, milliseconds
//
// Lua 5.1 does not consult __pairs, so iteration is a function here
// rather than a metamethod.
func (rt *Runtime) registerExt() {
	L := rt.L
	ext := L.NewTable()
	L.SetField(ext, "table", L.NewFunction(rt.luaNewTable))
	L.SetField(ext, "id", L.NewFunction(rt.luaTableID))
	L.SetField(ext, "size", L.NewFunction(rt.luaSize))
	L.SetField(ext, "keys", L.NewFunction(rt.luaKeys))
	L.SetField(ext, "pairs", L.NewFunction(rt.luaPairs))
	L.SetField(ext, "now", L.NewFunction(luaNow))
	L.SetGlobal("ext", ext)
}

// bindProxy builds a proxy table bound to id. Creation writes nothing
// host-side: an empty table costs nothing until its first write. The
// same function serves fresh tables and rebinding during restore.
func (rt *Runtime) bindProxy(id TableID) *lua.LTable {
	L := rt.L
	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString(tableIDField, lua.LNumber(id))
	L.SetField(mt, "__index", L.NewFunction(rt.luaIndex))
	L.SetField(mt, "__newindex", L.NewFunction(rt.luaNewIndex))
	L.SetField(mt, "__len", L.NewFunction(rt.luaSize))
	L.SetMetatable(proxy, mt)
	return proxy
}

// proxyID extracts the table id a proxy is bound to.
func (rt *Runtime) proxyID(tbl *lua.LTable) (TableID, bool) {
	mt, ok := rt.L.GetMetatable(tbl).(*lua.LTable)
	if !ok {
		return 0, false
	}
	n, ok := mt.RawGetString(tableIDField).(lua.LNumber)
	if !ok || n < 1 {
		return 0, false
	}
	return TableID(n), true
}

func (rt *Runtime) checkProxy(L *lua.LState, arg int) (*lua.LTable, TableID) {
	tbl := L.CheckTable(arg)
	id, ok := rt.proxyID(tbl)
	if !ok {
		L.ArgError(arg, "not an external table")
	}
	return tbl, id
}

func (rt *Runtime) luaNewTable(L *lua.LState) int {
	id := rt.allocTableID()
	L.Push(rt.bindProxy(id))
	return 1
}

func (rt *Runtime) luaTableID(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	L.Push(lua.LNumber(id))
	return 1
}

func (rt *Runtime) luaIndex(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	v, err := rt.readEntry(id, L.CheckAny(2))
	if err != nil {
		L.RaiseError("reading external table %d: %s", id, err)
	}
	L.Push(v)
	return 1
}

func (rt *Runtime) luaNewIndex(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	if err := rt.writeEntry(id, L.CheckAny(2), L.CheckAny(3)); err != nil {
		L.RaiseError("writing external table %d: %s", id, err)
	}
	return 0
}

func (rt *Runtime) luaSize(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	n, err := rt.bridge.size(id)
	if err != nil {
		L.RaiseError("sizing external table %d: %s", id, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (rt *Runtime) luaKeys(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	keys, err := rt.bridge.keys(id)
	if err != nil {
		L.RaiseError("enumerating external table %d: %s", id, err)
	}
	out := L.NewTable()
	for _, k := range keys {
		out.Append(lua.LString(k))
	}
	L.Push(out)
	return 1
}

// luaPairs returns an iterator usable as `for k, v in ext.pairs(t) do`.
// The key set is snapshotted up front; values are read live, so an entry
// deleted mid-iteration yields nil like a plain table would.
func (rt *Runtime) luaPairs(L *lua.LState) int {
	_, id := rt.checkProxy(L, 1)
	keys, err := rt.bridge.keys(id)
	if err != nil {
		L.RaiseError("enumerating external table %d: %s", id, err)
	}
	i := 0
	L.Push(L.NewFunction(func(L *lua.LState) int {
		for i < len(keys) {
			k := keys[i]
			i++
			v, err := rt.readEntry(id, lua.LString(k))
			if err != nil {
				L.RaiseError("reading external table %d: %s", id, err)
			}
			if v == lua.LNil {
				continue
			}
			L.Push(lua.LString(k))
			L.Push(v)
			return 2
		}
		L.Push(lua.LNil)
		return 1
	}))
	return 1
}

func luaNow(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().UnixMilli()))
	return 1
}

// readEntry fetches and decodes one entry. Absent keys read as nil,
// indistinguishable from a stored nil, which the write path never stores
// anyway. Malformed stored bytes are surfaced as ErrCorruptEntry, never
// silently read as nil.
func (rt *Runtime) readEntry(id TableID, key lua.LValue) (lua.LValue, error) {
	k, err := rt.canonicalKey(key)
	if err != nil {
		return lua.LNil, err
	}
	raw, found, err := rt.bridge.get(id, k)
	if err != nil {
		return lua.LNil, err
	}
	if !found {
		return lua.LNil, nil
	}
	if len(raw) > 0 && raw[0] == luafunc.WireTag {
		fn, err := luafunc.Load(rt.L, raw)
		if err != nil {
			return lua.LNil, err
		}
		return fn, nil
	}
	v, n, err := codec.Decode(raw)
	if err != nil || n != len(raw) {
		return lua.LNil, fmt.Errorf("%w: key %q: %v", ErrCorruptEntry, k, err)
	}
	return rt.toLua(v), nil
}

// writeEntry encodes and stores one entry. A nil value is a logical
// delete: the entry is removed rather than stored as an encoded nil, so
// "explicitly nil" and "never set" stay indistinguishable.
func (rt *Runtime) writeEntry(id TableID, key, value lua.LValue) error {
	k, err := rt.canonicalKey(key)
	if err != nil {
		return err
	}
	if value == lua.LNil {
		return rt.bridge.delete(id, k)
	}

	if fn, ok := value.(*lua.LFunction); ok {
		blob, err := luafunc.Dump(fn)
		if err != nil {
			return err
		}
		return rt.bridge.set(id, k, blob)
	}

	cv, err := rt.fromLua(value)
	if err != nil {
		return err
	}
	n, err := codec.Encode(cv, rt.bridge.valueBuf())
	if err != nil {
		return err
	}
	return rt.bridge.set(id, k, rt.bridge.valueBuf()[:n])
}

// canonicalKey formats a Lua key as the flat string key the host store
// uses. Integer 1 and string "1" alias the same slot; see
// codec.CanonicalKey.
func (rt *Runtime) canonicalKey(key lua.LValue) (string, error) {
	cv, err := rt.fromLua(key)
	if err != nil {
		return "", err
	}
	return codec.CanonicalKey(cv)
}

// fromLua maps an interpreter value onto the closed codec union. Numbers
// are split into Int and Float: an integral double travels as an Int so
// it round-trips with integer identity intact.
func (rt *Runtime) fromLua(v lua.LValue) (codec.Value, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return codec.Nil{}, nil
	case lua.LBool:
		return codec.Bool(v), nil
	case lua.LNumber:
		return numberValue(float64(v)), nil
	case lua.LString:
		return codec.Str(v), nil
	case *lua.LTable:
		id, ok := rt.proxyID(v)
		if !ok {
			return nil, fmt.Errorf("plain Lua tables cannot cross the bridge; use ext.table()")
		}
		return codec.TableRef(id), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type())
	}
}

// toLua maps a decoded value back onto the interpreter. A table ref
// comes back as a proxy bound to the same id; aliasing is by id, so two
// proxies for one id observe identical contents.
func (rt *Runtime) toLua(v codec.Value) lua.LValue {
	switch v := v.(type) {
	case codec.Nil:
		return lua.LNil
	case codec.Bool:
		return lua.LBool(v)
	case codec.Int:
		return lua.LNumber(v)
	case codec.Float:
		return lua.LNumber(v)
	case codec.Str:
		return lua.LString(v)
	case codec.TableRef:
		return rt.bindProxy(TableID(v))
	}
	panic(fmt.Sprintf("luakv: unknown codec value %T", v))
}

// numberValue picks the Int variant for doubles that are exactly
// representable as int64, Float otherwise.
func numberValue(f float64) codec.Value {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return codec.Int(int64(f))
	}
	return codec.Float(f)
}
