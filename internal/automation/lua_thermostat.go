//go:build !no_automation

package automation

import (
	"context"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"aprilaire-go-home/internal/aprilaire"
)

const maxHandlersPerScript = 100

// registerThermostatModule registers the `thermostat` table and the `log`
// global in a Lua state.
func registerThermostatModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return thermostatOn(L, vm)
	}))
	mod.RawSetString("data", L.NewFunction(func(L *lua.LState) int {
		return thermostatData(L, e)
	}))
	mod.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		return thermostatCall(L, vm, e)
	}))
	mod.RawSetString("entries", L.NewFunction(func(L *lua.LState) int {
		return thermostatEntries(L, e)
	}))

	L.SetGlobal("thermostat", mod)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		return luaLog(L, vm)
	}))
}

// thermostat.on(event, [entry_id,] fn)
func thermostatOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		h.entryID = L.CheckString(2)
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// thermostat.data(entry_id) returns the entry's data table, or nil when the
// entry is not loaded.
func thermostatData(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	coord, err := e.hub.Coordinator(id)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, map[string]any(coord.Data())))
	return 1
}

// thermostat.call(entry_id, service, [params]) returns true, or nil and an
// error message.
func thermostatCall(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	service := L.CheckString(2)
	params := map[string]any{}
	if t := L.OptTable(3, nil); t != nil {
		if m, ok := luaToGo(t).(map[string]any); ok {
			params = m
		}
	}

	ctx, cancel := context.WithTimeout(vm.ctx, e.callTimeout)
	defer cancel()
	if err := e.hub.Call(ctx, id, service, params); err != nil {
		vm.logger.Warn("service call from script failed", "entry_id", id, "service", service, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// thermostat.entries() returns an array of {id, title, state, available, name}.
func thermostatEntries(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, st := range e.hub.Entries() {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(st.Entry.ID))
		t.RawSetString("title", lua.LString(st.Entry.Title))
		t.RawSetString("state", lua.LString(st.State))
		t.RawSetString("available", lua.LBool(st.Available))
		if coord, err := e.hub.Coordinator(st.Entry.ID); err == nil {
			if name, ok := coord.Data().Text(aprilaire.AttrName); ok {
				t.RawSetString("name", lua.LString(name))
			}
		}
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// log(...) writes its arguments, tostring'd and space separated, at info level.
func luaLog(L *lua.LState, vm *scriptVM) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	vm.logger.Info("script log", "msg", strings.Join(parts, " "))
	return 0
}
