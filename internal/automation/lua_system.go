//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.now())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e.now())
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return systemAfter(L, vm)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, vm)
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(component) returns one component of the current time.
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour is
// in [from, to). A range with from > to wraps midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now.Hour()

	var result bool
	if from <= to {
		result = hour >= from && hour < to
	} else {
		result = hour >= from || hour < to
	}

	L.Push(lua.LBool(result))
	return 1
}

// system.after(seconds, fn) runs fn on the script's VM once the delay passes.
func systemAfter(L *lua.LState, vm *scriptVM) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil && vm.ctx.Err() == nil {
				vm.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			vm.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		vm.logger.Debug("script log", "msg", msg)
	case "warn":
		vm.logger.Warn("script log", "msg", msg)
	case "error":
		vm.logger.Error("script log", "msg", msg)
	default:
		vm.logger.Info("script log", "msg", msg)
	}
	return 0
}
