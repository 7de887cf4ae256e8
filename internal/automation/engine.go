//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/hub"
)

// Hub is the part of the entry hub scripts can see.
type Hub interface {
	Events() *coordinator.EventBus
	Entries() []hub.Status
	Coordinator(id string) (*coordinator.Coordinator, error)
	Call(ctx context.Context, id, service string, params map[string]any) error
}

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string // "*" matches every event
	entryID   string // filter: only match this entry (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	mu       sync.Mutex // protects handlers
}

// Engine runs one Lua VM per script and dispatches bus events to them.
type Engine struct {
	hub         Hub
	manager     *Manager
	logger      *slog.Logger
	callTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(h Hub, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		hub:         h,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		callTimeout: 10 * time.Second,
		now:         time.Now,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads all enabled scripts. A script
// that fails to load is logged and skipped.
func (e *Engine) Start() {
	e.unsub = e.hub.Events().OnAll(e.dispatchEvent)
	if err := e.Reload(); err != nil {
		e.logger.Error("load scripts", "err", err)
	}
	e.logger.Info("automation engine started", "scripts", len(e.Scripts()), "dir", e.manager.Dir())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.stopAll()
	e.logger.Info("automation engine stopped")
}

// Reload stops every running script and starts the enabled scripts found on
// disk. The returned error joins the failures of individual scripts.
func (e *Engine) Reload() error {
	e.stopAll()

	scripts, err := e.manager.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range scripts {
		if !s.Meta.Enabled {
			e.logger.Debug("script disabled", "id", s.ID)
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scripts returns the IDs of the running scripts.
func (e *Engine) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Debug("script stopped", "id", id)
	}
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logger:   e.logger.With("script", s.ID),
	}

	registerThermostatModule(L, vm, e)
	registerSystemModule(L, vm, e)

	// Top-level code registers handlers.
	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	vm.logger.Info("script started", "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues a call of every matching Lua handler on its VM.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	entryID := eventEntryID(event)
	var payload map[string]any

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if vm.ctx.Err() != nil {
				break
			}
			if !matchesHandler(h, event.Type, entryID) {
				continue
			}
			if payload == nil {
				payload = eventPayload(event)
			}
			fn, data := h.fn, payload
			select {
			case vm.commands <- func(L *lua.LState) { vm.callHandler(L, fn, data) }:
			default:
				vm.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType, entryID string) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	return h.entryID == "" || h.entryID == entryID
}

// eventEntryID returns the entry an event belongs to.
func eventEntryID(ev coordinator.Event) string {
	switch d := ev.Data.(type) {
	case coordinator.StateUpdate:
		return d.EntryID
	case coordinator.ConnectionState:
		return d.EntryID
	case coordinator.DeviceInfoChange:
		return d.EntryID
	case coordinator.EntryStatus:
		return d.EntryID
	case coordinator.ServiceCall:
		return d.EntryID
	}
	return ""
}

// eventPayload flattens an event into the table handed to Lua: the payload's
// JSON fields plus "type".
func eventPayload(ev coordinator.Event) map[string]any {
	out := map[string]any{}
	if raw, err := json.Marshal(ev.Data); err == nil {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			out = fields
		}
	}
	out["type"] = ev.Type
	return out
}

func (vm *scriptVM) callHandler(L *lua.LState, fn *lua.LFunction, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			vm.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, goToLua(L, data)); err != nil {
		if vm.ctx.Err() != nil {
			return
		}
		vm.logger.Error("lua handler error", "type", data["type"], "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(val.String())
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to the Go types service params accept. Tables
// with a non-empty array part become slices, others become maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return nil
	}
}
