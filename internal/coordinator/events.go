package coordinator

import (
	"log/slog"
	"sync"

	"aprilaire-go-home/internal/aprilaire"
)

// Event types
const (
	EventStateUpdate       = "state_update"
	EventDeviceInfoChanged = "device_info_changed"
	EventConnectionChanged = "connection_changed"
	EventEntryReady        = "entry_ready"
	EventEntryFailed       = "entry_failed"
	EventEntryUnloaded     = "entry_unloaded"
	EventServiceCalled     = "service_called"
)

// Event represents a coordinator event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateUpdate is the payload of EventStateUpdate.
type StateUpdate struct {
	EntryID string         `json:"entry_id"`
	Changed []string       `json:"changed"`
	Data    aprilaire.Data `json:"data"`
}

// DeviceInfoChange is the payload of EventDeviceInfoChanged.
type DeviceInfoChange struct {
	EntryID string     `json:"entry_id"`
	Old     DeviceInfo `json:"old"`
	New     DeviceInfo `json:"new"`
}

// ConnectionState is the payload of EventConnectionChanged.
type ConnectionState struct {
	EntryID      string `json:"entry_id"`
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	Stopped      bool   `json:"stopped"`
	Available    bool   `json:"available"`
}

// EntryStatus is the payload of the entry lifecycle events.
type EntryStatus struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServiceCall is the payload of EventServiceCalled.
type ServiceCall struct {
	EntryID string         `json:"entry_id"`
	Service string         `json:"service"`
	Params  map[string]any `json:"params,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit delivers event synchronously to every matching handler.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
