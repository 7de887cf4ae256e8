// Package hub runs one coordinator per config entry: it sets entries up,
// builds their entities once the thermostat is ready, routes service calls
// and tears everything down on unload.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/entity"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/store"
)

var (
	ErrNotFound      = errors.New("entry not loaded")
	ErrAlreadyLoaded = errors.New("entry already loaded")
	ErrNotReady      = errors.New("entry not ready")
)

// Entry states.
const (
	StateSetupInProgress = "setup_in_progress"
	StateLoaded          = "loaded"
	StateSetupError      = "setup_error"
)

// ClientFactory creates an unstarted client for host:port.
type ClientFactory func(host string, port int) aprilaire.Backend

// EntryStore is the part of the store the hub needs.
type EntryStore interface {
	ListEntries() ([]*store.Entry, error)
	SaveDevice(dev *store.Device) error
}

// Status is the public view of a loaded entry.
type Status struct {
	Entry     store.Entry `json:"entry"`
	State     string      `json:"state"`
	Error     string      `json:"error,omitempty"`
	Available bool        `json:"available"`
	Entities  int         `json:"entities"`
}

type instance struct {
	entry    store.Entry
	coord    *coordinator.Coordinator
	cancel   context.CancelFunc
	done     chan struct{}
	state    string
	err      string
	climate  *entity.Climate
	entities []entity.Entity
}

// Hub owns every running entry.
type Hub struct {
	store     EntryStore
	newClient ClientFactory
	events    *coordinator.EventBus
	services  *services.Registry
	units     entity.Units
	logger    *slog.Logger
	coordOpts []coordinator.Option

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
	unsub     func()
}

type Option func(*Hub)

// WithUnits sets the temperature unit entities are published in.
func WithUnits(u entity.Units) Option {
	return func(h *Hub) { h.units = u }
}

// WithCoordinatorOptions is passed to every coordinator the hub creates.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(h *Hub) { h.coordOpts = append(h.coordOpts, opts...) }
}

// New creates a hub. Device records are refreshed in st whenever a
// thermostat reports new identity information.
func New(st EntryStore, newClient ClientFactory, events *coordinator.EventBus, reg *services.Registry, logger *slog.Logger, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:     st,
		newClient: newClient,
		events:    events,
		services:  reg,
		logger:    logger.With("component", "hub"),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.unsub = events.On(coordinator.EventDeviceInfoChanged, h.onDeviceInfo)
	return h
}

// Events returns the shared event bus.
func (h *Hub) Events() *coordinator.EventBus { return h.events }

// Services returns the service table.
func (h *Hub) Services() *services.Registry { return h.services }

// Units returns the unit entities are published in.
func (h *Hub) Units() entity.Units { return h.units }

// LoadAll sets up every stored entry that is not disabled.
func (h *Hub) LoadAll() error {
	entries, err := h.store.ListEntries()
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	for _, e := range entries {
		if e.Disabled {
			h.logger.Info("entry disabled, skipping", "entry_id", e.ID)
			continue
		}
		if err := h.Setup(e); err != nil {
			h.logger.Error("setup entry", "entry_id", e.ID, "err", err)
		}
	}
	return nil
}

// Setup starts the client for entry and waits for the thermostat in the
// background. EventEntryReady or EventEntryFailed reports the outcome.
func (h *Hub) Setup(entry *store.Entry) error {
	h.mu.Lock()
	if _, ok := h.instances[entry.ID]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", entry.ID, ErrAlreadyLoaded)
	}
	client := h.newClient(entry.Host, entry.Port)
	coord := coordinator.New(entry.ID, client, h.events, h.logger, h.coordOpts...)
	ctx, cancel := context.WithCancel(h.ctx)
	inst := &instance{
		entry:  *entry,
		coord:  coord,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateSetupInProgress,
	}
	h.instances[entry.ID] = inst
	h.mu.Unlock()

	if err := coord.Start(ctx); err != nil {
		cancel()
		close(inst.done)
		h.mu.Lock()
		delete(h.instances, entry.ID)
		h.mu.Unlock()
		return err
	}
	h.logger.Info("entry setup started", "entry_id", entry.ID, "host", entry.Host, "port", entry.Port)

	go h.waitReady(ctx, inst)
	return nil
}

func (h *Hub) waitReady(ctx context.Context, inst *instance) {
	defer close(inst.done)
	id := inst.entry.ID

	if err := inst.coord.WaitForReady(ctx); err != nil {
		if ctx.Err() != nil {
			return // unloaded while waiting
		}
		inst.coord.Stop()
		h.mu.Lock()
		inst.state = StateSetupError
		inst.err = err.Error()
		h.mu.Unlock()
		h.logger.Error("entry setup failed", "entry_id", id, "err", err)
		h.events.Emit(coordinator.Event{
			Type: coordinator.EventEntryFailed,
			Data: coordinator.EntryStatus{EntryID: id, Title: inst.entry.Title, Error: err.Error()},
		})
		return
	}

	entities := entity.Build(inst.coord, h.units)
	climate := entities[0].(*entity.Climate)

	h.mu.Lock()
	inst.state = StateLoaded
	inst.entities = entities
	inst.climate = climate
	h.mu.Unlock()

	if info := inst.coord.DeviceInfo(); info != nil {
		h.saveDevice(id, *info)
	}
	h.logger.Info("entry ready", "entry_id", id, "device", inst.coord.DeviceName(), "entities", len(entities))
	h.events.Emit(coordinator.Event{
		Type: coordinator.EventEntryReady,
		Data: coordinator.EntryStatus{EntryID: id, Title: inst.entry.Title},
	})
}

func (h *Hub) onDeviceInfo(ev coordinator.Event) {
	change, ok := ev.Data.(coordinator.DeviceInfoChange)
	if !ok {
		return
	}
	h.saveDevice(change.EntryID, change.New)
}

func (h *Hub) saveDevice(entryID string, info coordinator.DeviceInfo) {
	dev := &store.Device{
		EntryID:      entryID,
		MAC:          info.MAC,
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		HWVersion:    info.HWVersion,
		SWVersion:    info.SWVersion,
		LastSeen:     time.Now().UTC(),
	}
	if err := h.store.SaveDevice(dev); err != nil {
		h.logger.Warn("save device record", "entry_id", entryID, "err", err)
	}
}

// Unload stops the entry's client and forgets it.
func (h *Hub) Unload(id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(h.instances, id)
	h.mu.Unlock()

	inst.cancel()
	<-inst.done
	inst.coord.Stop()

	h.logger.Info("entry unloaded", "entry_id", id)
	h.events.Emit(coordinator.Event{
		Type: coordinator.EventEntryUnloaded,
		Data: coordinator.EntryStatus{EntryID: id, Title: inst.entry.Title},
	})
	return nil
}

// Shutdown unloads every entry.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if err := h.Unload(id); err != nil && !errors.Is(err, ErrNotFound) {
			h.logger.Warn("unload entry", "entry_id", id, "err", err)
		}
	}
	h.unsub()
	h.cancel()
}

func (h *Hub) get(id string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return inst, nil
}

func (h *Hub) status(inst *instance) Status {
	return Status{
		Entry:     inst.entry,
		State:     inst.state,
		Error:     inst.err,
		Available: inst.coord.Available(),
		Entities:  len(inst.entities),
	}
}

// Entries lists loaded entries ordered by creation time.
func (h *Hub) Entries() []Status {
	h.mu.RLock()
	out := make([]Status, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, h.status(inst))
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int {
		if c := a.Entry.CreatedAt.Compare(b.Entry.CreatedAt); c != 0 {
			return c
		}
		if a.Entry.ID < b.Entry.ID {
			return -1
		}
		if a.Entry.ID > b.Entry.ID {
			return 1
		}
		return 0
	})
	return out
}

// Status returns the state of one entry.
func (h *Hub) Status(id string) (Status, error) {
	inst, err := h.get(id)
	if err != nil {
		return Status{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status(inst), nil
}

// Coordinator returns the coordinator of a loaded entry.
func (h *Hub) Coordinator(id string) (*coordinator.Coordinator, error) {
	inst, err := h.get(id)
	if err != nil {
		return nil, err
	}
	return inst.coord, nil
}

func (h *Hub) ready(id string) (*instance, error) {
	inst, err := h.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if inst.state != StateLoaded {
		return nil, fmt.Errorf("%s is %s: %w", id, inst.state, ErrNotReady)
	}
	return inst, nil
}

// Entities returns the current state of every entity of a ready entry.
func (h *Hub) Entities(id string) ([]entity.State, error) {
	inst, err := h.ready(id)
	if err != nil {
		return nil, err
	}
	states := make([]entity.State, 0, len(inst.entities))
	for _, e := range inst.entities {
		states = append(states, e.State())
	}
	return states, nil
}

// EntityList returns the entities of a ready entry.
func (h *Hub) EntityList(id string) ([]entity.Entity, error) {
	inst, err := h.ready(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(inst.entities), nil
}

// Call validates and dispatches a service call to the entry's climate entity.
func (h *Hub) Call(ctx context.Context, id, service string, params map[string]any) error {
	inst, err := h.ready(id)
	if err != nil {
		return err
	}
	err = h.services.Call(ctx, inst.climate, service, params)

	ev := coordinator.ServiceCall{EntryID: id, Service: service, Params: params}
	if err != nil {
		ev.Error = err.Error()
		h.logger.Warn("service call failed", "entry_id", id, "service", service, "err", err)
	} else {
		h.logger.Debug("service called", "entry_id", id, "service", service)
	}
	h.events.Emit(coordinator.Event{Type: coordinator.EventServiceCalled, Data: ev})
	return err
}
