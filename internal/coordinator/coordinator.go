// Package coordinator mirrors the state of one thermostat. It owns the
// protocol backend for a config entry, merges every pushed value into a
// single data map and republishes the changes on the event bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"aprilaire-go-home/internal/aprilaire"
)

// DefaultReadyTimeout bounds each wait in WaitForReady.
const DefaultReadyTimeout = 30 * time.Second

const defaultDeviceName = "Aprilaire"

// ErrNotReady is returned by WaitForReady when the thermostat never reported its MAC address.
var ErrNotReady = errors.New("thermostat not ready")

var connectionKeys = []string{aprilaire.AttrConnected, aprilaire.AttrReconnecting, aprilaire.AttrStopped}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReadyTimeout overrides DefaultReadyTimeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.readyTimeout = d }
}

// Coordinator holds the data map for one config entry.
type Coordinator struct {
	entryID      string
	client       aprilaire.Backend
	events       *EventBus
	logger       *slog.Logger
	readyTimeout time.Duration

	mu      sync.RWMutex
	data    aprilaire.Data
	updated chan struct{} // closed and replaced on every merge
}

// New creates a coordinator for entryID and subscribes it to client's data pushes.
func New(entryID string, client aprilaire.Backend, events *EventBus, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		entryID:      entryID,
		client:       client,
		events:       events,
		logger:       logger.With("entry", entryID),
		readyTimeout: DefaultReadyTimeout,
		data:         aprilaire.Data{},
		updated:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	client.OnData(c.SetUpdatedData)
	return c
}

// EntryID returns the config entry this coordinator serves.
func (c *Coordinator) EntryID() string { return c.entryID }

// Client returns the protocol backend.
func (c *Coordinator) Client() aprilaire.Backend { return c.client }

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus { return c.events }

// Logger returns the entry-scoped logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }

// Start begins listening to the thermostat.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("start thermostat client: %w", err)
	}
	return nil
}

// Stop disconnects from the thermostat.
func (c *Coordinator) Stop() {
	c.client.Stop()
}

// Data returns a copy of the current data map.
func (c *Coordinator) Data() aprilaire.Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Clone()
}

// SetUpdatedData merges update into the data map and emits the resulting events.
func (c *Coordinator) SetUpdatedData(update aprilaire.Data) {
	c.mu.Lock()
	oldInfo := deviceInfo(c.data)
	var changed []string
	for k, v := range update {
		old, ok := c.data[k]
		if !ok || old != v {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		c.mu.Unlock()
		return
	}
	c.data = c.data.Merge(update)
	snapshot := c.data.Clone()
	close(c.updated)
	c.updated = make(chan struct{})
	c.mu.Unlock()

	slices.Sort(changed)
	c.logger.Debug("thermostat data updated", "changed", changed)
	c.events.Emit(Event{Type: EventStateUpdate, Data: StateUpdate{
		EntryID: c.entryID,
		Changed: changed,
		Data:    snapshot,
	}})

	if slices.ContainsFunc(changed, func(k string) bool { return slices.Contains(connectionKeys, k) }) {
		c.events.Emit(Event{Type: EventConnectionChanged, Data: ConnectionState{
			EntryID:      c.entryID,
			Connected:    snapshot.Bool(aprilaire.AttrConnected),
			Reconnecting: snapshot.Bool(aprilaire.AttrReconnecting),
			Stopped:      snapshot.Bool(aprilaire.AttrStopped),
			Available:    available(snapshot),
		}})
	}

	newInfo := deviceInfo(snapshot)
	if oldInfo != nil && newInfo != nil && *oldInfo != *newInfo {
		c.logger.Info("device info changed", "name", newInfo.Name, "model", newInfo.Model, "sw_version", newInfo.SWVersion)
		c.events.Emit(Event{Type: EventDeviceInfoChanged, Data: DeviceInfoChange{
			EntryID: c.entryID,
			Old:     *oldInfo,
			New:     *newInfo,
		}})
	}
}

// WaitForReady blocks until the thermostat has reported the values entities
// are built from. A missing MAC address is fatal; the other waits are best effort.
func (c *Coordinator) WaitForReady(ctx context.Context) error {
	if _, err := c.waitFor(ctx, aprilaire.DomainIdentification, 2, aprilaire.AttrMACAddress, c.client.ReadMACAddress); err != nil {
		c.logger.Error("missing MAC address, cannot create unique ID", "err", err)
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	optional := []struct {
		domain    aprilaire.FunctionalDomain
		attribute uint8
		key       string
		read      func(context.Context) error
	}{
		{aprilaire.DomainIdentification, 4, aprilaire.AttrName, c.client.ReadThermostatName},
		{aprilaire.DomainControl, 7, aprilaire.AttrThermostatModes, c.client.ReadIAQAvailable},
		{aprilaire.DomainSensors, 2, aprilaire.AttrIndoorTemperatureControllingSensorStatus, c.client.ReadSensors},
	}
	for _, w := range optional {
		if _, err := c.waitFor(ctx, w.domain, w.attribute, w.key, w.read); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("thermostat did not report in time", "key", w.key, "err", err)
		}
	}
	return nil
}

type waitResult struct {
	data aprilaire.Data
	err  error
}

// waitFor returns once key is in the data map or domain/attribute is reported.
// The read is issued after the waiter is registered so the response cannot be missed.
func (c *Coordinator) waitFor(ctx context.Context, domain aprilaire.FunctionalDomain, attribute uint8, key string, read func(context.Context) error) (aprilaire.Data, error) {
	if c.Data().Has(key) {
		return c.Data(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()

	resp := make(chan waitResult, 1)
	go func() {
		d, err := c.client.WaitForResponse(ctx, domain, attribute)
		resp <- waitResult{d, err}
	}()
	if err := read(ctx); err != nil {
		c.logger.Debug("request during wait", "domain", domain, "attribute", attribute, "err", err)
	}

	for {
		c.mu.RLock()
		has := c.data.Has(key)
		updated := c.updated
		c.mu.RUnlock()
		if has {
			return c.Data(), nil
		}

		select {
		case <-updated:
		case r := <-resp:
			if r.err != nil {
				return nil, r.err
			}
			if !r.data.Has(key) {
				return nil, fmt.Errorf("%s/%d response without %s", domain, attribute, key)
			}
			return r.data, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", key, ctx.Err())
		}
	}
}

// Available reports whether entities backed by this coordinator can be used.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return available(c.data)
}

func available(data aprilaire.Data) bool {
	if data.Bool(aprilaire.AttrStopped) {
		return false
	}
	if !data.Bool(aprilaire.AttrConnected) && !data.Bool(aprilaire.AttrReconnecting) {
		return false
	}
	return data.Has(aprilaire.AttrMACAddress)
}

// DeviceName returns the thermostat's configured name or "Aprilaire".
func (c *Coordinator) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deviceName(c.data)
}

func deviceName(data aprilaire.Data) string {
	if name, ok := data.Text(aprilaire.AttrName); ok && name != "" {
		return name
	}
	return defaultDeviceName
}

// DeviceInfo describes the physical thermostat. Fields are empty when not yet reported.
type DeviceInfo struct {
	MAC          string `json:"mac"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
	HWVersion    string `json:"hw_version,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
}

// Identifiers returns the device registry identifiers.
func (d DeviceInfo) Identifiers() []string {
	return []string{"aprilaire_" + d.MAC}
}

// DeviceInfo returns nil until the MAC address is known.
func (c *Coordinator) DeviceInfo() *DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deviceInfo(c.data)
}

func deviceInfo(data aprilaire.Data) *DeviceInfo {
	mac, ok := data.Text(aprilaire.AttrMACAddress)
	if !ok {
		return nil
	}
	info := &DeviceInfo{
		MAC:          mac,
		Name:         deviceName(data),
		Manufacturer: "Aprilaire",
	}

	if model, ok := data.Int(aprilaire.AttrModelNumber); ok {
		if name, known := aprilaire.Models[model]; known {
			info.Model = name
		} else {
			info.Model = fmt.Sprintf("Unknown (%d)", model)
		}
	}

	if rev, ok := data.Int(aprilaire.AttrHardwareRevision); ok {
		if rev > 'A' {
			info.HWVersion = "Rev. " + string(rune(rev))
		} else {
			info.HWVersion = strconv.Itoa(rev)
		}
	}

	if major, ok := data.Int(aprilaire.AttrFirmwareMajorRevision); ok {
		if minor, ok := data.Int(aprilaire.AttrFirmwareMinorRevision); ok {
			info.SWVersion = fmt.Sprintf("%d.%02d", major, minor)
		} else {
			info.SWVersion = strconv.Itoa(major)
		}
	}
	return info
}
