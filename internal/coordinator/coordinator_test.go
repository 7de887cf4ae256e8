package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/aprilaire/aprilairetest"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *aprilairetest.Backend, *EventBus) {
	t.Helper()
	backend := aprilairetest.New()
	events := NewEventBus(newTestLogger())
	c := New("entry1", backend, events, newTestLogger(), WithReadyTimeout(50*time.Millisecond))
	return c, backend, events
}

func TestSetUpdatedDataMergesAndEmits(t *testing.T) {
	c, backend, events := newTestCoordinator(t)

	var updates []StateUpdate
	events.On(EventStateUpdate, func(e Event) {
		updates = append(updates, e.Data.(StateUpdate))
	})

	backend.Push(aprilaire.Data{aprilaire.AttrMode: 5, aprilaire.AttrFanMode: 2})
	backend.Push(aprilaire.Data{aprilaire.AttrMode: 3})
	backend.Push(aprilaire.Data{aprilaire.AttrMode: 3})

	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2 (unchanged values are not re-emitted)", len(updates))
	}
	if got := updates[0].Changed; len(got) != 2 || got[0] != aprilaire.AttrFanMode || got[1] != aprilaire.AttrMode {
		t.Errorf("first changed = %v", got)
	}
	if got := updates[1].Changed; len(got) != 1 || got[0] != aprilaire.AttrMode {
		t.Errorf("second changed = %v", got)
	}
	if updates[1].EntryID != "entry1" {
		t.Errorf("entry id = %q", updates[1].EntryID)
	}

	data := c.Data()
	if mode, _ := data.Int(aprilaire.AttrMode); mode != 3 {
		t.Errorf("mode = %d, want 3", mode)
	}
	if fan, _ := data.Int(aprilaire.AttrFanMode); fan != 2 {
		t.Errorf("fan_mode = %d, want 2 (kept from earlier update)", fan)
	}
}

func TestConnectionChangedEvent(t *testing.T) {
	_, backend, events := newTestCoordinator(t)

	var states []ConnectionState
	events.On(EventConnectionChanged, func(e Event) {
		states = append(states, e.Data.(ConnectionState))
	})

	backend.Push(aprilaire.Data{aprilaire.AttrMode: 1})
	backend.Push(aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})
	backend.Push(aprilaire.Data{aprilaire.AttrConnected: true, aprilaire.AttrReconnecting: false, aprilaire.AttrStopped: false})

	if len(states) != 1 {
		t.Fatalf("got %d connection events, want 1", len(states))
	}
	if !states[0].Connected || !states[0].Available {
		t.Errorf("state = %+v", states[0])
	}
}

func TestDeviceInfoChangedEvent(t *testing.T) {
	_, backend, events := newTestCoordinator(t)

	var changes []DeviceInfoChange
	events.On(EventDeviceInfoChanged, func(e Event) {
		changes = append(changes, e.Data.(DeviceInfoChange))
	})

	// No event while the old info is nil.
	backend.Push(aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})
	if len(changes) != 0 {
		t.Fatalf("unexpected event on first MAC report: %+v", changes)
	}

	backend.Push(aprilaire.Data{aprilaire.AttrName: "Upstairs"})
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].Old.Name != "Aprilaire" || changes[0].New.Name != "Upstairs" {
		t.Errorf("change = %+v", changes[0])
	}

	backend.Push(aprilaire.Data{aprilaire.AttrMode: 2})
	if len(changes) != 1 {
		t.Errorf("non-device update emitted a device info change")
	}
}

func TestDeviceInfo(t *testing.T) {
	tests := []struct {
		name string
		data aprilaire.Data
		want *DeviceInfo
	}{
		{"no mac", aprilaire.Data{aprilaire.AttrName: "x"}, nil},
		{
			"minimal",
			aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"},
			&DeviceInfo{MAC: "1:2:3:4:5:6", Name: "Aprilaire", Manufacturer: "Aprilaire"},
		},
		{
			"full",
			aprilaire.Data{
				aprilaire.AttrMACAddress:            "1:2:3:4:5:6",
				aprilaire.AttrName:                  "Den",
				aprilaire.AttrModelNumber:           1,
				aprilaire.AttrHardwareRevision:      int('B'),
				aprilaire.AttrFirmwareMajorRevision: 1,
				aprilaire.AttrFirmwareMinorRevision: 5,
			},
			&DeviceInfo{MAC: "1:2:3:4:5:6", Name: "Den", Manufacturer: "Aprilaire", Model: "8810", HWVersion: "Rev. B", SWVersion: "1.05"},
		},
		{
			"unknown model and numeric revision",
			aprilaire.Data{
				aprilaire.AttrMACAddress:            "1:2:3:4:5:6",
				aprilaire.AttrModelNumber:           9,
				aprilaire.AttrHardwareRevision:      2,
				aprilaire.AttrFirmwareMajorRevision: 7,
			},
			&DeviceInfo{MAC: "1:2:3:4:5:6", Name: "Aprilaire", Manufacturer: "Aprilaire", Model: "Unknown (9)", HWVersion: "2", SWVersion: "7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceInfo(tt.data)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("deviceInfo = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("deviceInfo = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	tests := []struct {
		name string
		data aprilaire.Data
		want bool
	}{
		{"empty", aprilaire.Data{}, false},
		{"connected without mac", aprilaire.Data{aprilaire.AttrConnected: true}, false},
		{"connected", aprilaire.Data{aprilaire.AttrConnected: true, aprilaire.AttrMACAddress: "1:2"}, true},
		{"reconnecting", aprilaire.Data{aprilaire.AttrReconnecting: true, aprilaire.AttrMACAddress: "1:2"}, true},
		{"stopped", aprilaire.Data{aprilaire.AttrConnected: true, aprilaire.AttrStopped: true, aprilaire.AttrMACAddress: "1:2"}, false},
		{"disconnected", aprilaire.Data{aprilaire.AttrMACAddress: "1:2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := available(tt.data); got != tt.want {
				t.Errorf("available = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitForReadyFromPushedData(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	backend.OnCall = func(call aprilairetest.Call) {
		switch call.Name {
		case "ReadMACAddress":
			go backend.Push(aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})
		case "ReadThermostatName":
			go backend.Push(aprilaire.Data{aprilaire.AttrName: "Den"})
		case "ReadIAQAvailable":
			go backend.Push(aprilaire.Data{aprilaire.AttrThermostatModes: 6})
		case "ReadSensors":
			go backend.Push(aprilaire.Data{aprilaire.AttrIndoorTemperatureControllingSensorStatus: 0})
		}
	}
	c.readyTimeout = 2 * time.Second

	if err := c.WaitForReady(context.Background()); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
	if c.DeviceName() != "Den" {
		t.Errorf("DeviceName = %q", c.DeviceName())
	}
}

func TestWaitForReadySkipsKnownValues(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	backend.Push(aprilaire.Data{
		aprilaire.AttrMACAddress:      "1:2:3:4:5:6",
		aprilaire.AttrName:            "Den",
		aprilaire.AttrThermostatModes: 6,
		aprilaire.AttrIndoorTemperatureControllingSensorStatus: 0,
	})
	if err := c.WaitForReady(context.Background()); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
	if calls := backend.Names(); len(calls) != 0 {
		t.Errorf("no requests expected, got %v", calls)
	}
}

func TestWaitForReadyWithoutMAC(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.WaitForReady(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestWaitForReadyToleratesMissingOptionalData(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	backend.Respond(aprilaire.DomainIdentification, 2, aprilaire.Data{aprilaire.AttrMACAddress: "1:2:3:4:5:6"})

	start := time.Now()
	if err := c.WaitForReady(context.Background()); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitForReady took %v", elapsed)
	}
}

func TestWaitForReadyResponseWithoutMAC(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	backend.Respond(aprilaire.DomainIdentification, 2, aprilaire.Data{aprilaire.AttrName: "x"})
	if err := c.WaitForReady(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestStartStopDelegate(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !backend.Started() {
		t.Error("backend not started")
	}
	c.Stop()
	if backend.Started() {
		t.Error("backend not stopped")
	}
}

// --- EventBus tests ---

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventEntryReady, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventEntryReady, Data: "test"})

	if received.Type != EventEntryReady {
		t.Errorf("type = %q, want %q", received.Type, EventEntryReady)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventEntryReady, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventEntryFailed, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventEntryReady})
	eb.Emit(Event{Type: EventEntryUnloaded})
	eb.Emit(Event{Type: EventStateUpdate})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventStateUpdate, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStateUpdate})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventStateUpdate})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventStateUpdate, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventStateUpdate, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventStateUpdate})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventStateUpdate})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}
