// Package aprilairetest provides an in-memory aprilaire.Backend for tests.
package aprilairetest

import (
	"context"
	"slices"
	"sync"

	"aprilaire-go-home/internal/aprilaire"
)

// Call is one recorded backend command.
type Call struct {
	Name string
	Args []any
}

type responseKey struct {
	domain    aprilaire.FunctionalDomain
	attribute uint8
}

// Backend records every command and lets tests push data to subscribers.
// WaitForResponse answers from canned responses and otherwise blocks until
// the context ends.
type Backend struct {
	mu        sync.Mutex
	handlers  []func(aprilaire.Data)
	calls     []Call
	responses map[responseKey]aprilaire.Data
	started   bool

	// OnCall, when set, runs after each command is recorded.
	OnCall func(Call)
	// Err, when set, is returned by every command.
	Err error
}

var _ aprilaire.Backend = (*Backend)(nil)

// New returns an empty Backend.
func New() *Backend {
	return &Backend{responses: make(map[responseKey]aprilaire.Data)}
}

// Respond makes WaitForResponse for domain/attribute return d immediately.
func (b *Backend) Respond(domain aprilaire.FunctionalDomain, attribute uint8, d aprilaire.Data) {
	b.mu.Lock()
	b.responses[responseKey{domain, attribute}] = d
	b.mu.Unlock()
}

// Push delivers d to every OnData handler.
func (b *Backend) Push(d aprilaire.Data) {
	b.mu.Lock()
	hs := slices.Clone(b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(d)
	}
}

// Calls returns the recorded commands.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Names returns the names of the recorded commands in order.
func (b *Backend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.calls))
	for i, c := range b.calls {
		names[i] = c.Name
	}
	return names
}

// Last returns the most recent command, if any.
func (b *Backend) Last() (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return Call{}, false
	}
	return b.calls[len(b.calls)-1], true
}

// Reset forgets recorded commands.
func (b *Backend) Reset() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// Started reports whether Start was called without a later Stop.
func (b *Backend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Backend) record(name string, args ...any) error {
	call := Call{Name: name, Args: args}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	hook := b.OnCall
	err := b.Err
	b.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

func (b *Backend) Start(context.Context) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Stop() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
}

func (b *Backend) OnData(h func(aprilaire.Data)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *Backend) WaitForResponse(ctx context.Context, domain aprilaire.FunctionalDomain, attribute uint8) (aprilaire.Data, error) {
	b.mu.Lock()
	d, ok := b.responses[responseKey{domain, attribute}]
	b.mu.Unlock()
	if ok {
		return d.Clone(), nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *Backend) ReadSensors(context.Context) error { return b.record("ReadSensors") }
func (b *Backend) ReadControl(context.Context) error { return b.record("ReadControl") }
func (b *Backend) ReadScheduling(context.Context) error { return b.record("ReadScheduling") }
func (b *Backend) ReadMACAddress(context.Context) error { return b.record("ReadMACAddress") }
func (b *Backend) ReadThermostatName(context.Context) error { return b.record("ReadThermostatName") }
func (b *Backend) ReadThermostatStatus(context.Context) error { return b.record("ReadThermostatStatus") }
func (b *Backend) ReadIAQStatus(context.Context) error { return b.record("ReadIAQStatus") }
func (b *Backend) ReadIAQAvailable(context.Context) error { return b.record("ReadIAQAvailable") }
func (b *Backend) Sync(context.Context) error { return b.record("Sync") }

func (b *Backend) UpdateMode(_ context.Context, mode int) error {
	return b.record("UpdateMode", mode)
}

func (b *Backend) UpdateFanMode(_ context.Context, fanMode int) error {
	return b.record("UpdateFanMode", fanMode)
}

func (b *Backend) UpdateSetpoint(_ context.Context, cool, heat float64) error {
	return b.record("UpdateSetpoint", cool, heat)
}

func (b *Backend) SetHold(_ context.Context, hold int) error {
	return b.record("SetHold", hold)
}

func (b *Backend) SetDehumidificationSetpoint(_ context.Context, v int) error {
	return b.record("SetDehumidificationSetpoint", v)
}

func (b *Backend) SetHumidificationSetpoint(_ context.Context, v int) error {
	return b.record("SetHumidificationSetpoint", v)
}

func (b *Backend) SetFreshAir(_ context.Context, mode, event int) error {
	return b.record("SetFreshAir", mode, event)
}

func (b *Backend) SetAirCleaning(_ context.Context, mode, event int) error {
	return b.record("SetAirCleaning", mode, event)
}
