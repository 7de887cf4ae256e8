package entity

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"aprilaire-go-home/internal/aprilaire"
)

// Humidifier modes and actions.
const (
	ModeAuto     = "auto"
	ModeManual   = "manual"
	ModeVacation = "vacation"

	ActionHumidifying = "humidifying"
	ActionDrying      = "drying"
	ActionOff         = "off"
)

// Humidifier device classes.
const (
	DeviceClassHumidifier   = "humidifier"
	DeviceClassDehumidifier = "dehumidifier"
)

// humidityControl is shared by the humidifier and the dehumidifier. Both are
// switched off by writing a zero setpoint, so the last non-zero setpoint is
// remembered for turning back on.
type humidityControl struct {
	base
	deviceClass string
	setpointKey string
	statusKey   string
	actions     map[int]string
	write       func(ctx context.Context, client aprilaire.Backend, v int) error

	mu         sync.Mutex
	lastTarget int
}

func (h *humidityControl) DeviceClass() string { return h.deviceClass }

// TargetHumidity returns the active setpoint, or the last non-zero one while
// the unit is switched off.
func (h *humidityControl) TargetHumidity() (int, bool) {
	setpoint, ok := h.src.Data().Int(h.setpointKey)
	h.mu.Lock()
	defer h.mu.Unlock()
	if ok && setpoint != 0 {
		h.lastTarget = setpoint
	}
	return h.lastTarget, h.lastTarget != 0
}

// IsOn reports whether a non-zero setpoint is active.
func (h *humidityControl) IsOn() bool {
	setpoint, ok := h.src.Data().Int(h.setpointKey)
	return ok && setpoint != 0
}

// Action returns "" for an unknown status.
func (h *humidityControl) Action() string {
	status, ok := h.src.Data().Int(h.statusKey)
	if !ok {
		return ""
	}
	return h.actions[status]
}

func (h *humidityControl) SetHumidity(ctx context.Context, humidity int) error {
	if humidity != 0 && (humidity < MinHumidity || humidity > MaxHumidity) {
		return fmt.Errorf("humidity %d outside %d-%d: %w", humidity, MinHumidity, MaxHumidity, ErrInvalidValue)
	}
	return h.write(ctx, h.src.Client(), humidity)
}

// TurnOn restores the last known setpoint.
func (h *humidityControl) TurnOn(ctx context.Context) error {
	target, ok := h.TargetHumidity()
	if !ok {
		return fmt.Errorf("%s has no previous setpoint: %w", h.deviceClass, ErrInvalidValue)
	}
	return h.SetHumidity(ctx, target)
}

func (h *humidityControl) TurnOff(ctx context.Context) error {
	h.TargetHumidity() // remember the setpoint being switched off
	return h.SetHumidity(ctx, 0)
}

func (h *humidityControl) state(mode string, modes []string) State {
	data := h.src.Data()
	attrs := h.attributes(data)
	attrs["device_class"] = h.deviceClass
	attrs["action"] = orNil(h.Action())
	attrs["current_humidity"] = optional(data, aprilaire.AttrIndoorHumidityControllingSensorValue)
	if t, ok := h.TargetHumidity(); ok {
		attrs["humidity"] = t
	} else {
		attrs["humidity"] = nil
	}
	attrs["min_humidity"] = MinHumidity
	attrs["max_humidity"] = MaxHumidity
	attrs["mode"] = orNil(mode)
	attrs["available_modes"] = modes

	onOff := "off"
	if h.IsOn() {
		onOff = "on"
	}
	return h.base.state(h.Available(), onOff, attrs)
}

// Humidifier is created when the thermostat controls a humidifier.
type Humidifier struct {
	humidityControl
}

// NewHumidifier creates the humidifier entity.
func NewHumidifier(src Source) *Humidifier {
	return &Humidifier{humidityControl{
		base:        newBase(src, "Humidifier", PlatformHumidifier),
		deviceClass: DeviceClassHumidifier,
		setpointKey: aprilaire.AttrHumidificationSetpoint,
		statusKey:   aprilaire.AttrHumidificationStatus,
		actions:     map[int]string{0: ActionIdle, 1: ActionIdle, 2: ActionHumidifying, 3: ActionOff},
		write: func(ctx context.Context, client aprilaire.Backend, v int) error {
			return client.SetHumidificationSetpoint(ctx, v)
		},
	}}
}

// Mode is automatic or manual depending on how the humidifier is installed.
func (h *Humidifier) Mode() string {
	switch h.src.Data().IntOr(aprilaire.AttrHumidificationAvailable, 0) {
	case 1:
		return ModeAuto
	case 2:
		return ModeManual
	}
	return ""
}

func (h *Humidifier) AvailableModes() []string {
	if m := h.Mode(); m != "" {
		return []string{m}
	}
	return []string{}
}

// SetMode only accepts the installed mode and refreshes scheduling.
func (h *Humidifier) SetMode(ctx context.Context, mode string) error {
	if !slices.Contains(h.AvailableModes(), mode) {
		return fmt.Errorf("humidifier mode %q: %w", mode, ErrUnsupported)
	}
	return h.src.Client().ReadScheduling(ctx)
}

func (h *Humidifier) State() State {
	return h.state(h.Mode(), h.AvailableModes())
}

// Dehumidifier is created when the thermostat controls a dehumidifier.
type Dehumidifier struct {
	humidityControl
}

// NewDehumidifier creates the dehumidifier entity.
func NewDehumidifier(src Source) *Dehumidifier {
	return &Dehumidifier{humidityControl{
		base:        newBase(src, "Dehumidifier", PlatformHumidifier),
		deviceClass: DeviceClassDehumidifier,
		setpointKey: aprilaire.AttrDehumidificationSetpoint,
		statusKey:   aprilaire.AttrDehumidificationStatus,
		actions:     map[int]string{0: ActionIdle, 1: ActionIdle, 2: ActionDrying, 3: ActionDrying, 4: ActionOff},
		write: func(ctx context.Context, client aprilaire.Backend, v int) error {
			return client.SetDehumidificationSetpoint(ctx, v)
		},
	}}
}

// Mode is vacation while the thermostat is in mode 4, manual otherwise.
func (d *Dehumidifier) Mode() string {
	if d.src.Data().IntOr(aprilaire.AttrMode, 0) == 4 {
		return ModeVacation
	}
	return ModeManual
}

func (d *Dehumidifier) AvailableModes() []string {
	return []string{ModeManual}
}

func (d *Dehumidifier) SetMode(ctx context.Context, mode string) error {
	if !slices.Contains(d.AvailableModes(), mode) {
		return fmt.Errorf("dehumidifier mode %q: %w", mode, ErrUnsupported)
	}
	return d.src.Client().ReadScheduling(ctx)
}

func (d *Dehumidifier) State() State {
	return d.state(d.Mode(), d.AvailableModes())
}
