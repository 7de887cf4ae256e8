package entity

import (
	"context"
	"fmt"
	"maps"
	"math"

	"aprilaire-go-home/internal/aprilaire"
)

// Feature is the supported-features bitmask of the climate entity.
type Feature int

const (
	FeatureTargetTemperature      Feature = 1
	FeatureTargetTemperatureRange Feature = 2
	FeatureTargetHumidity         Feature = 4
	FeatureFanMode                Feature = 8
	FeaturePresetMode             Feature = 16

	FeatureTargetDehumidity Feature = 2 << 10
	FeatureFreshAir         Feature = 2 << 11
	FeatureAirCleaning      Feature = 2 << 12
)

// HVAC modes and actions.
const (
	HVACOff  = "off"
	HVACHeat = "heat"
	HVACCool = "cool"
	HVACAuto = "auto"

	ActionHeating = "heating"
	ActionCooling = "cooling"
	ActionIdle    = "idle"
)

// Fan modes.
const (
	FanOn        = "on"
	FanAuto      = "auto"
	FanCirculate = "Circulate"
)

// Presets.
const (
	PresetNone          = "none"
	PresetAway          = "away"
	PresetTemporaryHold = "Temporary"
	PresetPermanentHold = "Permanent"
	PresetVacation      = "Vacation"
)

// Event durations accepted by the air cleaning and fresh air commands.
const (
	Event3Hour  = "3hour"
	Event24Hour = "24hour"
)

const (
	MinHumidity = 10
	MaxHumidity = 50
)

type intMapping struct {
	value int
	name  string
}

// Ordered so reverse lookups resolve "heat" to 2 rather than emergency heat (4).
var hvacModeMap = []intMapping{
	{1, HVACOff},
	{2, HVACHeat},
	{3, HVACCool},
	{4, HVACHeat},
	{5, HVACAuto},
}

var hvacModesMap = map[int][]string{
	1: {HVACOff, HVACHeat},
	2: {HVACOff, HVACCool},
	3: {HVACOff, HVACHeat, HVACCool},
	4: {HVACOff, HVACHeat, HVACCool},
	5: {HVACOff, HVACHeat, HVACCool, HVACAuto},
	6: {HVACOff, HVACHeat, HVACCool, HVACAuto},
}

var presetModeMap = map[int]string{
	1: PresetTemporaryHold,
	2: PresetPermanentHold,
	3: PresetAway,
	4: PresetVacation,
}

var fanModeMap = []intMapping{
	{1, FanOn},
	{2, FanAuto},
	{3, FanCirculate},
}

// FanModes is the fixed list of fan modes offered to the user.
var FanModes = []string{FanAuto, FanOn, FanCirculate}

func lookupName(m []intMapping, v int) (string, bool) {
	for _, e := range m {
		if e.value == v {
			return e.name, true
		}
	}
	return "", false
}

func lookupValue(m []intMapping, name string) (int, bool) {
	for _, e := range m {
		if e.name == name {
			return e.value, true
		}
	}
	return 0, false
}

// Climate is the thermostat entity.
type Climate struct {
	base
	units Units
}

// NewClimate creates the climate entity.
func NewClimate(src Source, units Units) *Climate {
	return &Climate{base: newBase(src, "Thermostat", PlatformClimate), units: units}
}

// SupportedFeatures derives the feature mask from the reported availability flags.
func (c *Climate) SupportedFeatures() Feature {
	return supportedFeatures(c.src.Data())
}

func supportedFeatures(data aprilaire.Data) Feature {
	var f Feature
	if mode, ok := data.Int(aprilaire.AttrMode); ok && mode == 5 {
		f |= FeatureTargetTemperatureRange
	} else {
		f |= FeatureTargetTemperature
	}
	if data.IntOr(aprilaire.AttrHumidificationAvailable, 0) == 2 {
		f |= FeatureTargetHumidity
	}
	if data.IntOr(aprilaire.AttrDehumidificationAvailable, 0) == 1 {
		f |= FeatureTargetDehumidity
	}
	if data.IntOr(aprilaire.AttrAirCleaningAvailable, 0) == 1 {
		f |= FeatureAirCleaning
	}
	if data.IntOr(aprilaire.AttrVentilationAvailable, 0) == 1 {
		f |= FeatureFreshAir
	}
	return f | FeaturePresetMode | FeatureFanMode
}

// HVACMode returns "" when the mode is unknown.
func (c *Climate) HVACMode() string {
	return hvacMode(c.src.Data())
}

func hvacMode(data aprilaire.Data) string {
	mode, ok := data.Int(aprilaire.AttrMode)
	if !ok {
		return ""
	}
	name, _ := lookupName(hvacModeMap, mode)
	return name
}

// HVACModes lists the modes the installed equipment allows.
func (c *Climate) HVACModes() []string {
	modes, ok := hvacModesMap[c.src.Data().IntOr(aprilaire.AttrThermostatModes, 0)]
	if !ok {
		return []string{}
	}
	return modes
}

// HVACAction reports what the equipment is doing right now.
func (c *Climate) HVACAction() string {
	data := c.src.Data()
	if data.IntOr(aprilaire.AttrHeatingEquipmentStatus, 0) > 0 {
		return ActionHeating
	}
	if data.IntOr(aprilaire.AttrCoolingEquipmentStatus, 0) > 0 {
		return ActionCooling
	}
	return ActionIdle
}

// TargetTemperature is the cool setpoint in cool mode, the heat setpoint in
// heat mode, and unknown otherwise.
func (c *Climate) TargetTemperature() (float64, bool) {
	data := c.src.Data()
	switch hvacMode(data) {
	case HVACCool:
		return data.Float(aprilaire.AttrCoolSetpoint)
	case HVACHeat:
		return data.Float(aprilaire.AttrHeatSetpoint)
	}
	return 0, false
}

// PresetMode maps the hold state; no hold is PresetNone.
func (c *Climate) PresetMode() string {
	if p, ok := presetModeMap[c.src.Data().IntOr(aprilaire.AttrHold, 0)]; ok {
		return p
	}
	return PresetNone
}

// PresetModes always offers none and vacation, away when the thermostat
// supports it, and the currently active hold.
func (c *Climate) PresetModes() []string {
	data := c.src.Data()
	presets := []string{PresetNone, PresetVacation}
	if data.IntOr(aprilaire.AttrAwayAvailable, 0) == 1 {
		presets = append(presets, PresetAway)
	}
	switch data.IntOr(aprilaire.AttrHold, 0) {
	case 1:
		presets = append(presets, PresetTemporaryHold)
	case 2:
		presets = append(presets, PresetPermanentHold)
	}
	return presets
}

// FanMode returns "" when the fan mode is unknown.
func (c *Climate) FanMode() string {
	name, _ := lookupName(fanModeMap, c.src.Data().IntOr(aprilaire.AttrFanMode, 0))
	return name
}

// Precision is the display and step precision for the host unit.
func (c *Climate) Precision() float64 {
	if c.units == Celsius {
		return 0.5
	}
	return 1
}

func (c *Climate) extraAttributes(data aprilaire.Data) map[string]any {
	onOff := "off"
	if data.IntOr(aprilaire.AttrFanStatus, 0) == 1 {
		onOff = "on"
	}
	label := func(key string, m map[int]string) string {
		if v, ok := data.Int(key); ok {
			if s, ok := m[v]; ok {
				return s
			}
		}
		return "off"
	}
	return map[string]any{
		"fan_status":                onOff,
		"humidification_setpoint":   optional(data, aprilaire.AttrHumidificationSetpoint),
		"dehumidification_setpoint": optional(data, aprilaire.AttrDehumidificationSetpoint),
		"air_cleaning_mode":         label(aprilaire.AttrAirCleaningMode, map[int]string{1: "constant", 2: "automatic"}),
		"air_cleaning_event":        label(aprilaire.AttrAirCleaningEvent, map[int]string{3: Event3Hour, 4: Event24Hour}),
		"fresh_air_mode":            label(aprilaire.AttrFreshAirMode, map[int]string{1: "automatic"}),
		"fresh_air_event":           label(aprilaire.AttrFreshAirEvent, map[int]string{2: Event3Hour, 3: Event24Hour}),
	}
}

func orNil[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func (c *Climate) State() State {
	data := c.src.Data()
	attrs := c.attributes(data)
	maps.Copy(attrs, c.extraAttributes(data))

	var target any
	if t, ok := c.TargetTemperature(); ok {
		target = t
	}

	attrs["hvac_modes"] = c.HVACModes()
	attrs["hvac_action"] = c.HVACAction()
	attrs["current_temperature"] = optional(data, aprilaire.AttrIndoorTemperatureControllingSensorValue)
	attrs["current_humidity"] = optional(data, aprilaire.AttrIndoorHumidityControllingSensorValue)
	attrs["temperature"] = target
	attrs["target_temp_low"] = optional(data, aprilaire.AttrHeatSetpoint)
	attrs["target_temp_high"] = optional(data, aprilaire.AttrCoolSetpoint)
	attrs["target_humidity"] = optional(data, aprilaire.AttrHumidificationSetpoint)
	attrs["min_humidity"] = MinHumidity
	attrs["max_humidity"] = MaxHumidity
	attrs["fan_mode"] = orNil(c.FanMode())
	attrs["fan_modes"] = FanModes
	attrs["preset_mode"] = c.PresetMode()
	attrs["preset_modes"] = c.PresetModes()
	attrs["supported_features"] = int(supportedFeatures(data))
	attrs["temperature_unit"] = Celsius.String()
	attrs["precision"] = c.Precision()
	attrs["target_temp_step"] = c.Precision()

	return c.state(c.Available(), orNil(hvacMode(data)), attrs)
}

// TemperatureRequest carries the optional arguments of SetTemperature.
type TemperatureRequest struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	TargetTempLow  *float64 `json:"target_temp_low,omitempty"`
	TargetTempHigh *float64 `json:"target_temp_high,omitempty"`
}

// correctTemperature snaps a Celsius value to the nearest whole Fahrenheit
// degree when the host displays Fahrenheit.
func correctTemperature(units Units, t float64) float64 {
	if t == 0 || units != Fahrenheit {
		return t
	}
	return (math.Round(t*9/5+32+0.01) - 32) / 9 * 5
}

// SetTemperature writes the setpoints. A single temperature targets the cool
// setpoint in cool mode and the heat setpoint otherwise.
func (c *Climate) SetTemperature(ctx context.Context, req TemperatureRequest) error {
	var cool, heat float64
	if req.Temperature != nil && *req.Temperature != 0 {
		if c.src.Data().IntOr(aprilaire.AttrMode, 0) == 3 {
			cool = *req.Temperature
		} else {
			heat = *req.Temperature
		}
	} else {
		if req.TargetTempLow != nil {
			heat = *req.TargetTempLow
		}
		if req.TargetTempHigh != nil {
			cool = *req.TargetTempHigh
		}
	}
	if cool == 0 && heat == 0 {
		return nil
	}

	cool = correctTemperature(c.units, cool)
	heat = correctTemperature(c.units, heat)

	client := c.src.Client()
	if err := client.UpdateSetpoint(ctx, cool, heat); err != nil {
		return fmt.Errorf("update setpoint: %w", err)
	}
	return client.ReadControl(ctx)
}

func (c *Climate) SetHumidity(ctx context.Context, humidity int) error {
	return c.src.Client().SetHumidificationSetpoint(ctx, humidity)
}

func (c *Climate) SetFanMode(ctx context.Context, mode string) error {
	v, ok := lookupValue(fanModeMap, mode)
	if !ok {
		return fmt.Errorf("fan mode %q: %w", mode, ErrUnsupported)
	}
	client := c.src.Client()
	if err := client.UpdateFanMode(ctx, v); err != nil {
		return fmt.Errorf("update fan mode: %w", err)
	}
	return client.ReadControl(ctx)
}

func (c *Climate) SetHVACMode(ctx context.Context, mode string) error {
	v, ok := lookupValue(hvacModeMap, mode)
	if !ok {
		return fmt.Errorf("hvac mode %q: %w", mode, ErrUnsupported)
	}
	client := c.src.Client()
	if err := client.UpdateMode(ctx, v); err != nil {
		return fmt.Errorf("update mode: %w", err)
	}
	return client.ReadControl(ctx)
}

// SetPresetMode sets away, vacation or clears the hold. Temporary and
// permanent holds are entered by changing setpoints, not selected directly.
func (c *Climate) SetPresetMode(ctx context.Context, preset string) error {
	var hold int
	switch preset {
	case PresetAway:
		hold = 3
	case PresetVacation:
		hold = 4
	case PresetNone:
		hold = 0
	default:
		return fmt.Errorf("preset mode %q: %w", preset, ErrUnsupported)
	}
	client := c.src.Client()
	if err := client.SetHold(ctx, hold); err != nil {
		return fmt.Errorf("set hold: %w", err)
	}
	return client.ReadScheduling(ctx)
}

func (c *Climate) require(f Feature, what string) error {
	if c.SupportedFeatures()&f == 0 {
		return fmt.Errorf("%s: %w", what, ErrUnsupported)
	}
	return nil
}

func (c *Climate) SetDehumidity(ctx context.Context, dehumidity int) error {
	if err := c.require(FeatureTargetDehumidity, "dehumidification setpoint"); err != nil {
		return err
	}
	return c.src.Client().SetDehumidificationSetpoint(ctx, dehumidity)
}

func (c *Climate) TriggerAirCleaningEvent(ctx context.Context, event string) error {
	if err := c.require(FeatureAirCleaning, "air cleaning"); err != nil {
		return err
	}
	mode := c.src.Data().IntOr(aprilaire.AttrAirCleaningMode, 0)
	if mode == 0 {
		mode = 2
	}
	switch event {
	case Event3Hour:
		return c.src.Client().SetAirCleaning(ctx, mode, 3)
	case Event24Hour:
		return c.src.Client().SetAirCleaning(ctx, mode, 4)
	}
	return fmt.Errorf("air cleaning event %q: %w", event, ErrInvalidValue)
}

func (c *Climate) CancelAirCleaningEvent(ctx context.Context) error {
	if err := c.require(FeatureAirCleaning, "air cleaning"); err != nil {
		return err
	}
	mode := c.src.Data().IntOr(aprilaire.AttrAirCleaningMode, 0)
	return c.src.Client().SetAirCleaning(ctx, mode, 0)
}

func (c *Climate) TriggerFreshAirEvent(ctx context.Context, event string) error {
	if err := c.require(FeatureFreshAir, "fresh air ventilation"); err != nil {
		return err
	}
	mode := c.src.Data().IntOr(aprilaire.AttrFreshAirMode, 0)
	if mode == 0 {
		mode = 1
	}
	switch event {
	case Event3Hour:
		return c.src.Client().SetFreshAir(ctx, mode, 2)
	case Event24Hour:
		return c.src.Client().SetFreshAir(ctx, mode, 3)
	}
	return fmt.Errorf("fresh air event %q: %w", event, ErrInvalidValue)
}

func (c *Climate) CancelFreshAirEvent(ctx context.Context) error {
	if err := c.require(FeatureFreshAir, "fresh air ventilation"); err != nil {
		return err
	}
	mode := c.src.Data().IntOr(aprilaire.AttrFreshAirMode, 0)
	return c.src.Client().SetFreshAir(ctx, mode, 0)
}
