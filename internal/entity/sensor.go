package entity

import (
	"math"

	"aprilaire-go-home/internal/aprilaire"
)

// Sensor device classes.
const (
	DeviceClassTemperature = "temperature"
	DeviceClassHumidity    = "humidity"
)

type sensorKind int

const (
	kindTemperature sensorKind = iota
	kindHumidity
)

type controllingSensorSpec struct {
	name      string
	kind      sensorKind
	statusKey string
	valueKey  string
}

var controllingSensors = []controllingSensorSpec{
	{"Indoor Humidity Controlling Sensor", kindHumidity,
		aprilaire.AttrIndoorHumidityControllingSensorStatus, aprilaire.AttrIndoorHumidityControllingSensorValue},
	{"Outdoor Humidity Controlling Sensor", kindHumidity,
		aprilaire.AttrOutdoorHumidityControllingSensorStatus, aprilaire.AttrOutdoorHumidityControllingSensorValue},
	{"Indoor Temperature Controlling Sensor", kindTemperature,
		aprilaire.AttrIndoorTemperatureControllingSensorStatus, aprilaire.AttrIndoorTemperatureControllingSensorValue},
	{"Outdoor Temperature Controlling Sensor", kindTemperature,
		aprilaire.AttrOutdoorTemperatureControllingSensorStatus, aprilaire.AttrOutdoorTemperatureControllingSensorValue},
}

// Sensor is a measurement or status entity.
type Sensor struct {
	base
	units       Units
	deviceClass string
	spec        controllingSensorSpec
	status      *statusSensorSpec
}

func newControllingSensor(src Source, units Units, spec controllingSensorSpec) *Sensor {
	s := &Sensor{base: newBase(src, spec.name, PlatformSensor), units: units, spec: spec}
	if spec.kind == kindTemperature {
		s.deviceClass = DeviceClassTemperature
	} else {
		s.deviceClass = DeviceClassHumidity
	}
	return s
}

// DeviceClass is empty for status sensors.
func (s *Sensor) DeviceClass() string { return s.deviceClass }

// Unit returns the unit of measurement, empty for status sensors.
func (s *Sensor) Unit() string {
	switch {
	case s.status != nil:
		return ""
	case s.spec.kind == kindHumidity:
		return "%"
	default:
		return s.units.String()
	}
}

// Available additionally requires a healthy sensor status (0), or for status
// sensors the presence of the status value.
func (s *Sensor) Available() bool {
	if !s.base.Available() {
		return false
	}
	data := s.src.Data()
	if s.status != nil {
		return data.Has(s.status.key)
	}
	status, ok := data.Int(s.spec.statusKey)
	return ok && status == 0
}

// Value returns nil when unknown. Temperatures are converted to whole
// Fahrenheit degrees on Fahrenheit hosts.
func (s *Sensor) Value() any {
	data := s.src.Data()
	if s.status != nil {
		v, ok := data.Int(s.status.key)
		if !ok {
			return nil
		}
		if label, ok := s.status.labels[v]; ok {
			return label
		}
		return nil
	}
	if s.spec.kind == kindHumidity {
		return optional(data, s.spec.valueKey)
	}
	c, ok := data.Float(s.spec.valueKey)
	if !ok {
		return nil
	}
	if s.units == Fahrenheit {
		return math.Round(c*9/5 + 32)
	}
	return c
}

func (s *Sensor) State() State {
	data := s.src.Data()
	attrs := s.attributes(data)
	if s.status == nil {
		attrs["status"] = optional(data, s.spec.statusKey)
		attrs["raw_sensor_value"] = optional(data, s.spec.valueKey)
		attrs["device_class"] = s.deviceClass
		attrs["state_class"] = "measurement"
		attrs["unit_of_measurement"] = s.Unit()
	}
	return s.base.state(s.Available(), s.Value(), attrs)
}

type statusSensorSpec struct {
	name   string
	key    string
	labels map[int]string
}

var (
	dehumidificationStatus = statusSensorSpec{"Dehumidification Status", aprilaire.AttrDehumidificationStatus,
		map[int]string{0: "Idle", 1: "Idle", 2: "On", 3: "On", 4: "Off"}}
	humidificationStatus = statusSensorSpec{"Humidification Status", aprilaire.AttrHumidificationStatus,
		map[int]string{0: "Idle", 1: "Idle", 2: "On", 3: "Off"}}
	ventilationStatus = statusSensorSpec{"Ventilation Status", aprilaire.AttrVentilationStatus,
		map[int]string{0: "Idle", 1: "Idle", 2: "On", 3: "Idle", 4: "Idle", 5: "Idle", 6: "Off"}}
	airCleaningStatus = statusSensorSpec{"Air Cleaning Status", aprilaire.AttrAirCleaningStatus,
		map[int]string{0: "Idle", 1: "Idle", 2: "On", 3: "Off"}}
)

func newStatusSensor(src Source, spec statusSensorSpec) *Sensor {
	return &Sensor{base: newBase(src, spec.name, PlatformSensor), status: &spec}
}

// FanSensor is the binary sensor for the blower.
type FanSensor struct {
	base
}

// NewFanSensor creates the fan binary sensor.
func NewFanSensor(src Source) *FanSensor {
	return &FanSensor{base: newBase(src, "Fan", PlatformBinarySensor)}
}

func (f *FanSensor) Available() bool {
	return f.base.Available() && f.src.Data().Has(aprilaire.AttrFanStatus)
}

func (f *FanSensor) IsOn() bool {
	return f.src.Data().IntOr(aprilaire.AttrFanStatus, 0) == 1
}

func (f *FanSensor) State() State {
	state := "off"
	if f.IsOn() {
		state = "on"
	}
	attrs := f.attributes(f.src.Data())
	attrs["device_class"] = "running"
	return f.base.state(f.Available(), state, attrs)
}
