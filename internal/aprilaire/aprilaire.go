// Package aprilaire implements the Aprilaire thermostat home-automation protocol:
// frame codec, attribute table and a persistent TCP client.
package aprilaire

import (
	"context"
	"fmt"
)

// DefaultPort is the TCP port the thermostat listens on once automation is enabled.
const DefaultPort = 7000

// Action is the first byte of a frame payload.
type Action uint8

const (
	ActionNone         Action = 0
	ActionWrite        Action = 1
	ActionReadRequest  Action = 2
	ActionReadResponse Action = 3
	ActionCOS          Action = 5
	ActionNACK         Action = 6
)

func (a Action) String() string {
	switch a {
	case ActionWrite:
		return "write"
	case ActionReadRequest:
		return "read_request"
	case ActionReadResponse:
		return "read_response"
	case ActionCOS:
		return "cos"
	case ActionNACK:
		return "nack"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// FunctionalDomain groups attributes on the thermostat.
type FunctionalDomain uint8

const (
	DomainNone           FunctionalDomain = 0
	DomainSetup          FunctionalDomain = 1
	DomainControl        FunctionalDomain = 2
	DomainScheduling     FunctionalDomain = 3
	DomainAlerts         FunctionalDomain = 4
	DomainSensors        FunctionalDomain = 5
	DomainLockout        FunctionalDomain = 6
	DomainStatus         FunctionalDomain = 7
	DomainIdentification FunctionalDomain = 8
	DomainMessaging      FunctionalDomain = 9
	DomainDisplay        FunctionalDomain = 10
	DomainWeather        FunctionalDomain = 13
	DomainFirmwareUpdate FunctionalDomain = 14
	DomainDebugCommands  FunctionalDomain = 15
	DomainNACK           FunctionalDomain = 16
)

var domainNames = map[FunctionalDomain]string{
	DomainSetup:          "setup",
	DomainControl:        "control",
	DomainScheduling:     "scheduling",
	DomainAlerts:         "alerts",
	DomainSensors:        "sensors",
	DomainLockout:        "lockout",
	DomainStatus:         "status",
	DomainIdentification: "identification",
	DomainMessaging:      "messaging",
	DomainDisplay:        "display",
	DomainWeather:        "weather",
	DomainFirmwareUpdate: "firmware_update",
	DomainDebugCommands:  "debug_commands",
	DomainNACK:           "nack",
}

func (d FunctionalDomain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// Models maps the identification model number to a product name.
var Models = map[int]string{
	0: "8476W",
	1: "8810",
}

// Attribute names reported through Data.
const (
	AttrConnected    = "connected"
	AttrReconnecting = "reconnecting"
	AttrStopped      = "stopped"

	AttrAwayAvailable = "away_available"

	AttrMode                     = "mode"
	AttrFanMode                  = "fan_mode"
	AttrHeatSetpoint             = "heat_setpoint"
	AttrCoolSetpoint             = "cool_setpoint"
	AttrDehumidificationSetpoint = "dehumidification_setpoint"
	AttrHumidificationSetpoint   = "humidification_setpoint"
	AttrFreshAirMode             = "fresh_air_mode"
	AttrFreshAirEvent            = "fresh_air_event"
	AttrAirCleaningMode          = "air_cleaning_mode"
	AttrAirCleaningEvent         = "air_cleaning_event"

	AttrThermostatModes           = "thermostat_modes"
	AttrAirCleaningAvailable      = "air_cleaning_available"
	AttrVentilationAvailable      = "ventilation_available"
	AttrDehumidificationAvailable = "dehumidification_available"
	AttrHumidificationAvailable   = "humidification_available"

	AttrHold = "hold"

	AttrBuiltInTemperatureSensorStatus            = "built_in_temperature_sensor_status"
	AttrBuiltInTemperatureSensorValue             = "built_in_temperature_sensor_value"
	AttrWiredRemoteTemperatureSensorStatus        = "wired_remote_temperature_sensor_status"
	AttrWiredRemoteTemperatureSensorValue         = "wired_remote_temperature_sensor_value"
	AttrWiredOutdoorTemperatureSensorStatus       = "wired_outdoor_temperature_sensor_status"
	AttrWiredOutdoorTemperatureSensorValue        = "wired_outdoor_temperature_sensor_value"
	AttrBuiltInHumiditySensorStatus               = "built_in_humidity_sensor_status"
	AttrBuiltInHumiditySensorValue                = "built_in_humidity_sensor_value"
	AttrRATSensorStatus                           = "rat_sensor_status"
	AttrRATSensorValue                            = "rat_sensor_value"
	AttrLATSensorStatus                           = "lat_sensor_status"
	AttrLATSensorValue                            = "lat_sensor_value"
	AttrWirelessOutdoorTemperatureSensorStatus    = "wireless_outdoor_temperature_sensor_status"
	AttrWirelessOutdoorTemperatureSensorValue     = "wireless_outdoor_temperature_sensor_value"
	AttrWirelessOutdoorHumiditySensorStatus       = "wireless_outdoor_humidity_sensor_status"
	AttrWirelessOutdoorHumiditySensorValue        = "wireless_outdoor_humidity_sensor_value"
	AttrIndoorTemperatureControllingSensorStatus  = "indoor_temperature_controlling_sensor_status"
	AttrIndoorTemperatureControllingSensorValue   = "indoor_temperature_controlling_sensor_value"
	AttrOutdoorTemperatureControllingSensorStatus = "outdoor_temperature_controlling_sensor_status"
	AttrOutdoorTemperatureControllingSensorValue  = "outdoor_temperature_controlling_sensor_value"
	AttrIndoorHumidityControllingSensorStatus     = "indoor_humidity_controlling_sensor_status"
	AttrIndoorHumidityControllingSensorValue      = "indoor_humidity_controlling_sensor_value"
	AttrOutdoorHumidityControllingSensorStatus    = "outdoor_humidity_controlling_sensor_status"
	AttrOutdoorHumidityControllingSensorValue     = "outdoor_humidity_controlling_sensor_value"

	AttrSynced                 = "synced"
	AttrHeatingEquipmentStatus = "heating_equipment_status"
	AttrCoolingEquipmentStatus = "cooling_equipment_status"
	AttrProgressiveRecovery    = "progressive_recovery"
	AttrFanStatus              = "fan_status"
	AttrDehumidificationStatus = "dehumidification_status"
	AttrHumidificationStatus   = "humidification_status"
	AttrVentilationStatus      = "ventilation_status"
	AttrAirCleaningStatus      = "air_cleaning_status"
	AttrError                  = "error"

	AttrHardwareRevision              = "hardware_revision"
	AttrFirmwareMajorRevision         = "firmware_major_revision"
	AttrFirmwareMinorRevision         = "firmware_minor_revision"
	AttrProtocolMajorRevision         = "protocol_major_revision"
	AttrModelNumber                   = "model_number"
	AttrGainspanFirmwareMajorRevision = "gainspan_firmware_major_revision"
	AttrGainspanFirmwareMinorRevision = "gainspan_firmware_minor_revision"
	AttrMACAddress                    = "mac_address"
	AttrName                          = "name"
	AttrLocation                      = "location"
)

// Backend is the set of thermostat operations consumed by the coordinator and entities.
// *Client is the network implementation.
type Backend interface {
	Start(ctx context.Context) error
	Stop()
	OnData(handler func(Data))
	WaitForResponse(ctx context.Context, domain FunctionalDomain, attribute uint8) (Data, error)

	ReadSensors(ctx context.Context) error
	ReadControl(ctx context.Context) error
	ReadScheduling(ctx context.Context) error
	ReadMACAddress(ctx context.Context) error
	ReadThermostatName(ctx context.Context) error
	ReadThermostatStatus(ctx context.Context) error
	ReadIAQStatus(ctx context.Context) error
	ReadIAQAvailable(ctx context.Context) error

	UpdateMode(ctx context.Context, mode int) error
	UpdateFanMode(ctx context.Context, fanMode int) error
	UpdateSetpoint(ctx context.Context, coolSetpoint, heatSetpoint float64) error
	SetHold(ctx context.Context, hold int) error
	SetDehumidificationSetpoint(ctx context.Context, value int) error
	SetHumidificationSetpoint(ctx context.Context, value int) error
	SetFreshAir(ctx context.Context, mode, event int) error
	SetAirCleaning(ctx context.Context, mode, event int) error
	Sync(ctx context.Context) error
}
