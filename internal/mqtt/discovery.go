//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"slices"
	"strings"

	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/entity"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/aprilaire_1_2_3_4_5_6/thermostat/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	HWVersion    string   `json:"hw_version,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haAvailability struct {
	Topic         string `json:"topic"`
	ValueTemplate string `json:"value_template,omitempty"`
}

// haDiscovery covers the sensor, binary_sensor, climate and humidifier schemas.
type haDiscovery struct {
	Name             string           `json:"name"`
	UniqueID         string           `json:"unique_id"`
	ObjectID         string           `json:"object_id,omitempty"`
	Availability     []haAvailability `json:"availability"`
	AvailabilityMode string           `json:"availability_mode,omitempty"`
	Device           haDevice         `json:"device"`

	StateTopic        string `json:"state_topic,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	CommandTopic      string `json:"command_topic,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	PayloadOn         string `json:"payload_on,omitempty"`
	PayloadOff        string `json:"payload_off,omitempty"`
	StateValueTmpl    string `json:"state_value_template,omitempty"`
	JSONAttrTopic     string `json:"json_attributes_topic,omitempty"`
	JSONAttrTemplate  string `json:"json_attributes_template,omitempty"`

	// climate
	ModeStateTopic          string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate       string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic        string   `json:"mode_command_topic,omitempty"`
	Modes                   []string `json:"modes,omitempty"`
	TemperatureStateTopic   string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTmpl    string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic string   `json:"temperature_command_topic,omitempty"`
	TempLowStateTopic       string   `json:"temperature_low_state_topic,omitempty"`
	TempLowStateTmpl        string   `json:"temperature_low_state_template,omitempty"`
	TempLowCommandTopic     string   `json:"temperature_low_command_topic,omitempty"`
	TempHighStateTopic      string   `json:"temperature_high_state_topic,omitempty"`
	TempHighStateTmpl       string   `json:"temperature_high_state_template,omitempty"`
	TempHighCommandTopic    string   `json:"temperature_high_command_topic,omitempty"`
	CurrentTempTopic        string   `json:"current_temperature_topic,omitempty"`
	CurrentTempTmpl         string   `json:"current_temperature_template,omitempty"`
	ActionTopic             string   `json:"action_topic,omitempty"`
	ActionTemplate          string   `json:"action_template,omitempty"`
	FanModeStateTopic       string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTmpl        string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic     string   `json:"fan_mode_command_topic,omitempty"`
	FanModes                []string `json:"fan_modes,omitempty"`
	PresetModeStateTopic    string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTmpl     string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic  string   `json:"preset_mode_command_topic,omitempty"`
	PresetModes             []string `json:"preset_modes,omitempty"`
	TemperatureUnit         string   `json:"temperature_unit,omitempty"`
	Precision               float64  `json:"precision,omitempty"`
	TempStep                float64  `json:"temp_step,omitempty"`

	// climate and humidifier
	CurrentHumidityTopic     string  `json:"current_humidity_topic,omitempty"`
	CurrentHumidityTmpl      string  `json:"current_humidity_template,omitempty"`
	TargetHumidityStateTopic string  `json:"target_humidity_state_topic,omitempty"`
	TargetHumidityStateTmpl  string  `json:"target_humidity_state_template,omitempty"`
	TargetHumidityCmdTopic   string  `json:"target_humidity_command_topic,omitempty"`
	MinHumidity              float64 `json:"min_humidity,omitempty"`
	MaxHumidity              float64 `json:"max_humidity,omitempty"`
}

// deviceIdentifier is the discovery node id for a thermostat.
func deviceIdentifier(info coordinator.DeviceInfo) string {
	return entity.Slugify(info.Identifiers()[0])
}

func stateTopic(prefix, entryID, key string) string {
	return prefix + "/" + entryID + "/" + key
}

func commandTopic(prefix, entryID, key, what string) string {
	return stateTopic(prefix, entryID, key) + "/set/" + what
}

func availabilityTopic(prefix, entryID string) string {
	return prefix + "/" + entryID + "/availability"
}

func bridgeStateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

func discoveryTopic(platform, nodeID, key string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", platform, nodeID, key)
}

func attr(name string) string {
	return "{{ value_json.attributes." + name + " }}"
}

// buildDiscovery generates HA discovery messages for the entities of one entry.
func buildDiscovery(prefix, entryID string, info coordinator.DeviceInfo, entities []entity.Entity) []discoveryMsg {
	nodeID := deviceIdentifier(info)
	haDev := haDevice{
		Identifiers:  info.Identifiers(),
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Name:         info.Name,
		HWVersion:    info.HWVersion,
		SWVersion:    info.SWVersion,
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		st := stateTopic(prefix, entryID, e.Key())
		d := haDiscovery{
			Name:     e.Name(),
			UniqueID: e.UniqueID(),
			Availability: []haAvailability{
				{Topic: bridgeStateTopic(prefix)},
				{Topic: availabilityTopic(prefix, entryID)},
				{Topic: st, ValueTemplate: "{{ 'online' if value_json.available else 'offline' }}"},
			},
			AvailabilityMode: "all",
			Device:           haDev,
			JSONAttrTopic:    st,
			JSONAttrTemplate: "{{ value_json.attributes | tojson }}",
		}

		switch v := e.(type) {
		case *entity.Climate:
			climateDiscovery(&d, prefix, entryID, st, v)
		case *entity.Humidifier:
			humidifierDiscovery(&d, prefix, entryID, st, v.Key(), v.DeviceClass(), v.AvailableModes())
		case *entity.Dehumidifier:
			humidifierDiscovery(&d, prefix, entryID, st, v.Key(), v.DeviceClass(), v.AvailableModes())
		case *entity.Sensor:
			d.StateTopic = st
			d.ValueTemplate = "{{ value_json.state }}"
			d.UnitOfMeasurement = v.Unit()
			d.DeviceClass = v.DeviceClass()
			if d.DeviceClass != "" {
				d.StateClass = "measurement"
			}
		case *entity.FanSensor:
			d.StateTopic = st
			d.ValueTemplate = "{{ value_json.state }}"
			d.PayloadOn = "on"
			d.PayloadOff = "off"
			d.DeviceClass = "running"
		default:
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(e.Platform(), nodeID, e.Key()),
			Payload: mustJSON(d),
		})
	}
	return msgs
}

func climateDiscovery(d *haDiscovery, prefix, entryID, st string, c *entity.Climate) {
	key := c.Key()
	features := c.SupportedFeatures()

	d.ModeStateTopic = st
	d.ModeStateTemplate = "{{ value_json.state if value_json.state else 'off' }}"
	d.ModeCommandTopic = commandTopic(prefix, entryID, key, "mode")
	d.Modes = c.HVACModes()

	d.TemperatureStateTopic = st
	d.TemperatureStateTmpl = attr("temperature")
	d.TemperatureCommandTopic = commandTopic(prefix, entryID, key, "temperature")
	d.TempLowStateTopic = st
	d.TempLowStateTmpl = attr("target_temp_low")
	d.TempLowCommandTopic = commandTopic(prefix, entryID, key, "temperature_low")
	d.TempHighStateTopic = st
	d.TempHighStateTmpl = attr("target_temp_high")
	d.TempHighCommandTopic = commandTopic(prefix, entryID, key, "temperature_high")

	d.CurrentTempTopic = st
	d.CurrentTempTmpl = attr("current_temperature")
	d.CurrentHumidityTopic = st
	d.CurrentHumidityTmpl = attr("current_humidity")
	d.ActionTopic = st
	d.ActionTemplate = attr("hvac_action")

	d.FanModeStateTopic = st
	d.FanModeStateTmpl = attr("fan_mode")
	d.FanModeCommandTopic = commandTopic(prefix, entryID, key, "fan_mode")
	d.FanModes = entity.FanModes

	d.PresetModeStateTopic = st
	d.PresetModeValueTmpl = attr("preset_mode")
	d.PresetModeCommandTopic = commandTopic(prefix, entryID, key, "preset_mode")
	// "none" is implicit in the MQTT climate schema.
	d.PresetModes = slices.DeleteFunc(c.PresetModes(), func(p string) bool { return p == entity.PresetNone })

	if features&entity.FeatureTargetHumidity != 0 {
		d.TargetHumidityStateTopic = st
		d.TargetHumidityStateTmpl = attr("target_humidity")
		d.TargetHumidityCmdTopic = commandTopic(prefix, entryID, key, "humidity")
		d.MinHumidity = entity.MinHumidity
		d.MaxHumidity = entity.MaxHumidity
	}

	d.TemperatureUnit = "C"
	d.Precision = c.Precision()
	d.TempStep = c.Precision()
}

func humidifierDiscovery(d *haDiscovery, prefix, entryID, st, key, deviceClass string, modes []string) {
	d.StateTopic = st
	d.StateValueTmpl = "{{ value_json.state }}"
	d.CommandTopic = commandTopic(prefix, entryID, key, "state")
	d.PayloadOn = "on"
	d.PayloadOff = "off"
	d.DeviceClass = deviceClass
	d.TargetHumidityStateTopic = st
	d.TargetHumidityStateTmpl = attr("humidity")
	d.TargetHumidityCmdTopic = commandTopic(prefix, entryID, key, "humidity")
	d.CurrentHumidityTopic = st
	d.CurrentHumidityTmpl = attr("current_humidity")
	d.ActionTopic = st
	d.ActionTemplate = attr("action")
	d.MinHumidity = entity.MinHumidity
	d.MaxHumidity = entity.MaxHumidity
	if len(modes) > 0 {
		d.Modes = modes
		d.ModeStateTopic = st
		d.ModeStateTemplate = attr("mode")
		d.ModeCommandTopic = commandTopic(prefix, entryID, key, "mode")
	}
}

// buildRemoveDiscovery generates empty retained messages that remove
// previously published discovery topics.
func buildRemoveDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, t := range topics {
		msgs = append(msgs, discoveryMsg{Topic: t, Payload: nil})
	}
	return msgs
}

// commandRoute is a parsed command topic.
type commandRoute struct {
	EntryID string
	Key     string // entity key, or "service"
	What    string // command, or service name
}

// parseCommandTopic accepts "<prefix>/<entry>/<key>/set/<what>" and
// "<prefix>/<entry>/service/<name>".
func parseCommandTopic(prefix, topic string) (commandRoute, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return commandRoute{}, false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[1] == "service" && parts[0] != "" && parts[2] != "":
		return commandRoute{EntryID: parts[0], Key: "service", What: parts[2]}, true
	case len(parts) == 4 && parts[2] == "set" && parts[0] != "" && parts[1] != "" && parts[3] != "":
		return commandRoute{EntryID: parts[0], Key: parts[1], What: parts[3]}, true
	}
	return commandRoute{}, false
}
