package aprilaire

import (
	"bytes"
	"strings"
)

// ValueType describes how a payload byte (or run of bytes) is decoded.
type ValueType int

const (
	valueSkip ValueType = iota
	ValueInteger
	ValueIntegerRequired
	ValueTemperature
	ValueTemperatureRequired
	ValueHumidity
	ValueMACAddress
	ValueText
)

type field struct {
	name string
	typ  ValueType
	size int // bytes consumed; 0 means 1
}

func (f field) width() int {
	if f.size > 0 {
		return f.size
	}
	return 1
}

func skip(n int) field                  { return field{typ: valueSkip, size: n} }
func integer(name string) field         { return field{name: name, typ: ValueInteger} }
func integerRequired(name string) field { return field{name: name, typ: ValueIntegerRequired} }
func temperature(name string) field     { return field{name: name, typ: ValueTemperature} }
func humidity(name string) field        { return field{name: name, typ: ValueHumidity} }
func text(name string, n int) field     { return field{name: name, typ: ValueText, size: n} }

func temperatureRequired(name string) field {
	return field{name: name, typ: ValueTemperatureRequired}
}

type attributeKey struct {
	domain    FunctionalDomain
	attribute uint8
}

// attributes is shared by read responses, COS frames and writes.
var attributes = map[attributeKey][]field{
	{DomainSetup, 1}: {
		skip(26),
		integer(AttrAwayAvailable),
		skip(17),
	},
	{DomainControl, 1}: {
		integerRequired(AttrMode),
		integerRequired(AttrFanMode),
		temperatureRequired(AttrHeatSetpoint),
		temperatureRequired(AttrCoolSetpoint),
	},
	{DomainControl, 3}: {
		integer(AttrDehumidificationSetpoint),
	},
	{DomainControl, 4}: {
		integer(AttrHumidificationSetpoint),
	},
	{DomainControl, 5}: {
		integer(AttrFreshAirMode),
		integer(AttrFreshAirEvent),
	},
	{DomainControl, 6}: {
		integer(AttrAirCleaningMode),
		integer(AttrAirCleaningEvent),
	},
	{DomainControl, 7}: {
		integer(AttrThermostatModes),
		integer(AttrAirCleaningAvailable),
		integer(AttrVentilationAvailable),
		integer(AttrDehumidificationAvailable),
		integer(AttrHumidificationAvailable),
	},
	{DomainScheduling, 4}: {
		integer(AttrHold),
		skip(9),
	},
	{DomainSensors, 1}: {
		integer(AttrBuiltInTemperatureSensorStatus),
		temperature(AttrBuiltInTemperatureSensorValue),
		integer(AttrWiredRemoteTemperatureSensorStatus),
		temperature(AttrWiredRemoteTemperatureSensorValue),
		integer(AttrWiredOutdoorTemperatureSensorStatus),
		temperature(AttrWiredOutdoorTemperatureSensorValue),
		integer(AttrBuiltInHumiditySensorStatus),
		humidity(AttrBuiltInHumiditySensorValue),
		integer(AttrRATSensorStatus),
		temperature(AttrRATSensorValue),
		integer(AttrLATSensorStatus),
		temperature(AttrLATSensorValue),
		integer(AttrWirelessOutdoorTemperatureSensorStatus),
		temperature(AttrWirelessOutdoorTemperatureSensorValue),
		integer(AttrWirelessOutdoorHumiditySensorStatus),
		humidity(AttrWirelessOutdoorHumiditySensorValue),
	},
	{DomainSensors, 2}: {
		integer(AttrIndoorTemperatureControllingSensorStatus),
		temperature(AttrIndoorTemperatureControllingSensorValue),
		integer(AttrOutdoorTemperatureControllingSensorStatus),
		temperature(AttrOutdoorTemperatureControllingSensorValue),
		integer(AttrIndoorHumidityControllingSensorStatus),
		humidity(AttrIndoorHumidityControllingSensorValue),
		integer(AttrOutdoorHumidityControllingSensorStatus),
		humidity(AttrOutdoorHumidityControllingSensorValue),
	},
	{DomainStatus, 2}: {
		integer(AttrSynced),
	},
	{DomainStatus, 6}: {
		integer(AttrHeatingEquipmentStatus),
		integer(AttrCoolingEquipmentStatus),
		integer(AttrProgressiveRecovery),
		integer(AttrFanStatus),
	},
	{DomainStatus, 7}: {
		integer(AttrDehumidificationStatus),
		integer(AttrHumidificationStatus),
		integer(AttrVentilationStatus),
		integer(AttrAirCleaningStatus),
	},
	{DomainStatus, 8}: {
		integer(AttrError),
	},
	{DomainIdentification, 1}: {
		integer(AttrHardwareRevision),
		integer(AttrFirmwareMajorRevision),
		integer(AttrFirmwareMinorRevision),
		integer(AttrProtocolMajorRevision),
		integer(AttrModelNumber),
		integer(AttrGainspanFirmwareMajorRevision),
		integer(AttrGainspanFirmwareMinorRevision),
	},
	{DomainIdentification, 2}: {
		{name: AttrMACAddress, typ: ValueMACAddress, size: 6},
	},
	{DomainIdentification, 4}: {
		text(AttrName, 15),
	},
	{DomainIdentification, 5}: {
		text(AttrLocation, 7),
	},
}

// Mapped reports whether frames for domain/attribute carry decodable values.
func Mapped(domain FunctionalDomain, attribute uint8) bool {
	_, ok := attributes[attributeKey{domain, attribute}]
	return ok
}

// DecodePayload converts a frame payload into named values. ok is false when
// the action carries no values or the domain/attribute pair is not in the table.
// Payloads shorter than the table decode as far as they go.
func DecodePayload(f *Frame) (data Data, ok bool) {
	switch f.Action {
	case ActionReadResponse, ActionCOS, ActionWrite:
	default:
		return nil, false
	}
	fields, ok := attributes[attributeKey{f.Domain, f.Attribute}]
	if !ok {
		return nil, false
	}

	data = Data{}
	pos := 0
	for _, fl := range fields {
		w := fl.width()
		if fl.typ == ValueText {
			w = min(w, len(f.Payload)-pos)
		}
		if w <= 0 || pos+w > len(f.Payload) {
			break
		}
		raw := f.Payload[pos : pos+w]
		pos += w

		switch fl.typ {
		case ValueInteger:
			data[fl.name] = int(raw[0])
		case ValueIntegerRequired:
			if raw[0] != 0 {
				data[fl.name] = int(raw[0])
			}
		case ValueTemperature:
			data[fl.name] = DecodeTemperature(raw[0])
		case ValueTemperatureRequired:
			if raw[0] != 0 {
				data[fl.name] = DecodeTemperature(raw[0])
			}
		case ValueHumidity:
			data[fl.name] = DecodeHumidity(raw[0])
		case ValueMACAddress:
			data[fl.name] = FormatMAC(raw)
		case ValueText:
			data[fl.name] = decodeText(raw)
		}
	}
	return data, true
}

func decodeText(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(string(raw))
}

// EncodeText pads or truncates s to n bytes for a text attribute.
func EncodeText(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}
