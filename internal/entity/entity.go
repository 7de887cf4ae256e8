// Package entity derives the climate, humidifier, sensor and binary sensor
// entities of a thermostat from its coordinator data. Entities hold no state
// of their own beyond what a command needs to remember; every read goes back
// to the coordinator.
package entity

import (
	"errors"
	"strings"
	"unicode"

	"aprilaire-go-home/internal/aprilaire"
)

// Platform names, as used by Home Assistant discovery.
const (
	PlatformClimate      = "climate"
	PlatformHumidifier   = "humidifier"
	PlatformSensor       = "sensor"
	PlatformBinarySensor = "binary_sensor"
)

var (
	// ErrUnsupported is returned for commands the thermostat does not support.
	ErrUnsupported = errors.New("unsupported by thermostat")
	// ErrInvalidValue is returned for command arguments outside the allowed set.
	ErrInvalidValue = errors.New("invalid value")
)

// Units is the temperature unit of the host that displays the entities.
type Units int

const (
	Celsius Units = iota
	Fahrenheit
)

// ParseUnits accepts "C", "F", "celsius" or "fahrenheit"; anything else is Celsius.
func ParseUnits(s string) Units {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f", "fahrenheit", "°f":
		return Fahrenheit
	default:
		return Celsius
	}
}

func (u Units) String() string {
	if u == Fahrenheit {
		return "°F"
	}
	return "°C"
}

// Source is the coordinator view entities are built on.
type Source interface {
	Data() aprilaire.Data
	Available() bool
	DeviceName() string
	Client() aprilaire.Backend
}

// State is the published snapshot of an entity.
type State struct {
	UniqueID   string         `json:"unique_id"`
	Name       string         `json:"name"`
	Platform   string         `json:"platform"`
	Key        string         `json:"key"`
	Available  bool           `json:"available"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Entity is implemented by every derived entity.
type Entity interface {
	UniqueID() string
	Name() string
	Platform() string
	Key() string
	Available() bool
	State() State
}

type base struct {
	src      Source
	name     string
	platform string
}

func newBase(src Source, name, platform string) base {
	return base{src: src, name: name, platform: platform}
}

// UniqueID is built from the MAC address so it survives renames and address changes.
func (b base) UniqueID() string {
	mac, _ := b.src.Data().Text(aprilaire.AttrMACAddress)
	return Slugify(strings.ReplaceAll(mac, ":", "_") + "_" + b.name)
}

func (b base) Name() string {
	return b.src.DeviceName() + " " + b.name
}

func (b base) Platform() string { return b.platform }

// Key is the entity name slug, unique within one thermostat.
func (b base) Key() string { return Slugify(b.name) }

func (b base) Available() bool {
	return b.src.Available()
}

func (b base) attributes(data aprilaire.Data) map[string]any {
	attrs := map[string]any{
		"device_name":     b.src.DeviceName(),
		"device_location": nil,
	}
	if loc, ok := data.Text(aprilaire.AttrLocation); ok {
		attrs["device_location"] = loc
	}
	return attrs
}

func (b base) state(available bool, value any, attrs map[string]any) State {
	return State{
		UniqueID:   b.UniqueID(),
		Name:       b.Name(),
		Platform:   b.platform,
		Key:        b.Key(),
		Available:  available,
		State:      value,
		Attributes: attrs,
	}
}

// Slugify lower-cases s and collapses every run of other characters into one underscore.
func Slugify(s string) string {
	var sb strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pending = false
			sb.WriteRune(r)
			continue
		}
		pending = true
	}
	return sb.String()
}

// optional returns the value of key or nil, so unknown values serialize as null.
func optional(data aprilaire.Data, key string) any {
	if !data.Has(key) {
		return nil
	}
	return data[key]
}

// Build returns the entities supported by the thermostat's current data.
func Build(src Source, units Units) []Entity {
	data := src.Data()
	entities := []Entity{NewClimate(src, units)}

	for _, s := range controllingSensors {
		if data.IntOr(s.statusKey, 3) != 3 {
			entities = append(entities, newControllingSensor(src, units, s))
		}
	}

	if data.IntOr(aprilaire.AttrDehumidificationAvailable, 0) == 1 {
		entities = append(entities, newStatusSensor(src, dehumidificationStatus))
	}
	if v := data.IntOr(aprilaire.AttrHumidificationAvailable, 0); v == 1 || v == 2 {
		entities = append(entities, newStatusSensor(src, humidificationStatus))
	}
	if data.IntOr(aprilaire.AttrVentilationAvailable, 0) == 1 {
		entities = append(entities, newStatusSensor(src, ventilationStatus))
	}
	if data.IntOr(aprilaire.AttrAirCleaningAvailable, 0) == 1 {
		entities = append(entities, newStatusSensor(src, airCleaningStatus))
	}

	if data.IntOr(aprilaire.AttrDehumidificationAvailable, 0) == 1 {
		entities = append(entities, NewDehumidifier(src))
	}
	if v := data.IntOr(aprilaire.AttrHumidificationAvailable, 0); v == 1 || v == 2 {
		entities = append(entities, NewHumidifier(src))
	}

	entities = append(entities, NewFanSensor(src))
	return entities
}
