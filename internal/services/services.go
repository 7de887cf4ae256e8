// Package services holds the declarative table of commands a thermostat entry
// accepts, validates call parameters against it and dispatches them to the
// climate entity.
package services

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"aprilaire-go-home/internal/entity"
)

//go:embed services.yaml
var defaultServices []byte

var (
	ErrUnknownService = errors.New("unknown service")
	ErrInvalidParams  = errors.New("invalid service parameters")
)

// NumberSelector bounds a numeric field. Integer fields are coerced to int.
type NumberSelector struct {
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Step    float64 `yaml:"step" json:"step"`
	Unit    string  `yaml:"unit,omitempty" json:"unit,omitempty"`
	Integer bool    `yaml:"integer,omitempty" json:"integer,omitempty"`
}

// SelectSelector restricts a field to fixed options.
type SelectSelector struct {
	Options []string `yaml:"options" json:"options"`
}

// Selector describes the value type of a field; exactly one kind is set.
type Selector struct {
	Number *NumberSelector `yaml:"number,omitempty" json:"number,omitempty"`
	Select *SelectSelector `yaml:"select,omitempty" json:"select,omitempty"`
	Text   *struct{}       `yaml:"text,omitempty" json:"text,omitempty"`
}

type Field struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required"`
	Example     any      `yaml:"example,omitempty" json:"example,omitempty"`
	Selector    Selector `yaml:"selector" json:"selector"`
}

// Service is one entry of the service table.
type Service struct {
	Domain      string           `yaml:"domain" json:"domain"`
	Service     string           `yaml:"service" json:"service"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Feature     string           `yaml:"feature,omitempty" json:"feature,omitempty"`
	Fields      map[string]Field `yaml:"fields,omitempty" json:"fields"`
}

type serviceFile struct {
	Services []Service `yaml:"services"`
}

var featureNames = map[string]entity.Feature{
	"target_temperature":       entity.FeatureTargetTemperature,
	"target_temperature_range": entity.FeatureTargetTemperatureRange,
	"target_humidity":          entity.FeatureTargetHumidity,
	"fan_mode":                 entity.FeatureFanMode,
	"preset_mode":              entity.FeaturePresetMode,
	"target_dehumidity":        entity.FeatureTargetDehumidity,
	"fresh_air":                entity.FeatureFreshAir,
	"air_cleaning":             entity.FeatureAirCleaning,
}

// Climate is the set of commands services dispatch to. *entity.Climate
// implements it.
type Climate interface {
	SupportedFeatures() entity.Feature
	SetTemperature(ctx context.Context, req entity.TemperatureRequest) error
	SetHVACMode(ctx context.Context, mode string) error
	SetFanMode(ctx context.Context, mode string) error
	SetPresetMode(ctx context.Context, preset string) error
	SetHumidity(ctx context.Context, humidity int) error
	SetDehumidity(ctx context.Context, dehumidity int) error
	TriggerAirCleaningEvent(ctx context.Context, event string) error
	CancelAirCleaningEvent(ctx context.Context) error
	TriggerFreshAirEvent(ctx context.Context, event string) error
	CancelFreshAirEvent(ctx context.Context) error
}

// Registry is the parsed service table. It is immutable after loading.
type Registry struct {
	services []Service
	byName   map[string]*Service
}

// Load parses a service table.
func Load(data []byte) (*Registry, error) {
	var f serviceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse services: %w", err)
	}
	r := &Registry{services: f.Services, byName: make(map[string]*Service, len(f.Services))}
	for i := range r.services {
		s := &r.services[i]
		if _, dup := r.byName[s.Service]; dup {
			return nil, fmt.Errorf("service %s defined twice", s.Service)
		}
		if _, ok := featureNames[s.Feature]; s.Feature != "" && !ok {
			return nil, fmt.Errorf("service %s: unknown feature %q", s.Service, s.Feature)
		}
		for key, field := range s.Fields {
			if n := field.Selector.kinds(); n != 1 {
				return nil, fmt.Errorf("service %s field %s: %d selector kinds, want 1", s.Service, key, n)
			}
		}
		r.byName[s.Service] = s
	}
	return r, nil
}

// Default returns the built-in service table.
func Default() *Registry {
	r, err := Load(defaultServices)
	if err != nil {
		panic(err)
	}
	return r
}

func (s Selector) kinds() int {
	n := 0
	if s.Number != nil {
		n++
	}
	if s.Select != nil {
		n++
	}
	if s.Text != nil {
		n++
	}
	return n
}

// Services returns the table in file order.
func (r *Registry) Services() []Service {
	return slices.Clone(r.services)
}

func (r *Registry) Get(name string) (Service, bool) {
	s, ok := r.byName[name]
	if !ok {
		return Service{}, false
	}
	return *s, true
}

// Validate checks params against the service schema and returns them coerced:
// number fields become float64 (int for integer fields), select and text
// fields become strings.
func (r *Registry) Validate(name string, params map[string]any) (map[string]any, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	out := make(map[string]any, len(params))
	for key, v := range params {
		field, ok := s.Fields[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s does not accept %q", ErrInvalidParams, name, key)
		}
		cv, err := field.Selector.coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidParams, name, key, err)
		}
		out[key] = cv
	}
	for key, field := range s.Fields {
		if _, ok := out[key]; field.Required && !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidParams, name, key)
		}
	}
	return out, nil
}

func (s Selector) coerce(v any) (any, error) {
	switch {
	case s.Number != nil:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v is not a finite number", f)
		}
		n := s.Number
		if f < n.Min || f > n.Max {
			return nil, fmt.Errorf("%v outside %v-%v", f, n.Min, n.Max)
		}
		if n.Integer {
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%v is not a whole number", f)
			}
			return int(f), nil
		}
		return f, nil
	case s.Select != nil:
		str, err := toString(v)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(s.Select.Options, str) {
			return nil, fmt.Errorf("%q is not one of %s", str, strings.Join(s.Select.Options, ", "))
		}
		return str, nil
	default:
		return toString(v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case float64, int, int64, json.Number:
		return fmt.Sprint(s), nil
	}
	return "", fmt.Errorf("expected a string, got %T", v)
}

// Call validates params, checks that the thermostat supports the service and
// invokes the matching command.
func (r *Registry) Call(ctx context.Context, c Climate, name string, params map[string]any) error {
	p, err := r.Validate(name, params)
	if err != nil {
		return err
	}
	s := r.byName[name]
	if s.Feature != "" && c.SupportedFeatures()&featureNames[s.Feature] == 0 {
		return fmt.Errorf("%s requires %s: %w", name, s.Feature, entity.ErrUnsupported)
	}

	switch name {
	case "set_temperature":
		return c.SetTemperature(ctx, entity.TemperatureRequest{
			Temperature:    floatParam(p, "temperature"),
			TargetTempLow:  floatParam(p, "target_temp_low"),
			TargetTempHigh: floatParam(p, "target_temp_high"),
		})
	case "set_hvac_mode":
		return c.SetHVACMode(ctx, p["hvac_mode"].(string))
	case "set_fan_mode":
		return c.SetFanMode(ctx, p["fan_mode"].(string))
	case "set_preset_mode":
		return c.SetPresetMode(ctx, p["preset_mode"].(string))
	case "set_humidity":
		return c.SetHumidity(ctx, p["humidity"].(int))
	case "set_dehumidity":
		return c.SetDehumidity(ctx, p["dehumidity"].(int))
	case "trigger_air_cleaning_event":
		return c.TriggerAirCleaningEvent(ctx, p["event"].(string))
	case "cancel_air_cleaning_event":
		return c.CancelAirCleaningEvent(ctx)
	case "trigger_fresh_air_event":
		return c.TriggerFreshAirEvent(ctx, p["event"].(string))
	case "cancel_fresh_air_event":
		return c.CancelFreshAirEvent(ctx)
	}
	return fmt.Errorf("%w: %s has no handler", ErrUnknownService, name)
}

func floatParam(p map[string]any, key string) *float64 {
	v, ok := p[key].(float64)
	if !ok {
		return nil
	}
	return &v
}
