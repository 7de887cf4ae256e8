// Package metrics exports thermostat readings and hub activity to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/hub"
)

// Source is the part of the entry hub the collector reads.
type Source interface {
	Events() *coordinator.EventBus
	Entries() []hub.Status
	Coordinator(id string) (*coordinator.Coordinator, error)
}

// Collector reads gauges from the coordinators at scrape time and counts
// bus events as they happen.
type Collector struct {
	src Source

	temperature  *prometheus.GaugeVec
	humidity     *prometheus.GaugeVec
	outdoorTemp  *prometheus.GaugeVec
	heatSetpoint *prometheus.GaugeVec
	coolSetpoint *prometheus.GaugeVec
	connected    *prometheus.GaugeVec
	available    *prometheus.GaugeVec
	heating      *prometheus.GaugeVec
	cooling      *prometheus.GaugeVec
	fan          *prometheus.GaugeVec
	entries      prometheus.Gauge

	stateUpdates *prometheus.CounterVec
	serviceCalls *prometheus.CounterVec

	mu    sync.Mutex // serializes Collect, which resets the gauge vectors
	unsub func()
}

// NewCollector creates a collector for src. Call Start to begin counting events.
func NewCollector(src Source) *Collector {
	labels := []string{"entry_id", "device"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "aprilaire_" + name, Help: help}, labels)
	}
	return &Collector{
		src:          src,
		temperature:  gauge("indoor_temperature_celsius", "Indoor temperature from the controlling sensor"),
		humidity:     gauge("indoor_humidity_percent", "Indoor humidity from the controlling sensor"),
		outdoorTemp:  gauge("outdoor_temperature_celsius", "Outdoor temperature from the controlling sensor"),
		heatSetpoint: gauge("heat_setpoint_celsius", "Heat setpoint"),
		coolSetpoint: gauge("cool_setpoint_celsius", "Cool setpoint"),
		connected:    gauge("connected_bool", "Socket connected (1=yes, 0=no)"),
		available:    gauge("available_bool", "Thermostat available (1=yes, 0=no)"),
		heating:      gauge("heating_equipment_status", "Heating equipment stage, 0 when idle"),
		cooling:      gauge("cooling_equipment_status", "Cooling equipment stage, 0 when idle"),
		fan:          gauge("fan_running_bool", "Fan running (1=on, 0=off)"),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aprilaire_entries",
			Help: "Loaded config entries",
		}),
		stateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aprilaire_state_updates_total",
			Help: "Data updates received from thermostats",
		}, []string{"entry_id"}),
		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aprilaire_service_calls_total",
			Help: "Service calls by service and result",
		}, []string{"entry_id", "service", "result"}),
	}
}

// Start subscribes to the event bus.
func (c *Collector) Start() {
	c.unsub = c.src.Events().OnAll(c.handleEvent)
}

// Stop unsubscribes from the event bus.
func (c *Collector) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Collector) handleEvent(ev coordinator.Event) {
	switch d := ev.Data.(type) {
	case coordinator.StateUpdate:
		c.stateUpdates.WithLabelValues(d.EntryID).Inc()
	case coordinator.ServiceCall:
		result := "ok"
		if d.Error != "" {
			result = "error"
		}
		c.serviceCalls.WithLabelValues(d.EntryID, d.Service, result).Inc()
	case coordinator.EntryStatus:
		if ev.Type == coordinator.EventEntryUnloaded {
			c.stateUpdates.DeleteLabelValues(d.EntryID)
			c.serviceCalls.DeletePartialMatch(prometheus.Labels{"entry_id": d.EntryID})
		}
	}
}

func (c *Collector) gaugeVecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.temperature, c.humidity, c.outdoorTemp, c.heatSetpoint, c.coolSetpoint,
		c.connected, c.available, c.heating, c.cooling, c.fan,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gaugeVecs() {
		g.Describe(ch)
	}
	c.entries.Describe(ch)
	c.stateUpdates.Describe(ch)
	c.serviceCalls.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.gaugeVecs() {
		g.Reset()
	}

	statuses := c.src.Entries()
	c.entries.Set(float64(len(statuses)))
	for _, st := range statuses {
		coord, err := c.src.Coordinator(st.Entry.ID)
		if err != nil {
			continue
		}
		c.observe(st.Entry.ID, coord.DeviceName(), coord.Data(), st.Available)
	}

	for _, g := range c.gaugeVecs() {
		g.Collect(ch)
	}
	c.entries.Collect(ch)
	c.stateUpdates.Collect(ch)
	c.serviceCalls.Collect(ch)
}

func (c *Collector) observe(entryID, device string, data aprilaire.Data, available bool) {
	labels := prometheus.Labels{"entry_id": entryID, "device": device}

	c.connected.With(labels).Set(boolToFloat(data.Bool(aprilaire.AttrConnected)))
	c.available.With(labels).Set(boolToFloat(available))

	// Controlling sensor values only count with a healthy status.
	sensor := func(g *prometheus.GaugeVec, statusKey, valueKey string) {
		if data.IntOr(statusKey, -1) != 0 {
			return
		}
		if v, ok := data.Float(valueKey); ok {
			g.With(labels).Set(v)
		}
	}
	sensor(c.temperature, aprilaire.AttrIndoorTemperatureControllingSensorStatus, aprilaire.AttrIndoorTemperatureControllingSensorValue)
	sensor(c.humidity, aprilaire.AttrIndoorHumidityControllingSensorStatus, aprilaire.AttrIndoorHumidityControllingSensorValue)
	sensor(c.outdoorTemp, aprilaire.AttrOutdoorTemperatureControllingSensorStatus, aprilaire.AttrOutdoorTemperatureControllingSensorValue)

	if v, ok := data.Float(aprilaire.AttrHeatSetpoint); ok {
		c.heatSetpoint.With(labels).Set(v)
	}
	if v, ok := data.Float(aprilaire.AttrCoolSetpoint); ok {
		c.coolSetpoint.With(labels).Set(v)
	}
	if v, ok := data.Int(aprilaire.AttrHeatingEquipmentStatus); ok {
		c.heating.With(labels).Set(float64(v))
	}
	if v, ok := data.Int(aprilaire.AttrCoolingEquipmentStatus); ok {
		c.cooling.With(labels).Set(float64(v))
	}
	if v, ok := data.Int(aprilaire.AttrFanStatus); ok {
		c.fan.With(labels).Set(boolToFloat(v == 1))
	}
}

// NewRegistry returns a registry holding c and a build info gauge.
func NewRegistry(c *Collector, version string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "aprilaire_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
