//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/aprilaire/aprilairetest"
	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/entity"
	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var thermostatData = aprilaire.Data{
	aprilaire.AttrConnected:                                true,
	aprilaire.AttrReconnecting:                             false,
	aprilaire.AttrStopped:                                  false,
	aprilaire.AttrMACAddress:                               "1:2:3:4:5:6",
	aprilaire.AttrName:                                     "Hallway",
	aprilaire.AttrModelNumber:                              1,
	aprilaire.AttrThermostatModes:                          6,
	aprilaire.AttrMode:                                     2,
	aprilaire.AttrAwayAvailable:                            1,
	aprilaire.AttrIndoorTemperatureControllingSensorStatus: 0,
	aprilaire.AttrIndoorTemperatureControllingSensorValue:  21.5,
	aprilaire.AttrDehumidificationAvailable:                1,
	aprilaire.AttrDehumidificationSetpoint:                 45,
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// fakeBroker records everything the bridge publishes.
type fakeBroker struct {
	mu         sync.Mutex
	msgs       []published
	subscribed []string
}

func (f *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, published{Topic: topic, Retained: retained, Payload: data})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, topic)
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeBroker) Disconnect(uint) {}

// last returns the most recent message on topic.
func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return f.msgs[i], true
		}
	}
	return published{}, false
}

func (f *fakeBroker) waitFor(t *testing.T, topic string, match func(published) bool) published {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := f.last(topic); ok && match(m) {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no matching message on %s", topic)
	return published{}
}

type testEnv struct {
	hub     *hub.Hub
	bridge  *Bridge
	broker  *fakeBroker
	backend *aprilairetest.Backend
}

// newTestEnv loads one ready entry "e1" behind a bridge with prefix "aprilaire".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{broker: &fakeBroker{}, backend: aprilairetest.New()}
	env.backend.OnCall = func(c aprilairetest.Call) {
		if c.Name == "ReadMACAddress" {
			env.backend.Push(thermostatData)
		}
	}
	factory := func(string, int) aprilaire.Backend { return env.backend }

	bus := coordinator.NewEventBus(testLogger())
	env.hub = hub.New(st, factory, bus, services.Default(), testLogger())
	t.Cleanup(env.hub.Shutdown)

	env.bridge = newBridge(env.hub, "aprilaire", testLogger())
	env.bridge.client = env.broker
	env.bridge.Start()
	t.Cleanup(env.bridge.Stop)

	entry := &store.Entry{ID: "e1", Host: "10.0.0.5", Port: 7000, Title: "Aprilaire", CreatedAt: time.Now()}
	if err := st.SaveEntry(entry); err != nil {
		t.Fatal(err)
	}
	if err := env.hub.Setup(entry); err != nil {
		t.Fatal(err)
	}
	env.broker.waitFor(t, "aprilaire/e1/availability", func(m published) bool { return string(m.Payload) == "online" })
	return env
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  commandRoute
		ok    bool
	}{
		{"aprilaire/e1/thermostat/set/mode", commandRoute{"e1", "thermostat", "mode"}, true},
		{"aprilaire/e1/dehumidifier/set/state", commandRoute{"e1", "dehumidifier", "state"}, true},
		{"aprilaire/e1/service/set_dehumidity", commandRoute{"e1", "service", "set_dehumidity"}, true},
		{"aprilaire/e1/thermostat", commandRoute{}, false},
		{"aprilaire/e1/thermostat/get/mode", commandRoute{}, false},
		{"aprilaire/bridge/state", commandRoute{}, false},
		{"other/e1/thermostat/set/mode", commandRoute{}, false},
		{"aprilaire//thermostat/set/mode", commandRoute{}, false},
	}
	for _, tt := range tests {
		got, ok := parseCommandTopic("aprilaire", tt.topic)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseCommandTopic(%q) = %+v, %v; want %+v, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBuildDiscoveryClimate(t *testing.T) {
	coord := coordinator.New("e1", aprilairetest.New(), coordinator.NewEventBus(testLogger()), testLogger())
	coord.SetUpdatedData(thermostatData)
	entities := entity.Build(coord, entity.Celsius)

	msgs := buildDiscovery("aprilaire", "e1", *coord.DeviceInfo(), entities)
	if len(msgs) != len(entities) {
		t.Fatalf("messages = %d, entities = %d", len(msgs), len(entities))
	}

	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/climate/aprilaire_1_2_3_4_5_6/thermostat/config",
		"homeassistant/sensor/aprilaire_1_2_3_4_5_6/indoor_temperature_controlling_sensor/config",
		"homeassistant/humidifier/aprilaire_1_2_3_4_5_6/dehumidifier/config",
		"homeassistant/binary_sensor/aprilaire_1_2_3_4_5_6/fan/config",
	} {
		if !topics[want] {
			t.Errorf("missing discovery topic %s", want)
		}
	}

	var climate haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &climate); err != nil {
		t.Fatal(err)
	}
	if climate.Name != "Hallway Thermostat" || climate.UniqueID != "1_2_3_4_5_6_thermostat" {
		t.Errorf("climate identity = %q / %q", climate.Name, climate.UniqueID)
	}
	if climate.Device.Identifiers[0] != "aprilaire_1:2:3:4:5:6" || climate.Device.Manufacturer != "Aprilaire" {
		t.Errorf("device = %+v", climate.Device)
	}
	if climate.ModeCommandTopic != "aprilaire/e1/thermostat/set/mode" {
		t.Errorf("mode command topic = %q", climate.ModeCommandTopic)
	}
	if climate.TemperatureCommandTopic != "aprilaire/e1/thermostat/set/temperature" {
		t.Errorf("temperature command topic = %q", climate.TemperatureCommandTopic)
	}
	if slices.Contains(climate.PresetModes, entity.PresetNone) {
		t.Errorf("preset modes include none: %v", climate.PresetModes)
	}
	if !slices.Contains(climate.PresetModes, entity.PresetAway) {
		t.Errorf("preset modes = %v, want away", climate.PresetModes)
	}
	if climate.TargetHumidityCmdTopic != "" {
		t.Error("target humidity offered without a manual humidifier")
	}
	if len(climate.Availability) != 3 || climate.AvailabilityMode != "all" {
		t.Errorf("availability = %+v", climate.Availability)
	}
}

func TestBuildDiscoverySensorsAndHumidifier(t *testing.T) {
	coord := coordinator.New("e1", aprilairetest.New(), coordinator.NewEventBus(testLogger()), testLogger())
	coord.SetUpdatedData(thermostatData)
	msgs := buildDiscovery("aprilaire", "e1", *coord.DeviceInfo(), entity.Build(coord, entity.Celsius))

	payloads := make(map[string]haDiscovery)
	for _, m := range msgs {
		var d haDiscovery
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			t.Fatal(err)
		}
		parts := strings.Split(m.Topic, "/")
		payloads[parts[3]] = d
	}

	temp := payloads["indoor_temperature_controlling_sensor"]
	if temp.DeviceClass != "temperature" || temp.StateClass != "measurement" || temp.UnitOfMeasurement != "°C" {
		t.Errorf("temperature sensor = %+v", temp)
	}
	if temp.StateTopic != "aprilaire/e1/indoor_temperature_controlling_sensor" {
		t.Errorf("state topic = %q", temp.StateTopic)
	}

	dehum := payloads["dehumidifier"]
	if dehum.DeviceClass != entity.DeviceClassDehumidifier || dehum.CommandTopic != "aprilaire/e1/dehumidifier/set/state" {
		t.Errorf("dehumidifier = %+v", dehum)
	}
	if dehum.MinHumidity != entity.MinHumidity || dehum.MaxHumidity != entity.MaxHumidity {
		t.Errorf("humidity range = %v-%v", dehum.MinHumidity, dehum.MaxHumidity)
	}

	fan := payloads["fan"]
	if fan.PayloadOn != "on" || fan.DeviceClass != "running" {
		t.Errorf("fan = %+v", fan)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery([]string{"a/config", "b/config"})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Payload) != 0 {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}
}

func TestBridgePublishesReadyEntry(t *testing.T) {
	env := newTestEnv(t)

	disc := env.broker.waitFor(t, "homeassistant/climate/aprilaire_1_2_3_4_5_6/thermostat/config",
		func(m published) bool { return len(m.Payload) > 0 })
	if !disc.Retained {
		t.Error("discovery not retained")
	}

	st, ok := env.broker.last("aprilaire/e1/thermostat")
	if !ok {
		t.Fatal("no climate state published")
	}
	var state entity.State
	if err := json.Unmarshal(st.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.Platform != entity.PlatformClimate || state.State != entity.HVACHeat || !state.Available {
		t.Errorf("state = %+v", state)
	}
}

func TestBridgeStateUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.backend.Push(aprilaire.Data{aprilaire.AttrMode: 3})

	m := env.broker.waitFor(t, "aprilaire/e1/thermostat", func(m published) bool {
		return strings.Contains(string(m.Payload), `"state":"cool"`)
	})
	if !m.Retained {
		t.Error("state not retained")
	}

	env.backend.Push(aprilaire.Data{aprilaire.AttrConnected: false, aprilaire.AttrReconnecting: false})
	env.broker.waitFor(t, "aprilaire/e1/availability", func(m published) bool { return string(m.Payload) == "offline" })
}

func TestBridgeCommands(t *testing.T) {
	env := newTestEnv(t)
	b := env.backend

	tests := []struct {
		topic   string
		payload string
		call    string
		arg     any
	}{
		{"aprilaire/e1/thermostat/set/mode", "cool", "UpdateMode", 3},
		{"aprilaire/e1/thermostat/set/fan_mode", "on", "UpdateFanMode", 1},
		{"aprilaire/e1/service/set_dehumidity", `{"dehumidity": 40}`, "SetDehumidificationSetpoint", 40},
		{"aprilaire/e1/dehumidifier/set/humidity", "42", "SetDehumidificationSetpoint", 42},
		{"aprilaire/e1/dehumidifier/set/state", "off", "SetDehumidificationSetpoint", 0},
	}
	for _, tt := range tests {
		b.Reset()
		env.bridge.handleMessage(tt.topic, []byte(tt.payload))
		calls := b.Calls()
		if len(calls) == 0 || calls[0].Name != tt.call || calls[0].Args[0] != tt.arg {
			t.Errorf("%s %q: calls = %+v, want %s(%v)", tt.topic, tt.payload, calls, tt.call, tt.arg)
		}
	}
}

func TestBridgeIgnoresBadCommands(t *testing.T) {
	env := newTestEnv(t)
	b := env.backend

	for _, c := range []struct{ topic, payload string }{
		{"aprilaire/e1/thermostat/set/mode", "dry"},
		{"aprilaire/e1/thermostat/set/unknown", "1"},
		{"aprilaire/e1/service/set_dehumidity", "{not json"},
		{"aprilaire/e1/fan/set/state", "on"},
		{"aprilaire/e1/dehumidifier/set/state", "maybe"},
		{"aprilaire/e2/thermostat/set/mode", "cool"},
	} {
		b.Reset()
		env.bridge.handleMessage(c.topic, []byte(c.payload))
		if calls := b.Calls(); len(calls) != 0 {
			t.Errorf("%s %q: unexpected calls %+v", c.topic, c.payload, calls)
		}
	}
}

func TestBridgeRemovesDiscoveryOnUnload(t *testing.T) {
	env := newTestEnv(t)
	topic := "homeassistant/climate/aprilaire_1_2_3_4_5_6/thermostat/config"
	env.broker.waitFor(t, topic, func(m published) bool { return len(m.Payload) > 0 })

	if err := env.hub.Unload("e1"); err != nil {
		t.Fatal(err)
	}
	env.broker.waitFor(t, topic, func(m published) bool { return len(m.Payload) == 0 })
	env.broker.waitFor(t, "aprilaire/e1/availability", func(m published) bool { return string(m.Payload) == "offline" })
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL(nil); got != "" {
		t.Errorf("nil entry = %q", got)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
