//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/entity"
	"aprilaire-go-home/internal/hub"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string // "auto" browses mDNS for _mqtt._tcp
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Hub is the part of the entry hub the bridge needs.
type Hub interface {
	Events() *coordinator.EventBus
	Entries() []hub.Status
	EntityList(id string) ([]entity.Entity, error)
	Coordinator(id string) (*coordinator.Coordinator, error)
	Call(ctx context.Context, id, service string, params map[string]any) error
}

// broker is the subset of the paho client used by the bridge.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// switchable is implemented by the humidifier and dehumidifier entities.
type switchable interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetHumidity(ctx context.Context, humidity int) error
	SetMode(ctx context.Context, mode string) error
}

const commandTimeout = 10 * time.Second

// Bridge publishes thermostat entities to MQTT with HA autodiscovery and
// turns command topics into service calls.
type Bridge struct {
	client broker
	hub    Hub
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	discovered map[string][]string // entry ID -> discovery topics
}

func newBridge(h Hub, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		hub:        h,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string][]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(h, cfg.TopicPrefix, logger)

	brokerURL := cfg.Broker
	if brokerURL == "" || brokerURL == "auto" {
		ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
		found, err := DiscoverBroker(ctx)
		cancel()
		if err != nil {
			b.cancel()
			return nil, fmt.Errorf("mqtt broker discovery: %w", err)
		}
		b.logger.Info("MQTT broker discovered", "broker", found)
		brokerURL = found
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "aprilaire-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", brokerURL)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	// The client must be set before the connect handler can fire.
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to hub events and publishes every ready entry.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.publishAll()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.subscribeCommands()
	b.publishAll()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch data := event.Data.(type) {
	case coordinator.StateUpdate:
		b.publishStates(data.EntryID)
	case coordinator.ConnectionState:
		b.publishAvailability(data.EntryID, data.Available)
		b.publishStates(data.EntryID)
	case coordinator.DeviceInfoChange:
		b.publishEntry(data.EntryID)
	case coordinator.EntryStatus:
		switch event.Type {
		case coordinator.EventEntryReady:
			b.publishEntry(data.EntryID)
		case coordinator.EventEntryFailed:
			b.publishAvailability(data.EntryID, false)
		case coordinator.EventEntryUnloaded:
			b.removeEntry(data.EntryID)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeStateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publishAll() {
	for _, st := range b.hub.Entries() {
		if st.State == hub.StateLoaded {
			b.publishEntry(st.Entry.ID)
		}
	}
}

// publishEntry publishes discovery, availability and state for one entry.
func (b *Bridge) publishEntry(entryID string) {
	entities, err := b.hub.EntityList(entryID)
	if err != nil {
		return
	}
	coord, err := b.hub.Coordinator(entryID)
	if err != nil {
		return
	}
	info := coord.DeviceInfo()
	if info == nil {
		b.logger.Warn("no device info for discovery", "entry_id", entryID)
		return
	}

	msgs := buildDiscovery(b.prefix, entryID, *info, entities)
	topics := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
		topics = append(topics, msg.Topic)
	}

	b.mu.Lock()
	stale := b.discovered[entryID]
	b.discovered[entryID] = topics
	b.mu.Unlock()

	// A rename changes nothing in the topics, but a changed MAC does.
	for _, t := range stale {
		if !slices.Contains(topics, t) {
			b.publish(t, nil, true)
		}
	}

	b.publishAvailability(entryID, coord.Available())
	b.publishEntityStates(entryID, entities)
	b.logger.Info("published HA discovery", "entry_id", entryID, "device", info.Name, "entities", len(entities))
}

func (b *Bridge) publishAvailability(entryID string, available bool) {
	payload := "offline"
	if available {
		payload = "online"
	}
	b.publish(availabilityTopic(b.prefix, entryID), []byte(payload), true)
}

func (b *Bridge) publishStates(entryID string) {
	entities, err := b.hub.EntityList(entryID)
	if err != nil {
		return // still setting up
	}
	b.publishEntityStates(entryID, entities)
}

func (b *Bridge) publishEntityStates(entryID string, entities []entity.Entity) {
	for _, e := range entities {
		b.publish(stateTopic(b.prefix, entryID, e.Key()), mustJSON(e.State()), true)
	}
}

func (b *Bridge) removeEntry(entryID string) {
	b.mu.Lock()
	topics := b.discovered[entryID]
	delete(b.discovered, entryID)
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publishAvailability(entryID, false)
	if len(topics) > 0 {
		b.logger.Info("removed HA discovery", "entry_id", entryID)
	}
}

func (b *Bridge) subscribeCommands() {
	for _, topic := range []string{b.prefix + "/+/+/set/+", b.prefix + "/+/service/+"} {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleMessage(msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	route, ok := parseCommandTopic(b.prefix, topic)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var err error
	switch route.Key {
	case "service":
		err = b.handleService(ctx, route, payload)
	case "thermostat":
		err = b.handleClimateCommand(ctx, route, strings.TrimSpace(string(payload)))
	default:
		err = b.handleEntityCommand(ctx, route, strings.TrimSpace(string(payload)))
	}
	if err != nil {
		b.logger.Warn("MQTT command failed", "topic", topic, "err", err)
	}
}

func (b *Bridge) handleService(ctx context.Context, route commandRoute, payload []byte) error {
	params := map[string]any{}
	if len(strings.TrimSpace(string(payload))) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(payload)))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return fmt.Errorf("invalid service payload: %w", err)
		}
	}
	return b.hub.Call(ctx, route.EntryID, route.What, params)
}

// climateCommands maps climate command topics to a service and its parameter.
var climateCommands = map[string][2]string{
	"mode":             {"set_hvac_mode", "hvac_mode"},
	"temperature":      {"set_temperature", "temperature"},
	"temperature_low":  {"set_temperature", "target_temp_low"},
	"temperature_high": {"set_temperature", "target_temp_high"},
	"fan_mode":         {"set_fan_mode", "fan_mode"},
	"preset_mode":      {"set_preset_mode", "preset_mode"},
	"humidity":         {"set_humidity", "humidity"},
}

func (b *Bridge) handleClimateCommand(ctx context.Context, route commandRoute, value string) error {
	cmd, ok := climateCommands[route.What]
	if !ok {
		return fmt.Errorf("unknown climate command %q", route.What)
	}
	return b.hub.Call(ctx, route.EntryID, cmd[0], map[string]any{cmd[1]: value})
}

func (b *Bridge) handleEntityCommand(ctx context.Context, route commandRoute, value string) error {
	entities, err := b.hub.EntityList(route.EntryID)
	if err != nil {
		return err
	}
	var target switchable
	for _, e := range entities {
		if e.Key() != route.Key {
			continue
		}
		if s, ok := e.(switchable); ok {
			target = s
		}
		break
	}
	if target == nil {
		return fmt.Errorf("%s has no controllable entity %q", route.EntryID, route.Key)
	}

	switch route.What {
	case "state":
		switch strings.ToLower(value) {
		case "on":
			err = target.TurnOn(ctx)
		case "off":
			err = target.TurnOff(ctx)
		default:
			return fmt.Errorf("state %q: %w", value, entity.ErrInvalidValue)
		}
	case "humidity":
		f, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("humidity %q: %w", value, entity.ErrInvalidValue)
		}
		err = target.SetHumidity(ctx, int(f))
	case "mode":
		err = target.SetMode(ctx, value)
	default:
		return fmt.Errorf("unknown command %q", route.What)
	}
	if err == nil {
		b.publishStates(route.EntryID)
	}
	return err
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
