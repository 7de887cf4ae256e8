package aprilaire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultReconnectInterval = time.Hour
	DefaultRetryInterval     = 10 * time.Second
	DefaultCommandInterval   = 200 * time.Millisecond
	DefaultDialTimeout       = 10 * time.Second

	commandQueueSize = 64
)

// ErrStopped is returned by commands issued while the client is not running.
var ErrStopped = errors.New("aprilaire: client stopped")

// cosConfiguration enables change-of-state reports, one byte per report category.
var cosConfiguration = []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnectInterval sets how long a healthy connection is kept before it is
// recycled. The thermostat serves a single connection and long sessions go stale.
// Zero disables periodic reconnects.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) { c.reconnectInterval = d }
}

// WithRetryInterval sets the wait between failed connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithCommandInterval sets the pause between queued commands.
func WithCommandInterval(d time.Duration) Option {
	return func(c *Client) { c.commandInterval = d }
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// Client keeps a persistent connection to one thermostat, decodes every
// frame it sends and pushes the values to registered data handlers.
type Client struct {
	addr   string
	logger *slog.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	reconnectInterval time.Duration
	retryInterval     time.Duration
	commandInterval   time.Duration
	dialTimeout       time.Duration

	seq   atomic.Uint32
	queue chan []byte

	handlerMu sync.RWMutex
	handlers  []func(Data)

	waitMu  sync.Mutex
	waiters map[attributeKey][]chan Data

	stateMu      sync.Mutex
	connected    bool
	reconnecting bool
	stopped      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

var _ Backend = (*Client)(nil)

// NewClient creates a client for the thermostat at host:port. Nothing is
// dialed until Start.
func NewClient(host string, port int, opts ...Option) *Client {
	var d net.Dialer
	c := &Client{
		addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		logger:            slog.Default(),
		dial:              d.DialContext,
		reconnectInterval: DefaultReconnectInterval,
		retryInterval:     DefaultRetryInterval,
		commandInterval:   DefaultCommandInterval,
		dialTimeout:       DefaultDialTimeout,
		queue:             make(chan []byte, commandQueueSize),
		waiters:           make(map[attributeKey][]chan Data),
		stopped:           true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("thermostat", c.addr)
	return c
}

// Addr returns the host:port the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// OnData registers a handler for decoded values and connection state changes.
// Handlers run on the client's read goroutine and must not modify the Data.
func (c *Client) OnData(handler func(Data)) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlerMu.Unlock()
}

// Start begins connecting in the background. The connection lives until
// Stop is called or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.cancel != nil {
		c.stateMu.Unlock()
		return fmt.Errorf("aprilaire: client for %s already started", c.addr)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = false
	c.stateMu.Unlock()

	c.publishState()

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop closes the connection and waits for the background goroutines to exit.
func (c *Client) Stop() {
	c.stateMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.stopped = true
	c.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.stateMu.Lock()
	c.connected = false
	c.reconnecting = false
	c.stateMu.Unlock()
	c.publishState()
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return
		}
		wait := c.session(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.setState(false, true)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// connect dials until it succeeds or ctx is cancelled.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.setState(false, true)
	for {
		dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		conn, err := c.dial(dialCtx, "tcp", c.addr)
		cancel()
		if err == nil {
			c.logger.Info("thermostat connected")
			c.setState(true, false)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("connect to thermostat", "err", err, "retry_in", c.retryInterval)
		if !sleepCtx(ctx, c.retryInterval) {
			return nil, ctx.Err()
		}
	}
}

// session serves one connection until it drops, the periodic reconnect fires
// or ctx is cancelled. It returns how long to wait before dialing again.
func (c *Client) session(ctx context.Context, conn net.Conn) time.Duration {
	sessCtx, cancel := context.WithCancel(ctx)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readErr <- c.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(sessCtx, conn)
	}()
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	c.queueStartup(sessCtx)

	var reconnect <-chan time.Time
	if c.reconnectInterval > 0 {
		t := time.NewTimer(c.reconnectInterval)
		defer t.Stop()
		reconnect = t.C
	}

	select {
	case <-ctx.Done():
		return 0
	case err := <-readErr:
		if errors.Is(err, io.EOF) {
			c.logger.Warn("thermostat closed the connection")
		} else {
			c.logger.Warn("thermostat connection lost", "err", err)
		}
	case <-reconnect:
		c.logger.Info("recycling thermostat connection", "after", c.reconnectInterval)
	}
	c.setState(false, true)
	return c.retryInterval
}

// queueStartup requests everything needed to populate a fresh data map.
func (c *Client) queueStartup(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"configure cos", c.ConfigureCOS},
		{"sync", c.Sync},
		{"read mac address", c.ReadMACAddress},
		{"read thermostat name", c.ReadThermostatName},
		{"read iaq available", c.ReadIAQAvailable},
		{"read sensors", c.ReadSensors},
		{"read control", c.ReadControl},
		{"read scheduling", c.ReadScheduling},
		{"read thermostat status", c.ReadThermostatStatus},
		{"read iaq status", c.ReadIAQStatus},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			c.logger.Warn("queue startup command", "cmd", s.name, "err", err)
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		raw, err := ReadFrame(r)
		if IsResync(err) {
			c.logger.Warn("dropped out-of-sync bytes", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		f, err := DecodeFrame(raw)
		if err != nil {
			c.logger.Warn("decode frame", "err", err, "raw", fmt.Sprintf("% X", raw))
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if _, err := conn.Write(frame); err != nil {
				c.logger.Warn("write command", "err", err)
				conn.Close()
				return
			}
			c.logger.Debug("thermostat TX", "frame", fmt.Sprintf("% X", frame))
			if c.commandInterval > 0 && !sleepCtx(ctx, c.commandInterval) {
				return
			}
		}
	}
}

func (c *Client) handleFrame(f *Frame) {
	c.logger.Debug("thermostat RX",
		"action", f.Action,
		"domain", f.Domain,
		"attribute", f.Attribute,
		"seq", f.Sequence,
		"payload", fmt.Sprintf("% X", f.Payload))

	if f.Action == ActionNACK {
		c.logger.Warn("thermostat NACK", "domain", f.Domain, "attribute", f.Attribute, "payload", fmt.Sprintf("% X", f.Payload))
		return
	}

	data, ok := DecodePayload(f)
	if !ok {
		c.logger.Debug("unhandled frame", "action", f.Action, "domain", f.Domain, "attribute", f.Attribute)
		return
	}

	c.emit(data)
	if f.Action == ActionReadResponse || f.Action == ActionCOS {
		c.resolveWaiters(attributeKey{f.Domain, f.Attribute}, data)
	}
}

func (c *Client) emit(data Data) {
	c.handlerMu.RLock()
	handlers := slices.Clone(c.handlers)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

func (c *Client) setState(connected, reconnecting bool) {
	c.stateMu.Lock()
	if c.connected == connected && c.reconnecting == reconnecting {
		c.stateMu.Unlock()
		return
	}
	c.connected = connected
	c.reconnecting = reconnecting
	c.stateMu.Unlock()
	c.publishState()
}

func (c *Client) publishState() {
	c.stateMu.Lock()
	state := Data{
		AttrConnected:    c.connected,
		AttrReconnecting: c.reconnecting,
		AttrStopped:      c.stopped,
	}
	c.stateMu.Unlock()
	c.emit(state)
}

// WaitForResponse blocks until the thermostat reports domain/attribute, either
// as a read response or a change-of-state frame.
func (c *Client) WaitForResponse(ctx context.Context, domain FunctionalDomain, attribute uint8) (Data, error) {
	key := attributeKey{domain, attribute}
	ch := make(chan Data, 1)

	c.waitMu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.waitMu.Unlock()
	defer c.removeWaiter(key, ch)

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s/%d: %w", domain, attribute, ctx.Err())
	}
}

func (c *Client) resolveWaiters(key attributeKey, data Data) {
	c.waitMu.Lock()
	waiters := c.waiters[key]
	delete(c.waiters, key)
	c.waitMu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- data.Clone():
		default:
		}
	}
}

func (c *Client) removeWaiter(key attributeKey, ch chan Data) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	list := c.waiters[key]
	if i := slices.Index(list, ch); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list
	}
}

// --- Commands ---

func (c *Client) nextSeq() uint8 {
	return uint8(c.seq.Add(1) % 128)
}

// send queues a frame for the write loop. Frames queued while disconnected
// are written once the next connection is up.
func (c *Client) send(ctx context.Context, action Action, domain FunctionalDomain, attribute uint8, payload ...byte) error {
	c.stateMu.Lock()
	stopped := c.stopped
	c.stateMu.Unlock()
	if stopped {
		return ErrStopped
	}

	frame := EncodeFrame(c.nextSeq(), action, domain, attribute, payload)
	select {
	case c.queue <- frame:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s %s/%d: %w", action, domain, attribute, ctx.Err())
	}
}

func (c *Client) ReadSensors(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainSensors, 2)
}

func (c *Client) ReadControl(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainControl, 1)
}

func (c *Client) ReadScheduling(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainScheduling, 4)
}

func (c *Client) ReadMACAddress(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainIdentification, 2)
}

func (c *Client) ReadThermostatName(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainIdentification, 4)
}

func (c *Client) ReadThermostatStatus(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainStatus, 6)
}

func (c *Client) ReadIAQStatus(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainStatus, 7)
}

func (c *Client) ReadIAQAvailable(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainControl, 7)
}

func (c *Client) ReadSetup(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainSetup, 1)
}

func (c *Client) ReadIdentification(ctx context.Context) error {
	return c.send(ctx, ActionReadRequest, DomainIdentification, 1)
}

// UpdateMode writes the HVAC mode; the other Control/1 bytes are left at 0 (unchanged).
func (c *Client) UpdateMode(ctx context.Context, mode int) error {
	return c.send(ctx, ActionWrite, DomainControl, 1, byte(mode), 0, 0, 0)
}

func (c *Client) UpdateFanMode(ctx context.Context, fanMode int) error {
	return c.send(ctx, ActionWrite, DomainControl, 1, 0, byte(fanMode), 0, 0)
}

// UpdateSetpoint writes heat and cool setpoints in Celsius. A zero setpoint is left unchanged.
func (c *Client) UpdateSetpoint(ctx context.Context, coolSetpoint, heatSetpoint float64) error {
	return c.send(ctx, ActionWrite, DomainControl, 1, 0, 0, EncodeTemperature(heatSetpoint), EncodeTemperature(coolSetpoint))
}

func (c *Client) SetHold(ctx context.Context, hold int) error {
	payload := make([]byte, 10)
	payload[0] = byte(hold)
	return c.send(ctx, ActionWrite, DomainScheduling, 4, payload...)
}

func (c *Client) SetDehumidificationSetpoint(ctx context.Context, value int) error {
	return c.send(ctx, ActionWrite, DomainControl, 3, byte(value))
}

func (c *Client) SetHumidificationSetpoint(ctx context.Context, value int) error {
	return c.send(ctx, ActionWrite, DomainControl, 4, byte(value))
}

func (c *Client) SetFreshAir(ctx context.Context, mode, event int) error {
	return c.send(ctx, ActionWrite, DomainControl, 5, byte(mode), byte(event))
}

func (c *Client) SetAirCleaning(ctx context.Context, mode, event int) error {
	return c.send(ctx, ActionWrite, DomainControl, 6, byte(mode), byte(event))
}

// Sync asks the thermostat to report its full state as COS frames.
func (c *Client) Sync(ctx context.Context) error {
	return c.send(ctx, ActionWrite, DomainStatus, 2, 1)
}

func (c *Client) ConfigureCOS(ctx context.Context) error {
	return c.send(ctx, ActionWrite, DomainStatus, 1, cosConfiguration...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
