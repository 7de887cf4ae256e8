package mockserver

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"aprilaire-go-home/internal/aprilaire"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.QueueInterval == 0 {
		cfg.QueueInterval = time.Millisecond
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Hour
	}
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	seq  uint8
}

func dial(t *testing.T, srv *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(action aprilaire.Action, domain aprilaire.FunctionalDomain, attr uint8, payload ...byte) {
	c.t.Helper()
	c.seq++
	if _, err := c.conn.Write(aprilaire.EncodeFrame(c.seq, action, domain, attr, payload)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one matches domain/attribute.
func (c *testConn) expect(domain aprilaire.FunctionalDomain, attr uint8) *aprilaire.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		raw, err := aprilaire.ReadFrame(c.r)
		if err != nil {
			c.t.Fatalf("waiting for %s/%d: %v", domain, attr, err)
		}
		f, err := aprilaire.DecodeFrame(raw)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if f.Domain == domain && f.Attribute == attr {
			return f
		}
	}
}

func TestReadResponses(t *testing.T) {
	srv := newTestServer(t, Config{MAC: [6]byte{0xA, 0xB, 0xC, 0xD, 0xE, 0xF}, Name: "Office", Location: "NY"})
	c := dial(t, srv)

	tests := []struct {
		domain aprilaire.FunctionalDomain
		attr   uint8
		check  func(aprilaire.Data) bool
	}{
		{aprilaire.DomainIdentification, 2, func(d aprilaire.Data) bool {
			mac, _ := d.Text(aprilaire.AttrMACAddress)
			return mac == "a:b:c:d:e:f"
		}},
		{aprilaire.DomainIdentification, 4, func(d aprilaire.Data) bool {
			name, _ := d.Text(aprilaire.AttrName)
			return name == "Office"
		}},
		{aprilaire.DomainIdentification, 5, func(d aprilaire.Data) bool {
			loc, _ := d.Text(aprilaire.AttrLocation)
			return loc == "NY"
		}},
		{aprilaire.DomainControl, 1, func(d aprilaire.Data) bool {
			mode, _ := d.Int(aprilaire.AttrMode)
			heat, _ := d.Float(aprilaire.AttrHeatSetpoint)
			return mode == 5 && heat == 20
		}},
		{aprilaire.DomainSensors, 2, func(d aprilaire.Data) bool {
			temp, _ := d.Float(aprilaire.AttrIndoorTemperatureControllingSensorValue)
			return temp == 22
		}},
		{aprilaire.DomainControl, 7, func(d aprilaire.Data) bool {
			modes, _ := d.Int(aprilaire.AttrThermostatModes)
			return modes == 6
		}},
	}
	for _, tt := range tests {
		c.send(aprilaire.ActionReadRequest, tt.domain, tt.attr)
		f := c.expect(tt.domain, tt.attr)
		data, ok := aprilaire.DecodePayload(f)
		if !ok || !tt.check(data) {
			t.Errorf("%s/%d: unexpected data %v", tt.domain, tt.attr, data)
		}
	}
}

func TestUnknownReadIsNacked(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := dial(t, srv)

	c.send(aprilaire.ActionReadRequest, aprilaire.DomainWeather, 1)
	f := c.expect(aprilaire.DomainNACK, 1)
	if f.Action != aprilaire.ActionNACK {
		t.Errorf("action = %s, want nack", f.Action)
	}
	if len(f.Payload) != 2 || f.Payload[0] != byte(aprilaire.DomainWeather) || f.Payload[1] != 1 {
		t.Errorf("nack payload = % X", f.Payload)
	}
}

func TestWritesUpdateState(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := dial(t, srv)

	c.send(aprilaire.ActionWrite, aprilaire.DomainControl, 1, 2, 0, 0, 0)
	f := c.expect(aprilaire.DomainControl, 1)
	if f.Action != aprilaire.ActionCOS || f.Payload[0] != 2 {
		t.Errorf("control echo = %s % X", f.Action, f.Payload)
	}
	if st := srv.State(); st.Mode != 2 || st.FanMode != 2 || st.Hold != 0 {
		t.Errorf("state after mode write = %+v", st)
	}

	c.send(aprilaire.ActionWrite, aprilaire.DomainControl, 1, 0, 0, aprilaire.EncodeTemperature(21.5), 0)
	c.expect(aprilaire.DomainScheduling, 4)
	if st := srv.State(); st.HeatSetpoint != 21.5 || st.Mode != 2 || st.Hold != 1 {
		t.Errorf("state after setpoint write = %+v", st)
	}

	c.send(aprilaire.ActionWrite, aprilaire.DomainControl, 4, 30)
	f = c.expect(aprilaire.DomainControl, 4)
	if f.Payload[0] != 30 || srv.State().HumidificationSetpoint != 30 {
		t.Errorf("humidification write not applied: % X", f.Payload)
	}

	c.send(aprilaire.ActionWrite, aprilaire.DomainControl, 6, 1, 4)
	c.expect(aprilaire.DomainControl, 6)
	if st := srv.State(); st.AirCleaningMode != 1 || st.AirCleaningEvent != 4 {
		t.Errorf("air cleaning = %d/%d", st.AirCleaningMode, st.AirCleaningEvent)
	}

	if srv.Writes() != 4 {
		t.Errorf("Writes() = %d, want 4", srv.Writes())
	}
}

func TestSyncSendsFullStatus(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := dial(t, srv)

	c.send(aprilaire.ActionWrite, aprilaire.DomainStatus, 2, 1)
	mac := c.expect(aprilaire.DomainIdentification, 2)
	if mac.Action != aprilaire.ActionReadResponse {
		t.Errorf("mac action = %s", mac.Action)
	}
	st := c.expect(aprilaire.DomainStatus, 6)
	data, _ := aprilaire.DecodePayload(st)
	if cooling, _ := data.Int(aprilaire.AttrCoolingEquipmentStatus); cooling != 2 {
		t.Errorf("auto mode should report cooling, got %v", data)
	}
}

func TestPeriodicStatus(t *testing.T) {
	srv := newTestServer(t, Config{InitialDelay: 10 * time.Millisecond, COSInterval: time.Hour})
	c := dial(t, srv)
	f := c.expect(aprilaire.DomainSetup, 1)
	data, _ := aprilaire.DecodePayload(f)
	if v, _ := data.Int(aprilaire.AttrAwayAvailable); v != 1 {
		t.Errorf("away_available = %v", data)
	}
}
