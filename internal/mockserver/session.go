package mockserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"aprilaire-go-home/internal/aprilaire"
)

// session is one client connection. Outgoing frames go through a paced queue,
// like the real thermostat, which never sends more than one burst per interval.
type session struct {
	srv   *Server
	conn  net.Conn
	queue chan []byte

	seqMu sync.Mutex
	seq   uint8
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:   srv,
		conn:  conn,
		queue: make(chan []byte, 256),
		seq:   1,
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	logger := s.srv.logger.With("remote", s.conn.RemoteAddr().String())
	logger.Info("connection made")

	go s.queueLoop(ctx)
	go s.cosLoop(ctx)

	r := bufio.NewReader(s.conn)
	for {
		raw, err := aprilaire.ReadFrame(r)
		if aprilaire.IsResync(err) {
			logger.Warn("dropped out-of-sync bytes", "err", err)
			continue
		}
		if err != nil {
			logger.Info("connection lost", "err", err)
			return
		}
		f, err := aprilaire.DecodeFrame(raw)
		if err != nil {
			logger.Warn("bad frame", "err", err, "raw", fmt.Sprintf("% X", raw))
			continue
		}
		logger.Debug("received", "action", f.Action, "domain", f.Domain, "attribute", f.Attribute)
		s.handle(f)
	}
}

func (s *session) queueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.queue:
			if _, err := s.conn.Write(b); err != nil {
				return
			}
			select {
			case <-time.After(s.srv.cfg.QueueInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) cosLoop(ctx context.Context) {
	select {
	case <-time.After(s.srv.cfg.InitialDelay):
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(s.srv.cfg.COSInterval)
	defer ticker.Stop()
	for {
		s.sendStatus()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// nextSeq mirrors the device: responses carry seq+127 and seq cycles mod 128.
func (s *session) nextSeq() uint8 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	out := s.seq + 127
	s.seq = (s.seq + 1) % 128
	return out
}

func (s *session) enqueue(frames ...[]byte) {
	select {
	case s.queue <- slices.Concat(frames...):
	default:
		s.srv.logger.Warn("mock thermostat queue full, dropping frames")
	}
}

func (s *session) frame(action aprilaire.Action, domain aprilaire.FunctionalDomain, attribute uint8, payload ...byte) []byte {
	return aprilaire.EncodeFrame(s.nextSeq(), action, domain, attribute, payload)
}

func (s *session) handle(f *aprilaire.Frame) {
	switch f.Action {
	case aprilaire.ActionReadRequest:
		s.handleRead(f)
	case aprilaire.ActionWrite:
		s.handleWrite(f)
	default:
		s.enqueue(s.nack(f))
	}
}

func (s *session) nack(f *aprilaire.Frame) []byte {
	return s.frame(aprilaire.ActionNACK, aprilaire.DomainNACK, 1, byte(f.Domain), f.Attribute)
}

func (s *session) handleRead(f *aprilaire.Frame) {
	st := s.srv.State()
	rr := aprilaire.ActionReadResponse
	switch {
	case f.Domain == aprilaire.DomainSensors && f.Attribute == 2:
		s.enqueue(s.frame(rr, aprilaire.DomainSensors, 2,
			0, aprilaire.EncodeTemperature(22), 0, aprilaire.EncodeTemperature(10), 0, 50, 0, 40))
	case f.Domain == aprilaire.DomainSensors && f.Attribute == 1:
		s.enqueue(s.sensors1(rr))
	case f.Domain == aprilaire.DomainScheduling && f.Attribute == 4:
		s.enqueue(s.scheduling(aprilaire.ActionCOS, st))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 1:
		s.enqueue(s.control(rr, st))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 3:
		s.enqueue(s.frame(rr, aprilaire.DomainControl, 3, byte(st.DehumidificationSetpoint)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 4:
		s.enqueue(s.frame(rr, aprilaire.DomainControl, 4, byte(st.HumidificationSetpoint)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 5:
		s.enqueue(s.frame(rr, aprilaire.DomainControl, 5, byte(st.FreshAirMode), byte(st.FreshAirEvent)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 6:
		s.enqueue(s.frame(rr, aprilaire.DomainControl, 6, byte(st.AirCleaningMode), byte(st.AirCleaningEvent)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 7:
		s.enqueue(s.iaqAvailable(rr))
	case f.Domain == aprilaire.DomainStatus && f.Attribute == 6:
		s.enqueue(s.thermostatStatus(rr, st))
	case f.Domain == aprilaire.DomainStatus && f.Attribute == 7:
		s.enqueue(s.frame(rr, aprilaire.DomainStatus, 7, 2, 2, 2, 2))
	case f.Domain == aprilaire.DomainSetup && f.Attribute == 1:
		s.enqueue(s.setup(rr))
	case f.Domain == aprilaire.DomainIdentification && f.Attribute == 1:
		s.enqueue(s.identification(rr))
	case f.Domain == aprilaire.DomainIdentification && f.Attribute == 2:
		s.enqueue(s.frame(rr, aprilaire.DomainIdentification, 2, s.srv.cfg.MAC[:]...))
	case f.Domain == aprilaire.DomainIdentification && f.Attribute == 4:
		s.enqueue(s.frame(rr, aprilaire.DomainIdentification, 4, aprilaire.EncodeText(s.srv.cfg.Name, 15)...))
	case f.Domain == aprilaire.DomainIdentification && f.Attribute == 5:
		s.enqueue(s.frame(rr, aprilaire.DomainIdentification, 5, aprilaire.EncodeText(s.srv.cfg.Location, 7)...))
	default:
		s.enqueue(s.nack(f))
	}
}

func (s *session) handleWrite(f *aprilaire.Frame) {
	data, _ := aprilaire.DecodePayload(f)
	cos := aprilaire.ActionCOS

	switch {
	case f.Domain == aprilaire.DomainControl && f.Attribute == 1:
		st := s.srv.update(func(st *State) {
			if v, ok := data.Int(aprilaire.AttrMode); ok {
				st.Mode = v
				st.Hold = 0
			}
			if v, ok := data.Int(aprilaire.AttrFanMode); ok {
				st.FanMode = v
			}
			if v, ok := data.Float(aprilaire.AttrHeatSetpoint); ok {
				st.HeatSetpoint = v
				st.Hold = 1
			}
			if v, ok := data.Float(aprilaire.AttrCoolSetpoint); ok {
				st.CoolSetpoint = v
				st.Hold = 1
			}
		})
		s.enqueue(s.control(cos, st))
		s.enqueue(s.thermostatStatus(cos, st))
		s.enqueue(s.scheduling(cos, st))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 3:
		st := s.srv.update(func(st *State) {
			st.DehumidificationSetpoint = data.IntOr(aprilaire.AttrDehumidificationSetpoint, st.DehumidificationSetpoint)
		})
		s.enqueue(s.frame(cos, aprilaire.DomainControl, 3, byte(st.DehumidificationSetpoint)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 4:
		st := s.srv.update(func(st *State) {
			st.HumidificationSetpoint = data.IntOr(aprilaire.AttrHumidificationSetpoint, st.HumidificationSetpoint)
		})
		s.enqueue(s.frame(cos, aprilaire.DomainControl, 4, byte(st.HumidificationSetpoint)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 5:
		st := s.srv.update(func(st *State) {
			st.FreshAirMode = data.IntOr(aprilaire.AttrFreshAirMode, st.FreshAirMode)
			st.FreshAirEvent = data.IntOr(aprilaire.AttrFreshAirEvent, st.FreshAirEvent)
		})
		s.enqueue(s.frame(cos, aprilaire.DomainControl, 5, byte(st.FreshAirMode), byte(st.FreshAirEvent)))
	case f.Domain == aprilaire.DomainControl && f.Attribute == 6:
		st := s.srv.update(func(st *State) {
			st.AirCleaningMode = data.IntOr(aprilaire.AttrAirCleaningMode, st.AirCleaningMode)
			st.AirCleaningEvent = data.IntOr(aprilaire.AttrAirCleaningEvent, st.AirCleaningEvent)
		})
		s.enqueue(s.frame(cos, aprilaire.DomainControl, 6, byte(st.AirCleaningMode), byte(st.AirCleaningEvent)))
	case f.Domain == aprilaire.DomainScheduling && f.Attribute == 4:
		st := s.srv.update(func(st *State) {
			st.Hold = data.IntOr(aprilaire.AttrHold, st.Hold)
		})
		s.enqueue(s.scheduling(cos, st))
	case f.Domain == aprilaire.DomainStatus && f.Attribute == 2:
		s.sendStatus()
	case f.Domain == aprilaire.DomainStatus && f.Attribute == 1:
		// COS configuration, nothing to report back
	default:
		s.enqueue(s.nack(f))
	}
}

// sendStatus dumps the full state: the MAC as a read response, everything
// else as one burst of COS frames.
func (s *session) sendStatus() {
	st := s.srv.State()
	cos := aprilaire.ActionCOS
	enc := aprilaire.EncodeTemperature

	s.enqueue(s.frame(aprilaire.ActionReadResponse, aprilaire.DomainIdentification, 2, s.srv.cfg.MAC[:]...))
	s.enqueue(
		s.control(cos, st),
		s.frame(cos, aprilaire.DomainSensors, 2, 0, enc(25), 0, enc(20), 0, 50, 0, 40),
		s.frame(cos, aprilaire.DomainStatus, 2, 1),
		s.frame(cos, aprilaire.DomainStatus, 7, 2, 2, 2, 2),
		s.iaqAvailable(cos),
		s.setup(cos),
		s.scheduling(cos, st),
		s.identification(cos),
		s.frame(cos, aprilaire.DomainIdentification, 4, aprilaire.EncodeText(s.srv.cfg.Name, 15)...),
		s.frame(cos, aprilaire.DomainControl, 3, byte(st.DehumidificationSetpoint)),
		s.frame(cos, aprilaire.DomainControl, 4, byte(st.HumidificationSetpoint)),
		s.frame(cos, aprilaire.DomainControl, 5, byte(st.FreshAirMode), byte(st.FreshAirEvent)),
		s.frame(cos, aprilaire.DomainControl, 6, byte(st.AirCleaningMode), byte(st.AirCleaningEvent)),
		s.thermostatStatus(cos, st),
	)
}

func (s *session) control(action aprilaire.Action, st State) []byte {
	return s.frame(action, aprilaire.DomainControl, 1,
		byte(st.Mode), byte(st.FanMode),
		aprilaire.EncodeTemperature(st.HeatSetpoint), aprilaire.EncodeTemperature(st.CoolSetpoint))
}

func (s *session) scheduling(action aprilaire.Action, st State) []byte {
	payload := make([]byte, 10)
	payload[0] = byte(st.Hold)
	return s.frame(action, aprilaire.DomainScheduling, 4, payload...)
}

func (s *session) thermostatStatus(action aprilaire.Action, st State) []byte {
	heating := map[int]byte{2: 2, 4: 7}[st.Mode]
	cooling := map[int]byte{3: 2, 5: 2}[st.Mode]
	var fan byte
	if st.FanMode == 1 || st.FanMode == 2 {
		fan = 1
	}
	return s.frame(action, aprilaire.DomainStatus, 6, heating, cooling, 0, fan)
}

func (s *session) iaqAvailable(action aprilaire.Action) []byte {
	return s.frame(action, aprilaire.DomainControl, 7, 6, 1, 1, 1, 2)
}

func (s *session) setup(action aprilaire.Action) []byte {
	payload := make([]byte, 44)
	payload[26] = 1
	return s.frame(action, aprilaire.DomainSetup, 1, payload...)
}

func (s *session) identification(action aprilaire.Action) []byte {
	return s.frame(action, aprilaire.DomainIdentification, 1, 66, 10, 2, 15, 1, 14, 3)
}

func (s *session) sensors1(action aprilaire.Action) []byte {
	enc := aprilaire.EncodeTemperature
	return s.frame(action, aprilaire.DomainSensors, 1,
		0, enc(22), 0, 0, 3, 0, 0, 50, 3, 0, 3, 0, 3, 0, 3, 0)
}
