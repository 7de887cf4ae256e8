// Package mockserver simulates an Aprilaire thermostat on a TCP port. It answers
// reads, applies writes and pushes periodic change-of-state frames, which is
// enough to drive the bridge end to end without hardware.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultCOSInterval   = 30 * time.Second
	DefaultQueueInterval = 500 * time.Millisecond
	DefaultInitialDelay  = 2 * time.Second
)

// Config controls timing and identity of the simulated thermostat.
type Config struct {
	COSInterval   time.Duration
	QueueInterval time.Duration
	InitialDelay  time.Duration
	MAC           [6]byte
	Name          string
	Location      string
}

// State is the simulated thermostat state.
type State struct {
	Mode                     int
	FanMode                  int
	HeatSetpoint             float64
	CoolSetpoint             float64
	Hold                     int
	DehumidificationSetpoint int
	HumidificationSetpoint   int
	FreshAirMode             int
	FreshAirEvent            int
	AirCleaningMode          int
	AirCleaningEvent         int
}

func initialState() State {
	return State{
		Mode:                     5,
		FanMode:                  2,
		HeatSetpoint:             20,
		CoolSetpoint:             25,
		Hold:                     0,
		DehumidificationSetpoint: 45,
		HumidificationSetpoint:   35,
		FreshAirMode:             1,
		AirCleaningMode:          2,
	}
}

// Server accepts thermostat client connections.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	ln       net.Listener
	sessions map[*session]struct{}
	writes   int

	wg sync.WaitGroup
}

// New creates a server with cfg; zero durations fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.COSInterval == 0 {
		cfg.COSInterval = DefaultCOSInterval
	}
	if cfg.QueueInterval == 0 {
		cfg.QueueInterval = DefaultQueueInterval
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MAC == [6]byte{} {
		cfg.MAC = [6]byte{1, 2, 3, 4, 5, 6}
	}
	if cfg.Name == "" {
		cfg.Name = "Mock"
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "mock-thermostat"),
		state:    initialState(),
		sessions: make(map[*session]struct{}),
	}
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mock thermostat listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("mock thermostat listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("mock thermostat: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeSessions()
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("mock thermostat accept: %w", err)
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting and drops every session.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.closeSessions()
	return err
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// State returns a copy of the simulated state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Writes returns the number of write frames applied so far.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetState replaces the simulated state, e.g. to prepare a test scenario.
func (s *Server) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) update(fn func(st *State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.writes++
	return s.state
}
