// Package server owns the DoIP gateway's network-facing lifecycle: the
// TCP accept loop, one worker goroutine per accepted connection, and the
// UDP vehicle-announcement loop, all sharing one Server Transport and one
// Timer Manager.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/eshenhu/doipgwd/internal/doip"
	"github.com/eshenhu/doipgwd/internal/doip/conn"
	"github.com/eshenhu/doipgwd/internal/doip/model"
	"github.com/eshenhu/doipgwd/internal/doip/timer"
	"github.com/eshenhu/doipgwd/internal/doip/transport"
)

// acceptRetryDelay is how long the TCP acceptor sleeps after a pending-
// connection check comes up empty.
const acceptRetryDelay = 100 * time.Millisecond

// Config carries everything a Server needs beyond its ServerTransport and
// Model: identity values used to build announcement messages, and the
// per-connection FSM tuning passed through to every conn.Connection.
type Config struct {
	TCPPort          uint16
	VIN              doip.VIN
	LogicalAddress   doip.Address
	EID              doip.EID
	GID              doip.GID
	FurtherAction    byte
	AnnounceCount    int
	AnnounceInterval time.Duration
	ConnConfig       conn.Config
}

// Server owns the ServerTransport and a Timer Manager shared by every
// connection it accepts. A fresh model.Model is obtained per accepted
// connection from modelFactory, mirroring DoIPServer's modelFactory
// parameter to waitForTcpConnection.
type Server struct {
	cfg          Config
	transport    transport.ServerTransport
	timers       *timer.Manager[conn.TimerKey]
	modelFactory func() *model.Model
	logger       doip.Logger

	mu         sync.Mutex
	tcpRunning bool
	udpRunning bool
	wg         sync.WaitGroup

	connMu sync.Mutex
	active map[string]transport.ConnectionTransport
}

// New constructs a Server. clock may be nil to use the real wall clock;
// tests inject a *timer.FakeClock to drive per-connection timers
// deterministically.
func New(cfg Config, tr transport.ServerTransport, modelFactory func() *model.Model, clock timer.Clock, logger doip.Logger) *Server {
	if logger == nil {
		logger = doip.NopLogger{}
	}
	return &Server{
		cfg:          cfg,
		transport:    tr,
		timers:       timer.NewManager[conn.TimerKey](clock),
		modelFactory: modelFactory,
		logger:       logger,
		active:       make(map[string]transport.ConnectionTransport),
	}
}

// Start sets up the transport and launches the TCP acceptor and, if
// AnnounceCount is positive, the UDP announcement loop.
func (s *Server) Start() error {
	if err := s.transport.Setup(s.cfg.TCPPort); err != nil {
		return err
	}

	s.mu.Lock()
	s.tcpRunning = true
	s.mu.Unlock()
	s.wg.Add(1)
	go s.tcpAcceptLoop()

	if s.cfg.AnnounceCount > 0 {
		s.mu.Lock()
		s.udpRunning = true
		s.mu.Unlock()
		s.wg.Add(1)
		go s.announcementLoop()
	}

	s.logger.Infof("server: listening on TCP port %d", s.cfg.TCPPort)
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
// Intended for a composition root driving Run from an errgroup alongside
// a signal-waiting goroutine that cancels ctx.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop signals every worker to exit, force-closes any connection still
// open so its Run loop unblocks from ReceiveMessage, waits for every
// worker, and closes the transport. Safe to call more than once: a
// connection still open and idle would otherwise block Stop forever
// waiting on a read that never returns.
func (s *Server) Stop() {
	s.logger.Info("server: stopping")
	s.mu.Lock()
	s.tcpRunning = false
	s.udpRunning = false
	s.mu.Unlock()

	s.closeActiveConnections()

	s.wg.Wait()
	s.timers.Shutdown()

	s.logger.Info("server: stopped, closing transport")
	if err := s.transport.Close(); err != nil {
		s.logger.Debugf("server: transport close: %v", err)
	}
}

func (s *Server) isTCPRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpRunning
}

func (s *Server) isUDPRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpRunning
}

func (s *Server) tcpAcceptLoop() {
	defer s.wg.Done()
	s.logger.Info("server: TCP acceptor started")

	for s.isTCPRunning() {
		ct, err := s.transport.AcceptConnection()
		if err != nil {
			s.logger.Debugf("server: accept error: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		if ct == nil {
			time.Sleep(acceptRetryDelay)
			continue
		}

		mdl := s.defaultModel()
		s.logger.Infof("server: accepted connection %s", ct.Identifier())

		s.wg.Add(1)
		go s.runConnection(ct, mdl)
	}

	s.logger.Info("server: TCP acceptor stopped")
}

func (s *Server) defaultModel() *model.Model {
	if s.modelFactory == nil {
		return &model.Model{}
	}
	return s.modelFactory()
}

func (s *Server) runConnection(ct transport.ConnectionTransport, mdl *model.Model) {
	defer s.wg.Done()

	s.trackConnection(ct, true)
	defer s.trackConnection(ct, false)

	c := conn.New(ct.Identifier(), ct, s.timers, mdl, s.cfg.LogicalAddress, s.cfg.ConnConfig, s.logger)
	c.Open()
	c.Run()

	s.logger.Infof("server: connection %s closed (%s)", c.Identifier(), c.CloseReason())
}

func (s *Server) trackConnection(ct transport.ConnectionTransport, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.active[ct.Identifier()] = ct
	} else {
		delete(s.active, ct.Identifier())
	}
}

func (s *Server) closeActiveConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for id, ct := range s.active {
		if err := ct.Close(transport.CloseReasonApplicationRequest); err != nil {
			s.logger.Debugf("server: closing connection %s: %v", id, err)
		}
	}
}

func (s *Server) announcementLoop() {
	defer s.wg.Done()
	s.logger.Info("server: announcement loop started")

	msg := doip.NewVehicleIdentificationResponse(s.cfg.VIN, s.cfg.LogicalAddress, s.cfg.EID, s.cfg.GID, s.cfg.FurtherAction)
	for i := 0; i < s.cfg.AnnounceCount && s.isUDPRunning(); i++ {
		n, err := s.transport.SendBroadcast(msg, transport.TestEquipmentReqPort)
		if err != nil {
			s.logger.Debugf("server: announcement send failed: %v", err)
		} else {
			s.logger.Debugf("server: sent vehicle announcement, %d bytes", n)
		}
		time.Sleep(s.cfg.AnnounceInterval)
	}

	s.logger.Info("server: announcement loop stopped")
}
