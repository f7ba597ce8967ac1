// Package server implements the kgnet game server: a single network loop
// that owns the socket and the connection table, admits peers, processes
// their reliability segments, keeps them alive, and drops the silent ones.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/metrics"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
	"github.com/kargono/kgnet/internal/util"
)

var (
	// ErrUnknownClient is returned when a send or kick names a free slot.
	ErrUnknownClient = errors.New("no active client at index")
	// ErrNotRunning is returned when the socket is not open.
	ErrNotRunning = errors.New("server is not running")
)

// congestedKeepAliveRound sends keepalives to congested peers only on every
// third keepalive round.
const congestedKeepAliveRound = 3

// session is per-slot state the connection table does not carry.
type session struct {
	id        string
	congested bool
}

// ConnectionInfo is a point-in-time view of one connected peer.
type ConnectionInfo struct {
	Index       network.ClientIndex      `json:"index"`
	Address     string                   `json:"address"`
	SessionID   string                   `json:"session_id"`
	ConnectedAt time.Time                `json:"connected_at"`
	Stats       network.ReliabilityStats `json:"stats"`
}

// Server owns one socket and one connection table. Tick is the only place
// packets are read; other goroutines reach the table through the exported
// methods, which share one mutex with Tick.
type Server struct {
	mu sync.Mutex

	cfg     config.ServerConfig
	appID   protocol.AppID
	socket  *network.Socket
	conns   *network.ConnectionList
	session []session

	bus     *events.EventBus
	metrics *metrics.Collector

	keepAliveTimer time.Duration
	keepAliveRound uint64
	startedAt      time.Time

	buf    []byte
	logger zerolog.Logger
}

// New creates a server. bus and collector may be nil.
func New(cfg config.ServerConfig, sc *network.SocketContext, bus *events.EventBus, collector *metrics.Collector) (*Server, error) {
	conns, err := network.NewConnectionList(cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection list: %w", err)
	}
	if _, err := cfg.BindAddress(); err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	return &Server{
		cfg:     cfg,
		appID:   protocol.AppID(cfg.AppID),
		socket:  network.NewSocket(sc, network.WithReuseAddr(cfg.ReuseAddress)),
		conns:   conns,
		session: make([]session, cfg.MaxClients),
		bus:     bus,
		metrics: collector,
		buf:     make([]byte, protocol.MaxPacketSize),
		logger:  util.ComponentLogger("server"),
	}, nil
}

// Open binds the server socket to the configured port.
func (s *Server) Open() error {
	addr, err := s.cfg.BindAddress()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.socket.Open(addr.Port()); err != nil {
		return fmt.Errorf("failed to open server socket on port %d: %w", addr.Port(), err)
	}
	s.startedAt = time.Now()

	local := s.socket.LocalAddr()
	s.logger.Info().
		Str("address", local.String()).
		Int("max_clients", s.conns.MaxClients()).
		Uint16("app_id", uint16(s.appID)).
		Msg("server listening")

	s.emit(events.EventServerStarted, events.ServerStartedPayload{
		Address:    local,
		MaxClients: s.conns.MaxClients(),
	})
	return nil
}

// Start opens the socket and runs the network loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Run ticks the server until ctx is cancelled, then closes it. The tick
// interval is the active refresh while any client is connected and the
// passive refresh otherwise.
func (s *Server) Run(ctx context.Context) error {
	if !s.socket.IsOpen() {
		return ErrNotRunning
	}

	timer := time.NewTimer(s.refreshInterval())
	defer timer.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("server loop stopping")
			return s.Close()
		case now := <-timer.C:
			s.Tick(now.Sub(last))
			last = now
			timer.Reset(s.refreshInterval())
		}
	}
}

func (s *Server) refreshInterval() time.Duration {
	if s.NumClients() > 0 {
		return s.cfg.ActiveRefresh()
	}
	return s.cfg.PassiveRefresh()
}

// Tick drains the socket, then advances every connection by delta:
// keepalives, timeouts and congestion changes.
func (s *Server) Tick(delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.socket.IsOpen() {
		return
	}

	start := time.Now()
	s.receiveAll()
	s.updateConnections(delta)

	s.metrics.SetConnectedClients(s.conns.NumClients())
	s.metrics.ObserveTick(time.Since(start))
}

func (s *Server) receiveAll() {
	for {
		n, from, err := s.socket.Receive(s.buf)
		if err != nil {
			if errors.Is(err, network.ErrWouldBlock) || errors.Is(err, network.ErrSocketClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("receive failed")
			continue
		}
		s.handleDatagram(s.buf[:n], from)
	}
}

func (s *Server) updateConnections(delta time.Duration) {
	sendKeepAlive := false
	if interval := s.cfg.KeepAliveInterval(); interval > 0 {
		s.keepAliveTimer += delta
		if s.keepAliveTimer >= interval {
			s.keepAliveTimer = 0
			s.keepAliveRound++
			sendKeepAlive = true
		}
	}
	timeout := s.cfg.ConnectionTimeout()

	s.conns.ForEachActive(func(idx network.ClientIndex, conn *network.Connection) bool {
		conn.Reliability.OnUpdate(delta)

		if conn.Reliability.SinceLastReceived() > timeout {
			s.logger.Info().
				Str("address", conn.Address.String()).
				Int("index", int(idx)).
				Dur("idle", conn.Reliability.SinceLastReceived()).
				Msg("client timed out")
			s.disconnect(idx, events.ReasonTimeout)
			return true
		}

		congested := conn.Reliability.IsCongested()
		if congested != s.session[idx].congested {
			s.session[idx].congested = congested
			s.logger.Info().
				Str("address", conn.Address.String()).
				Bool("congested", congested).
				Dur("rtt", conn.Reliability.AverageRoundTrip()).
				Msg("congestion changed")
			s.emit(events.EventCongestionChanged, events.CongestionChangedPayload{
				Index:     idx,
				Address:   conn.Address,
				Congested: congested,
				RoundTrip: conn.Reliability.AverageRoundTrip(),
			})
		}

		if sendKeepAlive && (!congested || s.keepAliveRound%congestedKeepAliveRound == 0) {
			if err := s.sendPacket(idx, conn, protocol.PacketKeepAlive, nil); err != nil {
				s.logger.Debug().Err(err).Int("index", int(idx)).Msg("keepalive send failed")
			}
		}
		return true
	})
}

// disconnect releases a slot and reports it. The caller holds mu.
func (s *Server) disconnect(idx network.ClientIndex, reason events.DisconnectReason) {
	conn, err := s.conns.GetConnection(idx)
	if err != nil {
		return
	}
	addr := conn.Address
	stats := conn.Reliability.Stats()
	duration := time.Since(conn.ConnectedAt())
	sess := s.session[idx]

	s.conns.RemoveConnection(idx)
	s.session[idx] = session{}

	s.metrics.Disconnected(reason.String())
	s.logger.Info().
		Str("address", addr.String()).
		Int("index", int(idx)).
		Str("reason", reason.String()).
		Msg("client disconnected")

	s.emit(events.EventClientDisconnected, events.ClientDisconnectedPayload{
		Index:     idx,
		Address:   addr,
		SessionID: sess.id,
		Reason:    reason,
		Duration:  duration,
		Stats:     stats,
	})
}

func (s *Server) emit(typ events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Event{Type: typ, Source: "server", Payload: payload})
}

// Close disconnects every client and closes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.socket.IsOpen() {
		return nil
	}

	s.conns.ForEachActive(func(idx network.ClientIndex, conn *network.Connection) bool {
		s.sendPacket(idx, conn, protocol.PacketDisconnect, nil)
		s.disconnect(idx, events.ReasonShutdown)
		return true
	})
	s.metrics.SetConnectedClients(0)

	s.emit(events.EventShutdown, nil)
	return s.socket.Close()
}

// Running reports whether the socket is open.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket.IsOpen()
}

// NumClients returns the number of connected clients.
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns.NumClients()
}

// MaxClients returns the slot count.
func (s *Server) MaxClients() int {
	return s.conns.MaxClients()
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() network.Address {
	return s.socket.LocalAddr()
}

// Uptime returns the time since Open.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// AppID returns the protocol id the server accepts.
func (s *Server) AppID() protocol.AppID {
	return s.appID
}

// Dropped returns datagrams lost to a full receive queue.
func (s *Server) Dropped() uint64 {
	return s.socket.Dropped()
}

// Snapshot returns every connected peer, ordered by index.
func (s *Server) Snapshot() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ConnectionInfo, 0, s.conns.NumClients())
	s.conns.ForEachActive(func(idx network.ClientIndex, conn *network.Connection) bool {
		infos = append(infos, ConnectionInfo{
			Index:       idx,
			Address:     conn.Address.String(),
			SessionID:   s.session[idx].id,
			ConnectedAt: conn.ConnectedAt(),
			Stats:       conn.Reliability.Stats(),
		})
		return true
	})
	return infos
}
