// Package client implements the kgnet client: the connection handshake with
// retries, and the tick loop that keeps a connected session alive.
package client

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
	ErrConnectionDenied = errors.New("connection denied by server")
	ErrConnectTimeout   = errors.New("timed out waiting for server")
	ErrConnectionLost   = errors.New("connection to server lost")
	ErrDisconnected     = errors.New("server closed the connection")
	ErrNotConnected     = errors.New("client is not connected")
)

// Status is the client's connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const congestedKeepAliveRound = 3

// Client talks to one server from an ephemeral local port.
type Client struct {
	mu sync.Mutex

	cfg         config.ServerConfig
	appID       protocol.AppID
	server      network.Address
	socket      *network.Socket
	reliability *network.ReliabilityContext

	status         Status
	index          network.ClientIndex
	congested      bool
	keepAliveTimer time.Duration
	keepAliveRound uint64

	bus     *events.EventBus
	metrics *metrics.Collector

	buf    []byte
	logger zerolog.Logger
}

// New creates a client for the server named by cfg. bus and collector may
// be nil.
func New(cfg config.ServerConfig, sc *network.SocketContext, bus *events.EventBus, collector *metrics.Collector) (*Client, error) {
	target, err := cfg.TargetAddress()
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	return &Client{
		cfg:         cfg,
		appID:       protocol.AppID(cfg.AppID),
		server:      target,
		socket:      network.NewSocket(sc),
		reliability: network.NewReliabilityContext(),
		index:       network.InvalidClientIndex,
		bus:         bus,
		metrics:     collector,
		buf:         make([]byte, protocol.MaxPacketSize),
		logger:      util.ComponentLogger("client").With().Str("server", target.String()).Logger(),
	}, nil
}

// Connect sends connection requests every RequestConnectionFrequency until
// the server accepts or denies, or ConnectionTimeout passes.
func (c *Client) Connect(ctx context.Context) (network.ClientIndex, error) {
	c.mu.Lock()
	if !c.socket.IsOpen() {
		if err := c.socket.Open(0); err != nil {
			c.mu.Unlock()
			return network.InvalidClientIndex, fmt.Errorf("failed to open client socket: %w", err)
		}
	}
	c.status = StatusConnecting
	c.sendRequest()
	c.mu.Unlock()

	timeout := time.NewTimer(c.cfg.ConnectionTimeout())
	defer timeout.Stop()
	retry := time.NewTicker(c.cfg.RequestConnectionFrequency())
	defer retry.Stop()
	poll := time.NewTicker(c.cfg.ActiveRefresh())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return network.InvalidClientIndex, ctx.Err()
		case <-timeout.C:
			c.setStatus(StatusDisconnected)
			c.logger.Warn().Dur("timeout", c.cfg.ConnectionTimeout()).Msg("failed to connect to the server")
			return network.InvalidClientIndex, ErrConnectTimeout
		case <-retry.C:
			c.mu.Lock()
			c.sendRequest()
			c.mu.Unlock()
		case <-poll.C:
			idx, done, err := c.pollHandshake()
			if done {
				return idx, err
			}
		}
	}
}

func (c *Client) sendRequest() {
	var payload []byte
	if c.cfg.HasValidationSecrets() {
		payload = protocol.ValidationPayload(c.cfg.ValidationSecrets)
	}
	h := protocol.PacketHeader{AppID: c.appID, Type: protocol.PacketConnectionRequest, Client: uint8(network.InvalidClientIndex)}
	c.sendRaw(h, payload)
}

func (c *Client) pollHandshake() (network.ClientIndex, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		h, payload, ok := c.next()
		if !ok {
			return network.InvalidClientIndex, false, nil
		}
		switch h.Type {
		case protocol.PacketConnectionSuccess:
			c.index = network.ClientIndex(h.Client)
			c.status = StatusConnected
			c.reliability.Reset()
			c.keepAliveTimer = 0
			c.logger.Info().Int("index", int(c.index)).Msg("connected to server")
			c.emit(events.EventConnectedToServer, events.ConnectedToServerPayload{Index: c.index, Server: c.server})
			return c.index, true, nil
		case protocol.PacketConnectionDenied:
			c.status = StatusDisconnected
			reason := string(payload)
			c.logger.Warn().Str("reason", reason).Msg("connection denied")
			if reason == "" {
				return network.InvalidClientIndex, true, ErrConnectionDenied
			}
			return network.InvalidClientIndex, true, fmt.Errorf("%w: %s", ErrConnectionDenied, reason)
		}
	}
}

// next returns the next packet from the server, skipping everything else.
// The caller holds mu.
func (c *Client) next() (protocol.PacketHeader, []byte, bool) {
	for {
		n, from, err := c.socket.Receive(c.buf)
		if err != nil {
			if !errors.Is(err, network.ErrWouldBlock) && !errors.Is(err, network.ErrSocketClosed) {
				c.logger.Warn().Err(err).Msg("receive failed")
				continue
			}
			return protocol.PacketHeader{}, nil, false
		}
		if from != c.server {
			c.metrics.PacketDropped(metrics.DropUnknownSender)
			continue
		}
		h, payload, err := protocol.ParsePacket(c.buf[:n])
		if err != nil {
			c.metrics.PacketDropped(metrics.DropShort)
			continue
		}
		if h.AppID != c.appID {
			c.metrics.PacketDropped(metrics.DropForeignAppID)
			continue
		}
		return h, payload, true
	}
}

// Run ticks the connected client at the active refresh rate until ctx is
// cancelled or the connection ends.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ActiveRefresh())
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := c.Tick(now.Sub(last)); err != nil {
				return err
			}
			last = now
		}
	}
}

// Tick processes pending packets and advances timers by delta. It returns
// ErrConnectionLost when the server has been silent past the timeout, and
// ErrDisconnected when the server ended the session.
func (c *Client) Tick(delta time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected {
		return ErrNotConnected
	}

	for {
		h, payload, ok := c.next()
		if !ok {
			break
		}
		if protocol.IsConnectionManagement(h.Type) {
			continue
		}
		acks, accepted := c.reliability.ProcessSegment(h.Segment)
		if !accepted {
			c.metrics.PacketDropped(metrics.DropDuplicate)
			continue
		}
		for _, a := range acks {
			c.metrics.Acked(a.RoundTrip)
		}
		c.metrics.PacketReceived(h.Type.String(), protocol.PacketHeaderSize+len(payload))

		switch h.Type {
		case protocol.PacketMessage:
			msg := &protocol.Message{}
			if err := msg.UnmarshalBinary(payload); err != nil {
				c.metrics.PacketDropped(metrics.DropBadMessage)
				continue
			}
			c.emit(events.EventMessageReceived, events.MessageReceivedPayload{
				Index:   c.index,
				Address: c.server,
				Message: msg,
			})
		case protocol.PacketDisconnect:
			c.status = StatusDisconnected
			c.logger.Info().Msg("server closed the connection")
			return ErrDisconnected
		}
	}

	c.reliability.OnUpdate(delta)
	if idle := c.reliability.SinceLastReceived(); idle > c.cfg.ConnectionTimeout() {
		c.status = StatusDisconnected
		c.logger.Warn().Dur("idle", idle).Msg("connection to server lost")
		c.emit(events.EventConnectionLost, events.ConnectionLostPayload{Server: c.server, Idle: idle})
		return ErrConnectionLost
	}

	c.congested = c.reliability.IsCongested()
	c.keepAliveTimer += delta
	if c.keepAliveTimer >= c.cfg.KeepAliveInterval() {
		c.keepAliveTimer = 0
		c.keepAliveRound++
		if !c.congested || c.keepAliveRound%congestedKeepAliveRound == 0 {
			if err := c.send(protocol.PacketKeepAlive, nil); err != nil {
				c.logger.Debug().Err(err).Msg("keepalive send failed")
			}
		}
	}
	return nil
}

// SendMessage sends msg to the server.
func (c *Client) SendMessage(msg *protocol.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return ErrNotConnected
	}
	return c.send(protocol.PacketMessage, data)
}

// send stamps a segment and sends a sequenced packet. The caller holds mu.
func (c *Client) send(typ protocol.PacketType, payload []byte) error {
	h := protocol.PacketHeader{
		AppID:   c.appID,
		Type:    typ,
		Client:  uint8(c.index),
		Segment: c.reliability.InsertSegment(),
	}
	return c.sendRaw(h, payload)
}

func (c *Client) sendRaw(h protocol.PacketHeader, payload []byte) error {
	data, err := protocol.BuildPacket(h, payload)
	if err != nil {
		return err
	}
	if err := c.socket.Send(c.server, data); err != nil {
		return err
	}
	c.metrics.PacketSent(h.Type.String(), len(data))
	return nil
}

func (c *Client) emit(typ events.EventType, payload interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(events.Event{Type: typ, Source: "client", Payload: payload})
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Close tells a connected server we are leaving and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusConnected {
		if err := c.send(protocol.PacketDisconnect, nil); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send disconnect")
		}
	}
	c.status = StatusDisconnected
	c.index = network.InvalidClientIndex
	return c.socket.Close()
}

// Status returns the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Index returns the slot the server assigned, or InvalidClientIndex.
func (c *Client) Index() network.ClientIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Server returns the server address.
func (c *Client) Server() network.Address {
	return c.server
}

// LocalAddr returns the client's bound address.
func (c *Client) LocalAddr() network.Address {
	return c.socket.LocalAddr()
}

// Stats returns the reliability counters for the server session.
func (c *Client) Stats() network.ReliabilityStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reliability.Stats()
}
