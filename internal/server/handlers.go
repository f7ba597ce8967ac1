package server

import (
	"errors"

	"github.com/google/uuid"

	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/metrics"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
)

// Denial reasons, sent as the ConnectionDenied payload.
const (
	DenyAtCapacity     = "at_capacity"
	DenyNoFreeSlot     = "no_free_slot"
	DenyInvalidSecrets = "invalid_secrets"
)

// handleDatagram routes one datagram. The caller holds mu.
func (s *Server) handleDatagram(data []byte, from network.Address) {
	h, payload, err := protocol.ParsePacket(data)
	if errors.Is(err, protocol.ErrShortPacket) {
		s.metrics.PacketDropped(metrics.DropShort)
		return
	}
	if h.AppID != s.appID {
		s.metrics.PacketDropped(metrics.DropForeignAppID)
		return
	}
	if err != nil {
		s.metrics.PacketDropped(metrics.DropUnknownType)
		s.logger.Debug().Err(err).Str("from", from.String()).Msg("dropping packet")
		return
	}

	idx := network.ClientIndex(h.Client)
	if int(idx) < s.conns.MaxClients() && s.conns.IsConnectionActive(idx) {
		conn, _ := s.conns.GetConnection(idx)
		if conn.Address == from {
			s.handleClientPacket(idx, conn, h, payload, len(data))
			return
		}
	}
	s.handleUnknownSender(h, payload, from)
}

func (s *Server) handleClientPacket(idx network.ClientIndex, conn *network.Connection, h protocol.PacketHeader, payload []byte, size int) {
	if protocol.IsConnectionManagement(h.Type) {
		if h.Type == protocol.PacketConnectionRequest {
			s.repeatSuccess(idx, conn)
		}
		return
	}

	acks, ok := conn.Reliability.ProcessSegment(h.Segment)
	if !ok {
		s.metrics.PacketDropped(metrics.DropDuplicate)
		return
	}
	for _, a := range acks {
		s.metrics.Acked(a.RoundTrip)
	}
	s.metrics.PacketReceived(h.Type.String(), size)

	switch h.Type {
	case protocol.PacketKeepAlive:
	case protocol.PacketMessage:
		msg := &protocol.Message{}
		if err := msg.UnmarshalBinary(payload); err != nil {
			s.metrics.PacketDropped(metrics.DropBadMessage)
			s.logger.Debug().Err(err).Int("index", int(idx)).Msg("dropping malformed message")
			return
		}
		s.emit(events.EventMessageReceived, events.MessageReceivedPayload{
			Index:   idx,
			Address: conn.Address,
			Message: msg,
		})
	case protocol.PacketDisconnect:
		s.disconnect(idx, events.ReasonClientRequest)
	}
}

// handleUnknownSender admits new peers. Only ConnectionRequest is accepted
// from an address that does not own the slot named in the header.
func (s *Server) handleUnknownSender(h protocol.PacketHeader, payload []byte, from network.Address) {
	if h.Type != protocol.PacketConnectionRequest {
		s.metrics.PacketDropped(metrics.DropUnknownSender)
		return
	}

	if idx, ok := s.conns.FindAddress(from); ok {
		conn, _ := s.conns.GetConnection(idx)
		s.repeatSuccess(idx, conn)
		return
	}

	if s.cfg.HasValidationSecrets() {
		secrets, ok := protocol.ParseValidationPayload(payload)
		if !ok || secrets != s.cfg.ValidationSecrets {
			s.deny(from, DenyInvalidSecrets)
			return
		}
	}

	idx, err := s.conns.AddConnection(from)
	if err != nil {
		reason := DenyNoFreeSlot
		if errors.Is(err, network.ErrAtCapacity) {
			reason = DenyAtCapacity
		}
		s.deny(from, reason)
		return
	}

	id := uuid.NewString()
	s.session[idx] = session{id: id}
	s.sendManagement(from, protocol.PacketConnectionSuccess, idx, nil)

	s.metrics.ConnectionAdmitted()
	s.logger.Info().
		Str("address", from.String()).
		Int("index", int(idx)).
		Str("session", id).
		Int("clients", s.conns.NumClients()).
		Msg("client connected")

	s.emit(events.EventClientConnected, events.ClientConnectedPayload{
		Index:     idx,
		Address:   from,
		SessionID: id,
	})
}

// repeatSuccess answers a request from a peer that already holds idx.
// Before any sequenced traffic it is a retransmission by a peer that missed
// the reply. After it, the peer restarted on the same address and numbers
// from zero again, so the slot's sequence state starts over.
func (s *Server) repeatSuccess(idx network.ClientIndex, conn *network.Connection) {
	if conn.Reliability.Stats().Received > 0 {
		conn.Reliability.Reset()
		s.logger.Info().
			Str("address", conn.Address.String()).
			Int("index", int(idx)).
			Msg("peer restarted, sequence state reset")
	}
	s.sendManagement(conn.Address, protocol.PacketConnectionSuccess, idx, nil)
}

func (s *Server) deny(to network.Address, reason string) {
	s.sendManagement(to, protocol.PacketConnectionDenied, network.InvalidClientIndex, []byte(reason))
	s.metrics.ConnectionDenied(reason)
	s.logger.Warn().Str("address", to.String()).Str("reason", reason).Msg("connection denied")
	s.emit(events.EventConnectionDenied, events.ConnectionDeniedPayload{Address: to, Reason: reason})
}
