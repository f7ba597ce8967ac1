package server

import (
	"fmt"

	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
)

// sendPacket stamps a reliability segment and sends to one client. The
// caller holds mu.
func (s *Server) sendPacket(idx network.ClientIndex, conn *network.Connection, typ protocol.PacketType, payload []byte) error {
	h := protocol.PacketHeader{
		AppID:   s.appID,
		Type:    typ,
		Client:  uint8(idx),
		Segment: conn.Reliability.InsertSegment(),
	}
	data, err := protocol.BuildPacket(h, payload)
	if err != nil {
		return err
	}
	if err := s.socket.Send(conn.Address, data); err != nil {
		return err
	}
	s.metrics.PacketSent(typ.String(), len(data))
	return nil
}

// sendManagement sends a handshake packet, which carries no segment.
func (s *Server) sendManagement(to network.Address, typ protocol.PacketType, idx network.ClientIndex, payload []byte) {
	h := protocol.PacketHeader{AppID: s.appID, Type: typ, Client: uint8(idx)}
	data, err := protocol.BuildPacket(h, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ.String()).Msg("failed to build packet")
		return
	}
	if err := s.socket.Send(to, data); err != nil {
		s.logger.Warn().Err(err).Str("to", to.String()).Str("type", typ.String()).Msg("failed to send packet")
		return
	}
	s.metrics.PacketSent(typ.String(), len(data))
}

// SendTo sends a sequenced packet to the client at idx.
func (s *Server) SendTo(idx network.ClientIndex, typ protocol.PacketType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendToLocked(idx, typ, payload)
}

func (s *Server) sendToLocked(idx network.ClientIndex, typ protocol.PacketType, payload []byte) error {
	if !s.socket.IsOpen() {
		return ErrNotRunning
	}
	if int(idx) >= s.conns.MaxClients() || !s.conns.IsConnectionActive(idx) {
		return fmt.Errorf("%w %d", ErrUnknownClient, idx)
	}
	conn, err := s.conns.GetConnection(idx)
	if err != nil {
		return err
	}
	return s.sendPacket(idx, conn, typ, payload)
}

// SendMessage encodes msg and sends it to the client at idx.
func (s *Server) SendMessage(idx network.ClientIndex, msg *protocol.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return s.SendTo(idx, protocol.PacketMessage, data)
}

// Broadcast sends msg to every connected client and returns the number
// reached.
func (s *Server) Broadcast(msg *protocol.Message) (int, error) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.socket.IsOpen() {
		return 0, ErrNotRunning
	}

	sent := 0
	var firstErr error
	s.conns.ForEachActive(func(idx network.ClientIndex, conn *network.Connection) bool {
		if err := s.sendPacket(idx, conn, protocol.PacketMessage, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		sent++
		return true
	})
	return sent, firstErr
}

// Kick tells the client at idx to leave and frees its slot.
func (s *Server) Kick(idx network.ClientIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sendToLocked(idx, protocol.PacketDisconnect, nil); err != nil {
		return err
	}
	s.disconnect(idx, events.ReasonKicked)
	return nil
}
