package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is returned for datagrams smaller than the packet header.
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrUnknownPacketType is returned when the type byte is not a known PacketType.
	ErrUnknownPacketType = errors.New("unknown packet type")
	// ErrPayloadTooLarge is returned when a payload does not fit in one datagram.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// ParseHeader decodes the fixed header at the start of data.
func ParseHeader(data []byte) (PacketHeader, error) {
	if len(data) < PacketHeaderSize {
		return PacketHeader{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	h := PacketHeader{
		AppID:  AppID(binary.LittleEndian.Uint16(data[0:appIDSize])),
		Type:   PacketType(data[appIDSize]),
		Client: data[appIDSize+packetTypeSize],
	}
	seg := data[segmentOffset:PacketHeaderSize]
	h.Segment = ReliabilitySegment{
		Sequence: binary.LittleEndian.Uint16(seg[0:2]),
		Ack:      binary.LittleEndian.Uint16(seg[2:4]),
		AckBits:  binary.LittleEndian.Uint32(seg[4:8]),
	}

	if !h.Type.Valid() {
		return h, fmt.Errorf("%w: 0x%02X", ErrUnknownPacketType, uint8(h.Type))
	}
	return h, nil
}

// ParsePacket decodes a datagram into its header and payload. The payload
// aliases data.
func ParsePacket(data []byte) (PacketHeader, []byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return h, nil, err
	}
	return h, data[PacketHeaderSize:], nil
}

// ParseValidationPayload decodes the secrets written by ValidationPayload.
func ParseValidationPayload(payload []byte) ([4]uint64, bool) {
	var secrets [4]uint64
	if len(payload) < ValidationPayloadSize {
		return secrets, false
	}
	for i := range secrets {
		secrets[i] = binary.LittleEndian.Uint64(payload[i*8:])
	}
	return secrets, true
}
