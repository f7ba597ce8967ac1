// Package protocol implements the binary wire format shared by the kgnet
// server and client: the fixed packet header with its reliability segment,
// and the LIFO-framed Message payload carried inside Message packets.
// All multi-byte fields are little-endian.
package protocol

import "fmt"

// AppID identifies the application protocol. Packets carrying a different
// AppID are foreign traffic and are dropped on receipt.
type AppID uint16

// PacketType is the packet discriminant that follows the AppID.
type PacketType uint8

const (
	PacketKeepAlive         PacketType = iota // Liveness ping, no payload
	PacketConnectionRequest                   // Client asks for a slot
	PacketConnectionSuccess                   // Server assigned a slot
	PacketConnectionDenied                    // Server is full or rejected the request
	PacketMessage                             // Payload is an encoded Message
	PacketDisconnect                          // Peer is leaving
	packetTypeCount
)

var packetTypeNames = [...]string{
	PacketKeepAlive:         "keep_alive",
	PacketConnectionRequest: "connection_request",
	PacketConnectionSuccess: "connection_success",
	PacketConnectionDenied:  "connection_denied",
	PacketMessage:           "message",
	PacketDisconnect:        "disconnect",
}

// String returns the lowercase name used in logs and metric labels.
func (t PacketType) String() string {
	if t < packetTypeCount {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t < packetTypeCount
}

// IsConnectionManagement reports whether packets of this type belong to the
// handshake. Such packets are not sequenced and carry a zero reliability segment.
func IsConnectionManagement(t PacketType) bool {
	switch t {
	case PacketConnectionRequest, PacketConnectionSuccess, PacketConnectionDenied:
		return true
	default:
		return false
	}
}

// Header layout: [app_id:2][type:1][client:1][seq:2][ack:2][ack_bits:4]
const (
	appIDSize        = 2
	packetTypeSize   = 1
	clientIndexSize  = 1
	SegmentSize      = 8
	PacketHeaderSize = appIDSize + packetTypeSize + clientIndexSize + SegmentSize
	segmentOffset    = appIDSize + packetTypeSize + clientIndexSize
	MaxPacketSize    = 1200
	MaxPayloadSize   = MaxPacketSize - PacketHeaderSize
	MaxDatagramSize  = 65535
)

// ReliabilitySegment is the sequencing block stamped into every non-management
// packet: the sender's sequence number, the latest remote sequence it has seen,
// and a bitfield acknowledging the 32 sequences up to and including Ack.
type ReliabilitySegment struct {
	Sequence uint16
	Ack      uint16
	AckBits  uint32
}

// PacketHeader is the decoded fixed-size prefix of every datagram.
type PacketHeader struct {
	AppID   AppID
	Type    PacketType
	Client  uint8
	Segment ReliabilitySegment
}

// ValidationPayload encodes the four 64-bit validation secrets sent with a
// ConnectionRequest.
func ValidationPayload(secrets [4]uint64) []byte {
	b := NewPacketBuilder()
	for _, s := range secrets {
		b.WriteUint64(s)
	}
	return b.Build()
}

// ValidationPayloadSize is the length of a ValidationPayload.
const ValidationPayloadSize = 4 * 8
