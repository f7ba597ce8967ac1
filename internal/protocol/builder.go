package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs outgoing datagrams.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// WriteHeader writes the fixed packet header.
func (b *PacketBuilder) WriteHeader(h PacketHeader) *PacketBuilder {
	b.WriteUint16(uint16(h.AppID))
	b.WriteByte(byte(h.Type))
	b.WriteByte(h.Client)
	b.WriteUint16(h.Segment.Sequence)
	b.WriteUint16(h.Segment.Ack)
	b.WriteUint32(h.Segment.AckBits)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// BuildPacket assembles a complete datagram from a header and payload.
// Payloads of MaxPayloadSize or more are rejected so the datagram stays below
// MaxPacketSize.
func BuildPacket(h PacketHeader, payload []byte) ([]byte, error) {
	if len(payload) >= MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize-1)
	}
	b := NewPacketBuilder()
	b.buf.Grow(PacketHeaderSize + len(payload))
	b.WriteHeader(h)
	b.WriteBytes(payload)
	return b.Build(), nil
}
