package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MessageType identifies the semantic kind of a Message. The values are
// owned by the game layer; this package only carries them.
type MessageType uint32

const (
	MsgAcceptConnection MessageType = iota
	MsgDenyConnection
	MsgServerPing
	MsgMessageAll
	MsgServerMessage
	MsgClientChat
	MsgServerChat
	MsgKeepAlive
	MsgUDPInit

	MsgRequestUserCount
	MsgUpdateUserCount
	MsgUpdateSessionUserSlot
	MsgLeaveCurrentSession
	MsgUserLeftSession

	// Session
	MsgRequestJoinSession
	MsgApproveJoinSession
	MsgDenyJoinSession
	MsgCurrentSessionInit
	MsgStartSession
	MsgInitSyncPing
	MsgSessionReadyCheck
	MsgSessionReadyCheckConfirm
	MsgEnableReadyCheck

	// Entity updates
	MsgSendAllEntityLocation
	MsgUpdateEntityLocation
	MsgSendAllEntityPhysics
	MsgUpdateEntityPhysics
	MsgSignalAll
	MsgReceiveSignal
)

// MessageHeaderSize is the encoded size of a MessageHeader: [id:4][payload_size:8].
const MessageHeaderSize = 4 + 8

// fieldLengthSize is the trailing length written after every appended field.
const fieldLengthSize = 8

var (
	// ErrPayloadUnderflow is returned when a read asks for more bytes than remain.
	ErrPayloadUnderflow = errors.New("payload underflow")
	// ErrMessageSize is returned when an encoded message disagrees with its header.
	ErrMessageSize = errors.New("message size mismatch")
)

// MessageHeader precedes every encoded Message.
type MessageHeader struct {
	ID          MessageType
	PayloadSize uint64
}

// Message is a header plus a payload built as a stack of fields. Each
// AppendPayload pushes [data][len(data) as uint64] onto the end, and reads
// pop from the end, so fields come back in reverse order of writing. There
// are no type tags: readers must mirror the writer's order exactly.
//
// Header.PayloadSize always equals the payload length.
type Message struct {
	Header  MessageHeader
	payload []byte
}

// NewMessage returns an empty message of the given kind.
func NewMessage(id MessageType) *Message {
	return &Message{Header: MessageHeader{ID: id}}
}

func (m *Message) sync() {
	m.Header.PayloadSize = uint64(len(m.payload))
}

// AppendPayload pushes data followed by its length.
func (m *Message) AppendPayload(data []byte) {
	m.payload = append(m.payload, data...)
	m.payload = binary.LittleEndian.AppendUint64(m.payload, uint64(len(data)))
	m.sync()
}

// GetPayloadCopy removes the last size bytes of the payload and returns a
// copy of them. It does not interpret the trailing length field; callers that
// framed the data with AppendPayload should use PopField.
func (m *Message) GetPayloadCopy(size uint64) ([]byte, error) {
	if size > uint64(len(m.payload)) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrPayloadUnderflow, size, len(m.payload))
	}
	cut := uint64(len(m.payload)) - size
	out := make([]byte, size)
	copy(out, m.payload[cut:])
	m.payload = m.payload[:cut]
	m.sync()
	return out, nil
}

// PopField removes the most recently appended field and returns its data.
func (m *Message) PopField() ([]byte, error) {
	raw, err := m.GetPayloadCopy(fieldLengthSize)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(raw)
	data, err := m.GetPayloadCopy(size)
	if err != nil {
		// Put the length back so a failed pop leaves the message unchanged.
		m.payload = append(m.payload, raw...)
		m.sync()
		return nil, err
	}
	return data, nil
}

// StorePayload replaces the payload with a copy of data.
func (m *Message) StorePayload(data []byte) {
	m.payload = append(m.payload[:0:0], data...)
	m.sync()
}

// Payload returns the raw payload. The slice must not be modified.
func (m *Message) Payload() []byte {
	return m.payload
}

// PayloadSize returns the payload length in bytes.
func (m *Message) PayloadSize() uint64 {
	return m.Header.PayloadSize
}

// GetEntireMessageSize returns the encoded size of header plus payload.
func (m *Message) GetEntireMessageSize() int {
	return MessageHeaderSize + len(m.payload)
}

// AppendString pushes a string field.
func (m *Message) AppendString(s string) {
	m.AppendPayload([]byte(s))
}

// PopString pops a string field.
func (m *Message) PopString() (string, error) {
	data, err := m.PopField()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AppendUint32 pushes a uint32 field.
func (m *Message) AppendUint32(v uint32) {
	m.AppendPayload(binary.LittleEndian.AppendUint32(nil, v))
}

// PopUint32 pops a uint32 field.
func (m *Message) PopUint32() (uint32, error) {
	data, err := m.popFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// AppendUint64 pushes a uint64 field.
func (m *Message) AppendUint64(v uint64) {
	m.AppendPayload(binary.LittleEndian.AppendUint64(nil, v))
}

// PopUint64 pops a uint64 field.
func (m *Message) PopUint64() (uint64, error) {
	data, err := m.popFixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// AppendFloat32 pushes a float32 field.
func (m *Message) AppendFloat32(v float32) {
	m.AppendUint32(math.Float32bits(v))
}

// PopFloat32 pops a float32 field.
func (m *Message) PopFloat32() (float32, error) {
	v, err := m.PopUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (m *Message) popFixed(size int) ([]byte, error) {
	data, err := m.PopField()
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: field is %d bytes, want %d", ErrMessageSize, len(data), size)
	}
	return data, nil
}

// MarshalBinary encodes the message as [id:4][payload_size:8][payload].
func (m *Message) MarshalBinary() ([]byte, error) {
	b := NewPacketBuilder()
	b.buf.Grow(m.GetEntireMessageSize())
	b.WriteUint32(uint32(m.Header.ID))
	b.WriteUint64(m.Header.PayloadSize)
	b.WriteBytes(m.payload)
	return b.Build(), nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary. The declared
// payload size must match the remaining bytes exactly.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < MessageHeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrMessageSize, len(data))
	}
	id := MessageType(binary.LittleEndian.Uint32(data[0:4]))
	size := binary.LittleEndian.Uint64(data[4:MessageHeaderSize])
	body := data[MessageHeaderSize:]
	if size != uint64(len(body)) {
		return fmt.Errorf("%w: header says %d, got %d", ErrMessageSize, size, len(body))
	}
	m.Header.ID = id
	m.StorePayload(body)
	return nil
}
