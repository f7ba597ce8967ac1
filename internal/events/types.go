// Package events defines the event queue that carries connection events from
// the network loop to the rest of the process.
package events

import (
	"time"

	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Server side
	EventServerStarted      EventType = "server_started"
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventConnectionDenied   EventType = "connection_denied"
	EventCongestionChanged  EventType = "congestion_changed"

	// Both sides
	EventMessageReceived EventType = "message_received"

	// Client side
	EventConnectedToServer EventType = "connected_to_server"
	EventConnectionLost    EventType = "connection_lost"

	// System
	EventHealthChanged EventType = "health_changed"
	EventShutdown      EventType = "shutdown"
)

// DisconnectReason says why a slot was released.
type DisconnectReason int

const (
	ReasonTimeout DisconnectReason = iota
	ReasonClientRequest
	ReasonKicked
	ReasonShutdown
)

var disconnectReasonStrings = map[DisconnectReason]string{
	ReasonTimeout:       "timeout",
	ReasonClientRequest: "client_request",
	ReasonKicked:        "kicked",
	ReasonShutdown:      "shutdown",
}

func (r DisconnectReason) String() string {
	if s, ok := disconnectReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes DisconnectReason as a JSON string (e.g. "timeout").
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ServerStartedPayload is emitted once the server socket is bound.
type ServerStartedPayload struct {
	Address    network.Address
	MaxClients int
}

// ClientConnectedPayload is emitted when a peer is given a slot.
type ClientConnectedPayload struct {
	Index     network.ClientIndex
	Address   network.Address
	SessionID string
}

// ClientDisconnectedPayload is emitted when a slot is released.
type ClientDisconnectedPayload struct {
	Index     network.ClientIndex
	Address   network.Address
	SessionID string
	Reason    DisconnectReason
	Duration  time.Duration
	Stats     network.ReliabilityStats
}

// ConnectionDeniedPayload is emitted when a connection request is refused.
type ConnectionDeniedPayload struct {
	Address network.Address
	Reason  string
}

// MessageReceivedPayload carries one application message from a peer.
// On the client, Index is the client's own slot on the server.
type MessageReceivedPayload struct {
	Index   network.ClientIndex
	Address network.Address
	Message *protocol.Message
}

// CongestionChangedPayload is emitted when a peer's congestion flag flips.
type CongestionChangedPayload struct {
	Index     network.ClientIndex
	Address   network.Address
	Congested bool
	RoundTrip time.Duration
}

// ConnectedToServerPayload is emitted by the client after a successful handshake.
type ConnectedToServerPayload struct {
	Index  network.ClientIndex
	Server network.Address
}

// ConnectionLostPayload is emitted by the client when the server goes silent.
type ConnectionLostPayload struct {
	Server network.Address
	Idle   time.Duration
}

// HealthChangedPayload is emitted when the overall health status changes.
type HealthChangedPayload struct {
	Status   string
	Previous string
	Failing  []string
}
