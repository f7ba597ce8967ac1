package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ClientIndex identifies a slot in a ConnectionList.
type ClientIndex uint8

const (
	// InvalidClientIndex never names a slot.
	InvalidClientIndex ClientIndex = 0xFF
	// MaxClientsLimit is the largest slot count; index 0xFF is reserved.
	MaxClientsLimit = int(InvalidClientIndex)
)

var (
	ErrInvalidMaxClients = errors.New("max clients out of range")
	ErrAtCapacity        = errors.New("connection list at capacity")
	ErrNoFreeSlot        = errors.New("no free connection slot")
	// ErrInactiveConnection means GetConnection was called for an index the
	// caller had not checked with IsConnectionActive. It is a caller bug.
	ErrInactiveConnection = errors.New("connection slot is not active")
)

// Connection pairs a remote address with its reliability state.
type Connection struct {
	Address     Address
	Reliability ReliabilityContext

	active      bool
	connectedAt time.Time
}

// Active reports whether the slot is occupied.
func (c *Connection) Active() bool { return c.active }

// ConnectedAt returns when the current occupant was admitted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// ConnectionList is a fixed table of connection slots. A slot is either
// free or occupied; NumClients always equals the number of occupied slots.
//
// ConnectionList does no locking. Its owner serialises access.
type ConnectionList struct {
	slots      []Connection
	numClients int
	logger     zerolog.Logger
}

// NewConnectionList allocates maxClients free slots.
func NewConnectionList(maxClients int) (*ConnectionList, error) {
	if maxClients < 1 || maxClients > MaxClientsLimit {
		return nil, fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidMaxClients, maxClients, MaxClientsLimit)
	}
	l := &ConnectionList{
		slots:  make([]Connection, maxClients),
		logger: log.With().Str("component", "connections").Logger(),
	}
	for i := range l.slots {
		l.slots[i].Reliability.Reset()
	}
	return l, nil
}

// AddConnection occupies the lowest free slot for addr and resets its
// reliability state. It does not check whether addr already holds a slot;
// callers that need that use IsAddressActive or FindAddress first.
func (l *ConnectionList) AddConnection(addr Address) (ClientIndex, error) {
	if l.numClients >= len(l.slots) {
		l.logger.Warn().Str("address", addr.String()).Int("max_clients", len(l.slots)).Msg("connection rejected: at capacity")
		return InvalidClientIndex, ErrAtCapacity
	}

	for i := range l.slots {
		slot := &l.slots[i]
		if slot.active {
			continue
		}
		slot.active = true
		slot.Address = addr
		slot.connectedAt = time.Now()
		slot.Reliability.Reset()
		l.numClients++

		l.logger.Debug().Str("address", addr.String()).Int("index", i).Msg("connection added")
		return ClientIndex(i), nil
	}

	l.logger.Warn().Str("address", addr.String()).Msg("connection rejected: no free slot")
	return InvalidClientIndex, ErrNoFreeSlot
}

// RemoveConnection frees slot idx. It returns false for an out of range or
// already free index. The slot's address and reliability state are left in
// place until the slot is reused.
func (l *ConnectionList) RemoveConnection(idx ClientIndex) bool {
	if !l.inBounds(idx) {
		l.logger.Warn().Int("index", int(idx)).Msg("remove: index out of bounds")
		return false
	}
	slot := &l.slots[idx]
	if !slot.active {
		l.logger.Warn().Int("index", int(idx)).Msg("remove: slot already free")
		return false
	}
	slot.active = false
	l.numClients--
	l.logger.Debug().Str("address", slot.Address.String()).Int("index", int(idx)).Msg("connection removed")
	return true
}

// GetConnection returns the occupied slot idx.
func (l *ConnectionList) GetConnection(idx ClientIndex) (*Connection, error) {
	if !l.inBounds(idx) || !l.slots[idx].active {
		return nil, fmt.Errorf("%w: index %d", ErrInactiveConnection, idx)
	}
	return &l.slots[idx], nil
}

// IsConnectionActive reports whether idx names an occupied slot. Invalid
// and out of range indices return false.
func (l *ConnectionList) IsConnectionActive(idx ClientIndex) bool {
	if idx == InvalidClientIndex {
		return false
	}
	if !l.inBounds(idx) {
		l.logger.Warn().Int("index", int(idx)).Int("max_clients", len(l.slots)).Msg("index out of bounds")
		return false
	}
	return l.slots[idx].active
}

// IsAddressActive reports whether any occupied slot holds addr.
func (l *ConnectionList) IsAddressActive(addr Address) bool {
	_, ok := l.FindAddress(addr)
	return ok
}

// FindAddress returns the lowest occupied slot holding addr.
func (l *ConnectionList) FindAddress(addr Address) (ClientIndex, bool) {
	for i := range l.slots {
		if l.slots[i].active && l.slots[i].Address == addr {
			return ClientIndex(i), true
		}
	}
	return InvalidClientIndex, false
}

// NumClients returns the number of occupied slots.
func (l *ConnectionList) NumClients() int { return l.numClients }

// MaxClients returns the slot count.
func (l *ConnectionList) MaxClients() int { return len(l.slots) }

// AllConnections returns a copy of every slot, free ones included. Check
// Active before reading a slot's fields.
func (l *ConnectionList) AllConnections() []Connection {
	out := make([]Connection, len(l.slots))
	copy(out, l.slots)
	return out
}

// ForEachActive calls fn for each occupied slot in index order until fn
// returns false. fn may remove the slot it is given.
func (l *ConnectionList) ForEachActive(fn func(ClientIndex, *Connection) bool) {
	for i := range l.slots {
		if !l.slots[i].active {
			continue
		}
		if !fn(ClientIndex(i), &l.slots[i]) {
			return
		}
	}
}

func (l *ConnectionList) inBounds(idx ClientIndex) bool {
	return int(idx) < len(l.slots)
}
