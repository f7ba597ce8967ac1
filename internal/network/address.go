// Package network implements the UDP transport and per-peer connection
// state for kgnet: IPv4 addresses, the non-blocking Socket and its
// platform context, the fixed-capacity ConnectionList, and the
// ack-based ReliabilityContext.
package network

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Address is an immutable IPv4 endpoint. Two addresses are equal when both
// host and port match, so Address works with == and as a map key.
type Address struct {
	host uint32
	port uint16
}

// NewAddress builds an address from a host-order IPv4 value and port.
func NewAddress(host uint32, port uint16) Address {
	return Address{host: host, port: port}
}

// NewAddressFromOctets builds a.b.c.d:port.
func NewAddressFromOctets(a, b, c, d byte, port uint16) Address {
	return Address{host: binary.BigEndian.Uint32([]byte{a, b, c, d}), port: port}
}

// AddressFromUDP converts a resolved UDP address. Only IPv4 is supported.
func AddressFromUDP(addr *net.UDPAddr) (Address, error) {
	if addr == nil {
		return Address{}, fmt.Errorf("nil UDP address")
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("address %s is not IPv4", addr.IP)
	}
	if addr.Port < 0 || addr.Port > 0xFFFF {
		return Address{}, fmt.Errorf("port %d out of range", addr.Port)
	}
	return Address{host: binary.BigEndian.Uint32(ip4), port: uint16(addr.Port)}, nil
}

// ParseAddress parses "a.b.c.d:port".
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return Address{}, fmt.Errorf("address %q is not IPv4", s)
	}
	b := ip.As4()
	return Address{host: binary.BigEndian.Uint32(b[:]), port: ap.Port()}, nil
}

// Host returns the IPv4 address in host byte order.
func (a Address) Host() uint32 { return a.host }

// Port returns the port.
func (a Address) Port() uint16 { return a.port }

// Octets returns the four dotted-quad components.
func (a Address) Octets() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a.host)
	return b
}

// Equal reports whether a and o name the same endpoint.
func (a Address) Equal(o Address) bool { return a == o }

// IsZero reports whether a is the zero address 0.0.0.0:0.
func (a Address) IsZero() bool { return a == Address{} }

// UDPAddr converts a to a *net.UDPAddr for the standard library.
func (a Address) UDPAddr() *net.UDPAddr {
	o := a.Octets()
	return &net.UDPAddr{IP: net.IPv4(o[0], o[1], o[2], o[3]), Port: int(a.port)}
}

// String formats a as "a.b.c.d:port".
func (a Address) String() string {
	o := a.Octets()
	return fmt.Sprintf("%d.%d.%d.%d:%d", o[0], o[1], o[2], o[3], a.port)
}
