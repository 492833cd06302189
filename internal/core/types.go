// Package core defines core types with minimal external dependencies.
package core

import (
	"net/netip"
)

// TCP flag bits (lower 6 bits of byte 13 of the TCP header).
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
	TCPFlagURG uint8 = 0x20
)

// IP protocol numbers.
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// Endpoint is one side of a transport conversation.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpoint builds an endpoint from an address and port.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr.Unmap(), Port: port}
}

// ParseEndpoint parses "ip:port" (IPv6 in brackets).
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	return NewEndpoint(ap.Addr(), ap.Port()), nil
}

// IsValid reports whether the endpoint has an address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// Less orders endpoints by address then port.
func (e Endpoint) Less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "-"
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Host returns the address without the port.
func (e Endpoint) Host() string {
	if !e.Addr.IsValid() {
		return "-"
	}
	return e.Addr.String()
}

// FlowKey identifies a conversation regardless of direction: the two
// endpoints are stored in sorted order.
type FlowKey struct {
	A, B Endpoint
}

// NewFlowKey returns the unordered key for a packet travelling src -> dst.
func NewFlowKey(src, dst Endpoint) FlowKey {
	if dst.Less(src) {
		src, dst = dst, src
	}
	return FlowKey{A: src, B: dst}
}

func (k FlowKey) String() string {
	return k.A.String() + "<->" + k.B.String()
}
