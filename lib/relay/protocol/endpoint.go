package protocol

import (
	"fmt"
	"net"
)

// EndpointProtocol identifies the transport a node advertises an Endpoint
// over. The relay only ever emits EndpointUDP, but the wire enumeration
// carries TCP too so that clients talking to each other out-of-band can use
// the same Endpoint type.
type EndpointProtocol uint8

const (
	EndpointUDP EndpointProtocol = iota
	EndpointTCP
)

func (p EndpointProtocol) String() string {
	if p == EndpointTCP {
		return "TCP"
	}
	return "UDP"
}

// Endpoint is a protocol/address pair a node can be reached at.
type Endpoint struct {
	Protocol EndpointProtocol
	Address  *net.UDPAddr
}

// NewUDPEndpoint wraps a UDP address as a verified endpoint.
func NewUDPEndpoint(addr *net.UDPAddr) Endpoint {
	return Endpoint{Protocol: EndpointUDP, Address: addr}
}

func (e Endpoint) String() string {
	if e.Address == nil {
		return fmt.Sprintf("%s:<nil>", e.Protocol)
	}
	return fmt.Sprintf("%s:%s", e.Protocol, e.Address.String())
}
