// Copyright (C) 2024 The relaysrv Authors.

package server

import (
	"net"
	"time"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

// probePingRequestID is the request id the probe's Request{Ping} carries.
// The probe is out-of-band of the handshake's own request id sequence, so
// a fixed sentinel is fine; the response is matched by source address, not
// by request id.
const probePingRequestID protocol.RequestID = 0

// probePublicEndpoints checks whether addr — the source address a node's
// Register request arrived from — is reachable on a socket other than the
// main relay socket, by sending it a tagged Request{Ping} and waiting for
// Response{Pong} for up to probeTimeout. It always binds a fresh ephemeral
// port: a reply can only arrive because the node's NAT accepts unsolicited
// traffic addressed to that mapping regardless of sender, which is what
// makes addr usable as a public endpoint for direct (non-relayed) traffic
// between peers. A timeout or malformed reply fails the probe, which per
// the handshake's failure modes fails registration outright with
// Timeout::Ping rather than silently registering with no endpoints.
func (s *Server) probePublicEndpoints(sid protocol.SessionID, addr *net.UDPAddr) ([]protocol.Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errInternal(ReasonProbeFailed, err)
	}
	defer conn.Close()

	ping := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: probePingRequestID,
			Kind:      protocol.ReqPing,
			Ping:      &protocol.PingRequest{},
		},
	}
	encoded, err := protocol.Encode(ping)
	if err != nil {
		return nil, errInternal(ReasonProbeFailed, err)
	}
	if _, err := conn.WriteToUDP(encoded, addr); err != nil {
		return nil, errInternal(ReasonProbeFailed, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return nil, errInternal(ReasonProbeFailed, err)
	}

	buf := make([]byte, protocol.MaxPacketSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, errTimeout(ReasonPing)
	}
	if !from.IP.Equal(addr.IP) || from.Port != addr.Port {
		return nil, errTimeout(ReasonPing)
	}

	frame, err := protocol.Decode(buf[:n])
	if err != nil {
		return nil, errTimeout(ReasonPing)
	}
	reply, ok := frame.(protocol.Packet)
	if !ok || reply.Response == nil || reply.Response.Pong == nil {
		return nil, errTimeout(ReasonPing)
	}

	return []protocol.Endpoint{protocol.NewUDPEndpoint(addr)}, nil
}
