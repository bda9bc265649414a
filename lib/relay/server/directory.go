// Copyright (C) 2024 The relaysrv Authors.

package server

import (
	"net"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
	"github.com/pwalski/ya-relay-go/lib/relay/state"
)

// handleNodeRequest answers a directory lookup by node id.
func (s *Server) handleNodeRequest(from *net.UDPAddr, sid protocol.SessionID, req *protocol.Request) error {
	nodeID, err := protocol.NodeIDFromBytes(req.Node.NodeID)
	if err != nil {
		return errBadRequest(ReasonInvalidNodeID)
	}

	s.mu.RLock()
	target := s.nodes.GetByNodeID(nodeID)
	s.mu.RUnlock()
	if target == nil {
		return errNotFound(ReasonNode)
	}

	return s.sendNodeResponse(req.RequestID, sid, from, target, req.Node.PublicKey)
}

// handleSlotRequest answers a directory lookup by assigned slot.
func (s *Server) handleSlotRequest(from *net.UDPAddr, sid protocol.SessionID, req *protocol.Request) error {
	s.mu.RLock()
	target := s.nodes.GetBySlot(req.Slot.Slot)
	s.mu.RUnlock()
	if target == nil {
		return errNotFound(ReasonNodeBySlot)
	}

	return s.sendNodeResponse(req.RequestID, sid, from, target, req.Slot.PublicKey)
}

// handleNeighboursRequest answers with the closest nodes by Hamming distance
// to the caller's own node id.
func (s *Server) handleNeighboursRequest(from *net.UDPAddr, sid protocol.SessionID, req *protocol.Request) error {
	s.mu.RLock()
	neighbours, err := s.nodes.Neighbours(sid, req.Neighbours.Count)
	s.mu.RUnlock()
	if err != nil {
		return errUnauthorized(ReasonSessionNotFound)
	}

	nodes := make([]protocol.NodeResponse, 0, len(neighbours))
	for _, n := range neighbours {
		nodes = append(nodes, toNodeResponse(n, req.Neighbours.PublicKey))
	}

	resp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID:  req.RequestID,
			Code:       protocol.StatusOk,
			Kind:       protocol.RespNeighbours,
			Neighbours: &protocol.NeighboursResponse{Nodes: nodes},
		},
	}
	return s.sendTo(resp, from)
}

// handlePingRequest answers Ping on an already-established session; a Ping
// during the handshake itself is handled in session.go.
func (s *Server) handlePingRequest(from *net.UDPAddr, sid protocol.SessionID, req *protocol.Request) error {
	resp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: req.RequestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespPong,
			Pong:      &protocol.PongResponse{},
		},
	}
	return s.sendTo(resp, from)
}

func (s *Server) sendNodeResponse(requestID protocol.RequestID, sid protocol.SessionID, from *net.UDPAddr, target *state.NodeSession, includePublicKey bool) error {
	node := toNodeResponse(target, includePublicKey)
	resp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: requestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespNode,
			Node:      &node,
		},
	}
	return s.sendTo(resp, from)
}

func toNodeResponse(n *state.NodeSession, includePublicKey bool) protocol.NodeResponse {
	var pubKey []byte
	if includePublicKey {
		pubKey = n.Info.PublicKey
	}
	return protocol.NodeResponse{
		NodeID:    n.Info.NodeID.Bytes(),
		PublicKey: pubKey,
		Endpoints: n.Info.Endpoints,
		SeenTS:    uint32(n.LastSeen.Unix()),
		Slot:      n.Info.Slot,
	}
}
