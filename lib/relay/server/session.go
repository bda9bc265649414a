// Copyright (C) 2024 The relaysrv Authors.

package server

import (
	"crypto/rand"
	"errors"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/pwalski/ya-relay-go/lib/relay/challenge"
	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
	"github.com/pwalski/ya-relay-go/lib/relay/state"
)

// protocolVersion is the value advertised in the challenge response. Clients
// do not currently negotiate on it.
const protocolVersion = "0.1.0"

// challengeKind identifies the proof-of-work scheme in the challenge
// response: SHA3-512 leading-zeros with a signed solution.
const challengeKind = 10

// handshakeTimeout bounds how long a pending session is kept waiting for the
// node's next message before it is dropped, independent of the general
// session-expiry sweep (which only tracks established sessions).
const handshakeTimeout = 16 * time.Second

// newSession begins a handshake for a Request{Session} with no session id:
// it allocates a SessionID, issues a proof-of-work-plus-signature challenge,
// and hands the rest of the exchange to a dedicated goroutine reading from a
// capacity-1 channel, mirroring the per-connection channel-driven handshake.
func (s *Server) newSession(requestID protocol.RequestID, from *net.UDPAddr) error {
	sid, err := protocol.GenerateSessionID()
	if err != nil {
		return errInternal(ReasonGeneratingSessionID, err)
	}

	challengeBytes := make([]byte, ChallengeSize)
	if _, err := rand.Read(challengeBytes); err != nil {
		return errInternal(ReasonGeneratingSessionID, err)
	}

	pending := &pendingSession{
		requests: make(chan *protocol.Request, 1),
		addr:     from,
	}

	s.mu.Lock()
	s.pending[sid] = pending
	s.mu.Unlock()

	resp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: requestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespChallenge,
			Challenge: &protocol.ChallengeResponse{
				Version:    protocolVersion,
				Caps:       0,
				Kind:       challengeKind,
				Difficulty: ChallengeDifficulty,
				Challenge:  challengeBytes,
			},
		},
	}
	if err := s.sendTo(resp, from); err != nil {
		s.dropPending(sid)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHandshake(sid, from, challengeBytes, pending)
	}()
	return nil
}

func (s *Server) dropPending(sid protocol.SessionID) {
	s.mu.Lock()
	delete(s.pending, sid)
	s.mu.Unlock()
}

// runHandshake drives a pending session through challenge verification and
// registration. It owns the pendingSession's channel exclusively and removes
// the entry from s.pending on every exit path.
func (s *Server) runHandshake(sid protocol.SessionID, from *net.UDPAddr, challengeBytes []byte, pending *pendingSession) {
	defer s.dropPending(sid)

	req, ok := s.awaitRequest(pending)
	if !ok {
		return
	}
	if req.Kind != protocol.ReqSession || req.Session == nil {
		s.replyError(req.RequestID, sid, from, errBadRequest(ReasonInvalidPacket))
		return
	}

	nodeID, pubKey, err := verifyChallengeResponse(challengeBytes, req.Session)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidLength) {
			s.replyError(req.RequestID, sid, from, errBadRequest(ReasonInvalidNodeID))
		} else {
			s.replyError(req.RequestID, sid, from, errUnauthorized(ReasonInvalidChallenge))
		}
		return
	}

	sessResp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: req.RequestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespSession,
			Session:   &protocol.SessionResponse{},
		},
	}
	if err := s.sendTo(sessResp, from); err != nil {
		log.Printf("relay: sending session response to %s: %v", from, err)
		return
	}

	for {
		req, ok := s.awaitRequest(pending)
		if !ok {
			return
		}
		switch req.Kind {
		case protocol.ReqPing:
			pong := protocol.Packet{
				SessionID: sid.Bytes(),
				Kind:      protocol.KindResponse,
				Response: &protocol.Response{
					RequestID: req.RequestID,
					Code:      protocol.StatusOk,
					Kind:      protocol.RespPong,
					Pong:      &protocol.PongResponse{},
				},
			}
			if err := s.sendTo(pong, from); err != nil {
				log.Printf("relay: sending pong to %s: %v", from, err)
			}
			continue
		case protocol.ReqRegister:
			s.completeRegistration(req, sid, from, nodeID, pubKey)
			return
		default:
			s.replyError(req.RequestID, sid, from, errBadRequest(ReasonInvalidPacket))
			return
		}
	}
}

func (s *Server) awaitRequest(pending *pendingSession) (*protocol.Request, bool) {
	select {
	case req := <-pending.requests:
		return req, true
	case <-time.After(handshakeTimeout):
		return nil, false
	case <-s.ctx.Done():
		return nil, false
	}
}

func verifyChallengeResponse(challengeBytes []byte, sess *protocol.SessionRequest) (protocol.NodeID, []byte, error) {
	nodeID, err := protocol.NodeIDFromBytes(sess.NodeID)
	if err != nil {
		return protocol.NodeID{}, nil, err
	}
	ok, err := challenge.Verify(challengeBytes, ChallengeDifficulty, sess.ChallengeResp, sess.PublicKey)
	if err != nil {
		return protocol.NodeID{}, nil, err
	}
	if !ok {
		return protocol.NodeID{}, nil, challenge.ErrInvalidSignature
	}
	return nodeID, sess.PublicKey, nil
}

// completeRegistration probes the node's claimed public reachability, then
// promotes the session into the shared registry. Declared endpoints from the
// Register request are never trusted directly; see probe.go. A failed probe
// (including a timeout) fails registration outright with Timeout::Ping; it
// does not fall back to registering with no endpoints.
func (s *Server) completeRegistration(req *protocol.Request, sid protocol.SessionID, from *net.UDPAddr, nodeID protocol.NodeID, pubKey []byte) {
	confirmed, err := s.probePublicEndpoints(sid, from)
	if err != nil {
		s.replyError(req.RequestID, sid, from, err)
		return
	}

	session := &state.NodeSession{
		Info: state.NodeInfo{
			NodeID:    nodeID,
			PublicKey: pubKey,
			Slot:      state.UnassignedSlot,
			Endpoints: confirmed,
		},
		SessionID: sid,
		LastSeen:  time.Now(),
		Limiter:   rate.NewLimiter(rate.Limit(s.cfg.ForwardRate), s.cfg.ForwardRate),
	}

	s.mu.Lock()
	if existing := s.nodes.GetByNodeID(nodeID); existing != nil {
		s.nodes.Remove(existing.SessionID)
	}
	s.nodes.Register(session)
	s.mu.Unlock()

	resp := protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: req.RequestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespRegister,
			Register:  &protocol.RegisterResponse{Endpoints: confirmed},
		},
	}
	if err := s.sendTo(resp, from); err != nil {
		log.Printf("relay: sending register response to %s: %v", from, err)
	}
}

func (s *Server) replyError(requestID protocol.RequestID, sid protocol.SessionID, from *net.UDPAddr, err error) {
	s.sendErrorResponse(requestID, sid.Bytes(), from, err)
}
