package server

import (
	"crypto/ecdsa"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pwalski/ya-relay-go/lib/relay/challenge"
	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Bind("127.0.0.1:0", Config{
		SessionTimeout:         time.Minute,
		SessionCleanerInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go srv.Run()
	t.Cleanup(srv.Stop)
	return srv
}

// testClient is a minimal hand-rolled implementation of the wire protocol,
// enough to drive a handshake and exchange packets against a Server in
// tests without depending on a client-side package. Its socket is
// deliberately unconnected (ListenUDP, not DialUDP): the server's
// public-endpoint probe arrives from a second, ephemeral source port, and a
// connected socket would have the kernel filter that reply out before the
// client ever saw it. recvPacket answers any such probe Ping automatically
// and keeps waiting for the reply that actually came from the server.
type testClient struct {
	t          *testing.T
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	key        *ecdsa.PrivateKey
	nodeID     protocol.NodeID
}

func newTestClient(t *testing.T, serverAddr *net.UDPAddr) *testClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var nodeID protocol.NodeID
	if _, err := rand.Read(nodeID[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	return &testClient{t: t, conn: conn, serverAddr: serverAddr, key: key, nodeID: nodeID}
}

func (c *testClient) publicKey() []byte {
	return crypto.FromECDSAPub(&c.key.PublicKey)[1:]
}

func (c *testClient) send(pkt protocol.Packet) {
	c.t.Helper()
	data, err := protocol.Encode(pkt)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	if _, err := c.conn.WriteToUDP(data, c.serverAddr); err != nil {
		c.t.Fatalf("WriteToUDP: %v", err)
	}
}

// recvPacket reads until it sees a Packet from the server's own address,
// transparently answering any Request{Ping} that arrives from elsewhere
// (the reachability probe) with a Response{Pong}.
func (c *testClient) recvPacket() protocol.Packet {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		buf := make([]byte, protocol.MaxPacketSize)
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			c.t.Fatalf("ReadFromUDP: %v", err)
		}
		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			c.t.Fatalf("Decode: %v", err)
		}
		pkt, ok := frame.(protocol.Packet)
		if !ok {
			c.t.Fatalf("expected Packet frame, got %T", frame)
		}
		if from.IP.Equal(c.serverAddr.IP) && from.Port == c.serverAddr.Port {
			return pkt
		}
		c.answerProbe(pkt, from)
	}
}

// answerProbe replies to an out-of-band Request{Ping} (the public-endpoint
// probe) with Response{Pong}, echoing the session id it arrived with.
func (c *testClient) answerProbe(pkt protocol.Packet, from *net.UDPAddr) {
	c.t.Helper()
	if pkt.Request == nil || pkt.Request.Ping == nil {
		c.t.Fatalf("unexpected out-of-band packet from %s: %+v", from, pkt)
	}
	pong := protocol.Packet{
		SessionID: pkt.SessionID,
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: pkt.Request.RequestID,
			Code:      protocol.StatusOk,
			Kind:      protocol.RespPong,
			Pong:      &protocol.PongResponse{},
		},
	}
	data, err := protocol.Encode(pong)
	if err != nil {
		c.t.Fatalf("Encode probe reply: %v", err)
	}
	if _, err := c.conn.WriteToUDP(data, from); err != nil {
		c.t.Fatalf("WriteToUDP probe reply: %v", err)
	}
}

// handshake drives a full session establishment and returns the assigned
// SessionID.
func (c *testClient) handshake() protocol.SessionID {
	c.t.Helper()

	c.send(protocol.NewSessionRequestPacket(1, protocol.SessionRequest{}))
	resp := c.recvPacket()
	if resp.Response == nil || resp.Response.Challenge == nil {
		c.t.Fatalf("expected Challenge response, got %+v", resp)
	}
	sid, err := protocol.SessionIDFromBytes(resp.SessionID)
	if err != nil {
		c.t.Fatalf("SessionIDFromBytes: %v", err)
	}
	ch := resp.Response.Challenge

	solved, err := challenge.Solve(ch.Challenge, ch.Difficulty, challengeSigner{c.key})
	if err != nil {
		c.t.Fatalf("Solve: %v", err)
	}

	c.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 2,
			Kind:      protocol.ReqSession,
			Session: &protocol.SessionRequest{
				ChallengeResp: solved,
				NodeID:        c.nodeID.Bytes(),
				PublicKey:     c.publicKey(),
			},
		},
	})
	sessResp := c.recvPacket()
	if sessResp.Response == nil || sessResp.Response.Code != protocol.StatusOk || sessResp.Response.Session == nil {
		c.t.Fatalf("expected Session response, got %+v", sessResp.Response)
	}

	c.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 3,
			Kind:      protocol.ReqRegister,
			Register:  &protocol.RegisterRequest{},
		},
	})
	regResp := c.recvPacket()
	if regResp.Response == nil || regResp.Response.Code != protocol.StatusOk || regResp.Response.Register == nil {
		c.t.Fatalf("expected Register response, got %+v", regResp.Response)
	}

	return sid
}

type challengeSigner struct {
	key *ecdsa.PrivateKey
}

func (s challengeSigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func TestHandshakeEstablishesSession(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())

	client.handshake()

	stats := srv.Stats()
	if stats.Sessions != 1 {
		t.Fatalf("expected 1 established session, got %d", stats.Sessions)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected 0 pending handshakes after completion, got %d", stats.PendingCount)
	}
}

func TestHandshakeRejectsBadChallengeResponse(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())

	client.send(protocol.NewSessionRequestPacket(1, protocol.SessionRequest{}))
	resp := client.recvPacket()
	sid, _ := protocol.SessionIDFromBytes(resp.SessionID)

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 2,
			Kind:      protocol.ReqSession,
			Session: &protocol.SessionRequest{
				ChallengeResp: []byte{1, 2, 3},
				NodeID:        client.nodeID.Bytes(),
				PublicKey:     client.publicKey(),
			},
		},
	})

	errResp := client.recvPacket()
	if errResp.Response == nil || errResp.Response.Code != protocol.StatusUnauthorized {
		t.Fatalf("expected Unauthorized response, got %+v", errResp.Response)
	}
}

func TestPingDuringAwaitRegister(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())

	client.send(protocol.NewSessionRequestPacket(1, protocol.SessionRequest{}))
	resp := client.recvPacket()
	sid, _ := protocol.SessionIDFromBytes(resp.SessionID)
	ch := resp.Response.Challenge

	solved, err := challenge.Solve(ch.Challenge, ch.Difficulty, challengeSigner{client.key})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 2,
			Kind:      protocol.ReqSession,
			Session: &protocol.SessionRequest{
				ChallengeResp: solved,
				NodeID:        client.nodeID.Bytes(),
				PublicKey:     client.publicKey(),
			},
		},
	})
	client.recvPacket() // session response

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 4,
			Kind:      protocol.ReqPing,
			Ping:      &protocol.PingRequest{},
		},
	})
	pong := client.recvPacket()
	if pong.Response == nil || pong.Response.Pong == nil {
		t.Fatalf("expected Pong response while awaiting Register, got %+v", pong.Response)
	}

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 5,
			Kind:      protocol.ReqRegister,
			Register:  &protocol.RegisterRequest{},
		},
	})
	regResp := client.recvPacket()
	if regResp.Response == nil || regResp.Response.Code != protocol.StatusOk {
		t.Fatalf("expected Register response after Ping, got %+v", regResp.Response)
	}
}

func TestNeighboursOrderedByDistance(t *testing.T) {
	srv := startTestServer(t)
	a := newTestClient(t, srv.LocalAddr())
	b := newTestClient(t, srv.LocalAddr())
	c := newTestClient(t, srv.LocalAddr())

	// Node ids 0x00..00, 0x00..01 and 0x00..FF: distances 1 and 8 from A.
	a.nodeID = protocol.NodeID{}
	b.nodeID = protocol.NodeID{}
	b.nodeID[protocol.NodeIDLength-1] = 0x01
	c.nodeID = protocol.NodeID{}
	c.nodeID[protocol.NodeIDLength-1] = 0xFF

	sidA := a.handshake()
	b.handshake()
	c.handshake()

	a.send(protocol.Packet{
		SessionID: sidA.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 10,
			Kind:      protocol.ReqNeighbours,
			Neighbours: &protocol.NeighboursRequest{
				Count: 2,
			},
		},
	})
	resp := a.recvPacket()
	if resp.Response == nil || resp.Response.Neighbours == nil {
		t.Fatalf("expected Neighbours response, got %+v", resp.Response)
	}
	nodes := resp.Response.Neighbours.Nodes
	if len(nodes) != 2 {
		t.Fatalf("expected 2 neighbours in a 3-node registry, got %d", len(nodes))
	}
	if nodes[0].NodeID[protocol.NodeIDLength-1] != 0x01 {
		t.Fatalf("expected closest neighbour 0x..01 first, got %x", nodes[0].NodeID)
	}
	if nodes[1].NodeID[protocol.NodeIDLength-1] != 0xFF {
		t.Fatalf("expected 0x..FF second, got %x", nodes[1].NodeID)
	}
}

func TestSlotReusedAfterEviction(t *testing.T) {
	srv, err := Bind("127.0.0.1:0", Config{
		SessionTimeout:         20 * time.Millisecond,
		SessionCleanerInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go srv.Run()
	t.Cleanup(srv.Stop)

	a := newTestClient(t, srv.LocalAddr())
	a.handshake()

	srv.mu.RLock()
	aSession := srv.nodes.GetByNodeID(a.nodeID)
	srv.mu.RUnlock()
	if aSession == nil {
		t.Fatalf("expected A to be registered")
	}
	aSlot := aSession.Info.Slot
	aNodeID := a.nodeID

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.RLock()
		gone := srv.nodes.GetByNodeID(aNodeID) == nil
		srv.mu.RUnlock()
		if gone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	srv.mu.RLock()
	stillThere := srv.nodes.GetByNodeID(aNodeID)
	srv.mu.RUnlock()
	if stillThere != nil {
		t.Fatalf("expected A's session to be evicted before registering C")
	}

	c := newTestClient(t, srv.LocalAddr())
	c.handshake()

	srv.mu.RLock()
	cSession := srv.nodes.GetByNodeID(c.nodeID)
	aAfter := srv.nodes.GetByNodeID(aNodeID)
	srv.mu.RUnlock()
	if cSession == nil {
		t.Fatalf("expected C to be registered")
	}
	if cSession.Info.Slot != aSlot {
		t.Fatalf("expected C to reuse freed slot %d, got %d", aSlot, cSession.Info.Slot)
	}
	if aAfter != nil {
		t.Fatalf("expected A's old node id to remain not-found after C reuses its slot")
	}
}

func TestSessionExpiryEvictsIdleSession(t *testing.T) {
	srv, err := Bind("127.0.0.1:0", Config{
		SessionTimeout:         20 * time.Millisecond,
		SessionCleanerInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go srv.Run()
	t.Cleanup(srv.Stop)

	client := newTestClient(t, srv.LocalAddr())
	client.handshake()

	if srv.Stats().Sessions != 1 {
		t.Fatalf("expected session registered before expiry")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.Stats().Sessions == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected idle session to be evicted")
}

// TestRegisterFailsWhenProbeTimesOut drives a handshake up to Register but
// never answers the server's reachability probe, asserting registration
// fails outright with Timeout rather than silently succeeding with no
// endpoints.
func TestRegisterFailsWhenProbeTimesOut(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())

	client.send(protocol.NewSessionRequestPacket(1, protocol.SessionRequest{}))
	resp := client.recvPacket()
	sid, err := protocol.SessionIDFromBytes(resp.SessionID)
	if err != nil {
		t.Fatalf("SessionIDFromBytes: %v", err)
	}
	ch := resp.Response.Challenge

	solved, err := challenge.Solve(ch.Challenge, ch.Difficulty, challengeSigner{client.key})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 2,
			Kind:      protocol.ReqSession,
			Session: &protocol.SessionRequest{
				ChallengeResp: solved,
				NodeID:        client.nodeID.Bytes(),
				PublicKey:     client.publicKey(),
			},
		},
	})
	client.recvPacket() // session response

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 3,
			Kind:      protocol.ReqRegister,
			Register:  &protocol.RegisterRequest{},
		},
	})

	// Deliberately do not answer the probe's Ping: read raw, bypassing
	// recvPacket's auto-responder, so the server's probe times out. The
	// unanswered probe Ping itself arrives on this same socket first; skip
	// it and wait for the server's actual error response.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pkt protocol.Packet
	for {
		buf := make([]byte, protocol.MaxPacketSize)
		n, err := client.conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		p, ok := frame.(protocol.Packet)
		if !ok {
			t.Fatalf("expected Packet frame, got %T", frame)
		}
		if p.Request != nil && p.Request.Ping != nil {
			continue // the probe's own Ping, left unanswered on purpose
		}
		pkt = p
		break
	}
	if pkt.Response == nil || pkt.Response.Code != protocol.StatusTimeout {
		t.Fatalf("expected Timeout response after an unanswered probe, got %+v", pkt)
	}

	if srv.Stats().Sessions != 0 {
		t.Fatalf("expected no session registered after a failed probe, got %d", srv.Stats().Sessions)
	}
}

func TestNodeLookupRejectsWrongLengthNodeID(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())
	sid := client.handshake()

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 20,
			Kind:      protocol.ReqNode,
			Node: &protocol.NodeRequest{
				NodeID: make([]byte, protocol.NodeIDLength-1),
			},
		},
	})
	resp := client.recvPacket()
	if resp.Response == nil || resp.Response.Code != protocol.StatusBadRequest {
		t.Fatalf("expected BadRequest for a 19-byte node id, got %+v", resp.Response)
	}
}

func TestSlotLookupUnknownSlot(t *testing.T) {
	srv := startTestServer(t)
	client := newTestClient(t, srv.LocalAddr())
	sid := client.handshake()

	client.send(protocol.Packet{
		SessionID: sid.Bytes(),
		Kind:      protocol.KindRequest,
		Request: &protocol.Request{
			RequestID: 21,
			Kind:      protocol.ReqSlot,
			Slot:      &protocol.SlotRequest{Slot: 999},
		},
	})
	resp := client.recvPacket()
	if resp.Response == nil || resp.Response.Code != protocol.StatusNotFound {
		t.Fatalf("expected NotFound for an empty slot, got %+v", resp.Response)
	}
}
