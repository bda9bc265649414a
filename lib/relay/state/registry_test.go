package state

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

func nodeID(t *testing.T, last byte) protocol.NodeID {
	t.Helper()
	var id protocol.NodeID
	id[len(id)-1] = last
	return id
}

func sessionID(t *testing.T, tag byte) protocol.SessionID {
	t.Helper()
	var id protocol.SessionID
	id[0] = tag
	return id
}

func newSession(t *testing.T, nid protocol.NodeID, sid protocol.SessionID, now time.Time) *NodeSession {
	t.Helper()
	return &NodeSession{
		Info: NodeInfo{
			NodeID: nid,
			Slot:   UnassignedSlot,
		},
		SessionID: sid,
		LastSeen:  now,
		Limiter:   rate.NewLimiter(rate.Limit(2048), 2048),
	}
}

func TestRegisterAssignsSlotAndIndices(t *testing.T) {
	s := NewNodesState()
	now := time.Now()
	sess := newSession(t, nodeID(t, 1), sessionID(t, 1), now)

	slot := s.Register(sess)
	if slot != 0 {
		t.Fatalf("expected slot 0, got %d", slot)
	}
	if sess.Info.Slot != 0 {
		t.Fatalf("expected Info.Slot updated to 0, got %d", sess.Info.Slot)
	}

	bySlot := s.GetBySlot(0)
	if bySlot != sess {
		t.Fatalf("GetBySlot did not return the registered session")
	}
	if s.GetBySession(sess.SessionID) != sess {
		t.Fatalf("GetBySession did not return the registered session")
	}
	if s.GetByNodeID(sess.Info.NodeID) != sess {
		t.Fatalf("GetByNodeID did not return the registered session")
	}
}

func TestRegisterReusesFreedSlot(t *testing.T) {
	s := NewNodesState()
	now := time.Now()
	a := newSession(t, nodeID(t, 1), sessionID(t, 1), now)
	s.Register(a)

	if !s.Remove(a.SessionID) {
		t.Fatalf("expected remove to succeed")
	}
	if s.GetByNodeID(a.Info.NodeID) != nil {
		t.Fatalf("expected evicted node to be gone")
	}

	b := newSession(t, nodeID(t, 2), sessionID(t, 2), now)
	slot := s.Register(b)
	if slot != 0 {
		t.Fatalf("expected freed slot 0 to be reused, got %d", slot)
	}
}

func TestCheckTimeoutsEvictsStaleSessions(t *testing.T) {
	s := NewNodesState()
	now := time.Now()
	stale := newSession(t, nodeID(t, 1), sessionID(t, 1), now.Add(-time.Hour))
	fresh := newSession(t, nodeID(t, 2), sessionID(t, 2), now)
	s.Register(stale)
	s.Register(fresh)

	evicted := s.CheckTimeouts(time.Minute, now)
	if len(evicted) != 1 || evicted[0] != stale.SessionID {
		t.Fatalf("expected only the stale session evicted, got %v", evicted)
	}
	if s.GetBySession(stale.SessionID) != nil {
		t.Fatalf("expected stale session removed from by-session index")
	}
	if s.GetByNodeID(stale.Info.NodeID) != nil {
		t.Fatalf("expected stale session removed from by-node index")
	}
	if s.GetBySession(fresh.SessionID) == nil {
		t.Fatalf("expected fresh session to remain")
	}
}

func TestUpdateSeenUnknownSession(t *testing.T) {
	s := NewNodesState()
	if err := s.UpdateSeen(sessionID(t, 9), time.Now()); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHammingDistanceProperties(t *testing.T) {
	a := nodeID(t, 0x00)
	b := nodeID(t, 0x01)
	if HammingDistance(a, a) != 0 {
		t.Fatalf("distance to self must be 0")
	}
	if HammingDistance(a, b) != HammingDistance(b, a) {
		t.Fatalf("distance must be symmetric")
	}
}

func TestNeighboursOrderedByDistance(t *testing.T) {
	s := NewNodesState()
	now := time.Now()

	var id0, id1, idFF protocol.NodeID
	id1[len(id1)-1] = 0x01
	idFF[len(idFF)-1] = 0xFF

	s0 := newSession(t, id0, sessionID(t, 0), now)
	s1 := newSession(t, id1, sessionID(t, 1), now)
	sFF := newSession(t, idFF, sessionID(t, 2), now)
	s.Register(s0)
	s.Register(s1)
	s.Register(sFF)

	neighbours, err := s.Neighbours(s0.SessionID, 2)
	if err != nil {
		t.Fatalf("Neighbours: %v", err)
	}
	if len(neighbours) != 2 {
		t.Fatalf("expected 2 neighbours, got %d", len(neighbours))
	}
	if neighbours[0].SessionID != s1.SessionID {
		t.Fatalf("expected closest neighbour %v first, got %v", s1.SessionID, neighbours[0].SessionID)
	}
	if neighbours[1].SessionID != sFF.SessionID {
		t.Fatalf("expected second neighbour %v, got %v", sFF.SessionID, neighbours[1].SessionID)
	}
}

func TestNeighboursCapsAtRegistrySize(t *testing.T) {
	s := NewNodesState()
	now := time.Now()
	s0 := newSession(t, nodeID(t, 0), sessionID(t, 0), now)
	s1 := newSession(t, nodeID(t, 1), sessionID(t, 1), now)
	s.Register(s0)
	s.Register(s1)

	neighbours, err := s.Neighbours(s0.SessionID, 10)
	if err != nil {
		t.Fatalf("Neighbours: %v", err)
	}
	if len(neighbours) != 1 {
		t.Fatalf("expected at most 1 neighbour in a 2-node registry, got %d", len(neighbours))
	}
}

func TestNeighboursUnknownCaller(t *testing.T) {
	s := NewNodesState()
	if _, err := s.Neighbours(sessionID(t, 42), 1); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
