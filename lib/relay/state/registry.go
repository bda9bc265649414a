// Copyright (C) 2024 The relaysrv Authors.

// Package state implements the slot-indexed node registry: the directory
// of established sessions the dispatcher and forwarder consult for lookups
// by session id, node id, and slot, plus Hamming-distance neighborhoods and
// liveness-timeout eviction.
package state

import (
	"errors"
	"math"
	"math/bits"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

// UnassignedSlot is the sentinel slot value for a NodeInfo that has not yet
// been registered.
const UnassignedSlot = math.MaxUint32

// slotGrowthChunk is how many slots the backing array grows by at a time,
// matching the source implementation's allocation strategy.
const slotGrowthChunk = 1024

// ErrSessionNotFound is returned by UpdateSeen and Neighbours when a
// SessionID is not present in the registry; the Get* lookups return nil.
var ErrSessionNotFound = errors.New("state: session not found")

// NodeInfo is the directory-visible identity of a registered node.
type NodeInfo struct {
	NodeID    protocol.NodeID
	PublicKey []byte
	Slot      uint32
	Endpoints []protocol.Endpoint
}

// NodeSession couples a NodeInfo with its session bookkeeping: the
// handshake-assigned SessionID, last-seen liveness timestamp, and the
// per-sender forwarding rate limiter.
type NodeSession struct {
	Info      NodeInfo
	SessionID protocol.SessionID
	LastSeen  time.Time
	Limiter   *rate.Limiter
}

// NodesState is the slot-indexed table of established sessions. A single
// instance is shared by the dispatcher and forwarder and must be guarded by
// an external lock (see relay/server), mirroring the source's single
// coarse-lock policy.
type NodesState struct {
	slots     []*NodeSession
	bySession map[protocol.SessionID]uint32
	byNode    map[protocol.NodeID]uint32
}

// NewNodesState returns an empty registry.
func NewNodesState() *NodesState {
	return &NodesState{
		bySession: make(map[protocol.SessionID]uint32),
		byNode:    make(map[protocol.NodeID]uint32),
	}
}

// Register assigns the first free slot to session, inserting it into both
// indices. It mutates session.Info.Slot in place and returns the assigned
// slot. Slot assignment is a linear scan for the first free slot, growing
// the backing array in slotGrowthChunk-sized chunks, which is adequate at
// the expected registry size (thousands of live sessions).
func (s *NodesState) Register(session *NodeSession) uint32 {
	slot := s.emptySlot()
	if int(slot) >= len(s.slots) {
		grown := make([]*NodeSession, len(s.slots)+slotGrowthChunk)
		copy(grown, s.slots)
		s.slots = grown
	}

	session.Info.Slot = slot
	s.slots[slot] = session
	s.bySession[session.SessionID] = slot
	s.byNode[session.Info.NodeID] = slot
	return slot
}

func (s *NodesState) emptySlot() uint32 {
	for i, slot := range s.slots {
		if slot == nil {
			return uint32(i)
		}
	}
	return uint32(len(s.slots))
}

// GetBySession returns the session for id, or nil if unknown.
func (s *NodesState) GetBySession(id protocol.SessionID) *NodeSession {
	slot, ok := s.bySession[id]
	if !ok {
		return nil
	}
	return s.slots[slot]
}

// GetBySlot returns the session occupying slot, or nil if the slot is free
// or out of range.
func (s *NodesState) GetBySlot(slot uint32) *NodeSession {
	if int(slot) >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

// GetByNodeID returns the session for a node id, or nil if unknown.
func (s *NodesState) GetByNodeID(id protocol.NodeID) *NodeSession {
	slot, ok := s.byNode[id]
	if !ok {
		return nil
	}
	return s.slots[slot]
}

// UpdateSeen refreshes the last-seen timestamp of the session identified by
// id to now. It fails with ErrSessionNotFound if the session is unknown;
// callers on the liveness-tracking path (the dispatcher) are expected to
// ignore that error, since the session may still be in handshake.
func (s *NodesState) UpdateSeen(id protocol.SessionID, now time.Time) error {
	slot, ok := s.bySession[id]
	if !ok {
		return ErrSessionNotFound
	}
	session := s.slots[slot]
	if session == nil {
		return ErrSessionNotFound
	}
	session.LastSeen = now
	return nil
}

// CheckTimeouts evicts every session whose LastSeen is older than ttl
// relative to now, freeing its slot and both indices.
func (s *NodesState) CheckTimeouts(ttl time.Duration, now time.Time) []protocol.SessionID {
	var evicted []protocol.SessionID
	for slot, session := range s.slots {
		if session == nil {
			continue
		}
		if now.Sub(session.LastSeen) > ttl {
			evicted = append(evicted, session.SessionID)
			s.remove(uint32(slot))
		}
	}
	return evicted
}

// Remove evicts the session for id, if any, freeing its slot and indices.
func (s *NodesState) Remove(id protocol.SessionID) bool {
	slot, ok := s.bySession[id]
	if !ok {
		return false
	}
	s.remove(slot)
	return true
}

func (s *NodesState) remove(slot uint32) {
	session := s.slots[slot]
	if session == nil {
		return
	}
	delete(s.bySession, session.SessionID)
	delete(s.byNode, session.Info.NodeID)
	s.slots[slot] = nil
}

// neighbourEntry pairs a slot with its precomputed Hamming distance, used
// only while sorting in Neighbours.
type neighbourEntry struct {
	slot     uint32
	distance int
}

// Neighbours returns the k occupied slots with the smallest Hamming
// distance from the caller's own node id, excluding the caller itself.
// Ties are broken by slot index (insertion order) ascending. It returns
// ErrSessionNotFound if the caller is not itself registered, matching the
// source's behavior for a caller that is not yet in the registry.
func (s *NodesState) Neighbours(id protocol.SessionID, count uint32) ([]*NodeSession, error) {
	slot, ok := s.bySession[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	self := s.slots[slot]
	if self == nil {
		return nil, ErrSessionNotFound
	}
	refID := self.Info.NodeID

	entries := make([]neighbourEntry, 0, len(s.slots))
	for i, session := range s.slots {
		if session == nil || uint32(i) == slot {
			continue
		}
		entries = append(entries, neighbourEntry{
			slot:     uint32(i),
			distance: HammingDistance(session.Info.NodeID, refID),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].distance < entries[j].distance
	})

	if uint32(len(entries)) < count {
		count = uint32(len(entries))
	}

	result := make([]*NodeSession, 0, count)
	for i := uint32(0); i < count; i++ {
		result = append(result, s.slots[entries[i].slot])
	}
	return result, nil
}

// Count returns the number of currently registered sessions.
func (s *NodesState) Count() int {
	n := 0
	for _, slot := range s.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// SlotCapacity returns the size of the backing slot array, i.e. the
// high-water mark of slots ever allocated.
func (s *NodesState) SlotCapacity() int {
	return len(s.slots)
}

// HammingDistance returns the number of differing bits between two NodeIDs.
func HammingDistance(a, b protocol.NodeID) int {
	total := 0
	for i := range a {
		total += bits.OnesCount8(a[i] ^ b[i])
	}
	return total
}
