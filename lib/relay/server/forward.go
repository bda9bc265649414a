// Copyright (C) 2024 The relaysrv Authors.

package server

import (
	"log"
	"net"
	"time"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

// forward relays a Forward frame from an established sender session to its
// addressed recipient slot, subject to the sender's token-bucket rate
// limiter. A sender that would exceed its rate is paused: the frame is
// dropped, the sender's resume time is queued, and a Control{PauseForwarding}
// is sent so it can stop proactively instead of spending its budget into a
// black hole.
func (s *Server) forward(from *net.UDPAddr, f protocol.Forward) error {
	s.mu.Lock()
	sender := s.nodes.GetBySession(f.SessionID)
	if sender == nil {
		s.mu.Unlock()
		return errUnauthorized(ReasonSessionNotFound)
	}
	sender.LastSeen = time.Now()

	recipient := s.nodes.GetBySlot(f.Slot)
	if recipient == nil {
		s.mu.Unlock()
		return errNotFound(ReasonNodeBySlot)
	}

	reservation := sender.Limiter.ReserveN(time.Now(), len(f.Payload))
	if !reservation.OK() {
		// The payload alone exceeds the bucket; no pause would ever let it
		// through, so it is dropped without any control signal.
		s.mu.Unlock()
		log.Printf("relay: dropping oversized forward from session %s: %d bytes exceeds rate budget", f.SessionID, len(f.Payload))
		return nil
	}

	if delay := reservation.DelayFrom(time.Now()); delay > 0 {
		reservation.Cancel()
		recipientSlot := recipient.Info.Slot
		s.enqueueResumeLocked(f.SessionID, from, time.Now().Add(delay))
		s.mu.Unlock()

		pause := protocol.Packet{
			SessionID: f.SessionID.Bytes(),
			Kind:      protocol.KindControl,
			Control: &protocol.Control{
				Kind:            protocol.CtrlPauseForwarding,
				PauseForwarding: &protocol.PauseForwarding{Slot: recipientSlot},
			},
		}
		return s.sendTo(pause, from)
	}

	if len(recipient.Info.Endpoints) == 0 {
		s.mu.Unlock()
		if s.cfg.Debug {
			log.Printf("relay: dropping forward to slot %d: no confirmed endpoints", f.Slot)
		}
		return nil
	}
	recipientAddr := recipient.Info.Endpoints[0].Address
	senderSessionID := sender.SessionID
	senderSlot := sender.Info.Slot
	s.mu.Unlock()

	if recipientAddr == nil {
		return nil
	}

	// The destination slot in the header is replaced with the sender's slot
	// and session id, so the recipient knows who the payload came from.
	outgoing := protocol.Forward{
		SessionID: senderSessionID,
		Slot:      senderSlot,
		Flags:     f.Flags,
		Payload:   f.Payload,
	}
	if err := s.sendTo(outgoing, recipientAddr); err != nil {
		return err
	}
	s.bytesForwarded.Add(int64(len(f.Payload)))
	s.framesForwarded.Add(1)
	return nil
}

// enqueueResumeLocked records when a paused sender's rate limiter will next
// admit a reservation. Callers must hold s.mu.
func (s *Server) enqueueResumeLocked(sessionID protocol.SessionID, addr *net.UDPAddr, resumeAt time.Time) {
	for i, e := range s.resume {
		if e.sessionID == sessionID {
			s.resume[i].resumeAt = resumeAt
			s.resume[i].addr = addr
			return
		}
	}
	s.resume = append(s.resume, resumeEntry{resumeAt: resumeAt, sessionID: sessionID, addr: addr})
}

// drainDueResumes removes and returns every resume entry whose time has
// arrived, preserving the rest. It takes the lock itself and returns the
// entries so the caller can send without holding it.
func (s *Server) drainDueResumes(now time.Time) []resumeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []resumeEntry
	remaining := s.resume[:0]
	for _, e := range s.resume {
		if !now.Before(e.resumeAt) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	s.resume = remaining
	return due
}
