// Copyright (C) 2024 The relaysrv Authors.

package server

import (
	"log"
	"time"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

// sessionCleaner periodically evicts established sessions that have gone
// quiet for longer than SessionTimeout. It runs until the server is stopped.
func (s *Server) sessionCleaner() {
	interval := s.cfg.SessionCleanerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			evicted := s.nodes.CheckTimeouts(s.cfg.SessionTimeout, now)
			s.mu.Unlock()
			if s.cfg.Debug && len(evicted) > 0 {
				log.Printf("relay: evicted %d timed-out session(s)", len(evicted))
			}
		}
	}
}

// forwardResumer periodically re-admits senders whose rate-limit pause has
// expired, sending each a Control{ResumeForwarding}. Entries are collected
// under the lock and sent without it, matching the collect-then-send split
// used elsewhere to keep network I/O off the critical section.
func (s *Server) forwardResumer() {
	ticker := time.NewTicker(ForwarderResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			due := s.drainDueResumes(now)
			for _, e := range due {
				s.mu.RLock()
				sess := s.nodes.GetBySession(e.sessionID)
				s.mu.RUnlock()
				if sess == nil {
					continue
				}
				resume := protocol.Packet{
					SessionID: e.sessionID.Bytes(),
					Kind:      protocol.KindControl,
					Control: &protocol.Control{
						Kind:             protocol.CtrlResumeForwarding,
						ResumeForwarding: &protocol.ResumeForwarding{Slot: sess.Info.Slot},
					},
				}
				if err := s.sendTo(resume, e.addr); err != nil {
					log.Printf("relay: sending resume-forwarding to %s: %v", e.addr, err)
				}
			}
		}
	}
}
