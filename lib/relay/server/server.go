package server

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
	"github.com/pwalski/ya-relay-go/lib/relay/state"
)

// Fixed protocol constants, per the external interface configuration.
const (
	ChallengeSize           = 16
	ChallengeDifficulty     = 16
	ForwarderRateLimit      = 2048 // cells (bytes) per second
	ForwarderResumeInterval = time.Second
	probeTimeout            = 300 * time.Millisecond
)

// Config carries the externally-provided constants that are not fixed by
// the protocol itself.
type Config struct {
	// SessionTimeout is the liveness window after which an idle session is
	// evicted by the cleaner sweep.
	SessionTimeout time.Duration
	// SessionCleanerInterval is how often the eviction sweep runs.
	SessionCleanerInterval time.Duration
	// ForwardRate overrides the per-sender forwarding budget in cells
	// (bytes) per second; zero means ForwarderRateLimit.
	ForwardRate int
	// Debug gates verbose per-packet logging, mirroring this project's
	// package-level debug toggle.
	Debug bool
}

// pendingSession is the per-handshake state visible to the dispatcher: a
// bounded, capacity-1 channel the session's goroutine reads from.
type pendingSession struct {
	requests chan *protocol.Request
	addr     *net.UDPAddr
}

// resumeEntry is one row of the resume queue. The queue holds at most one
// entry per session, in the order sessions were first paused; it is not
// sorted by resumeAt, so drainDueResumes checks every entry.
type resumeEntry struct {
	resumeAt  time.Time
	sessionID protocol.SessionID
	addr      *net.UDPAddr
}

// Server is the relay server: a UDP dispatcher wrapped around a shared node
// registry, pending-handshake table, and rate-limiter resume queue. One
// sync.RWMutex protects all three as a single critical section, mirroring
// the source's single coarse-lock policy; dispatch holds the read lock only
// long enough to copy out the fields it needs before releasing it and
// touching the network.
type Server struct {
	cfg Config

	mu      sync.RWMutex
	nodes   *state.NodesState
	pending map[protocol.SessionID]*pendingSession
	resume  []resumeEntry

	conn *net.UDPConn

	bytesForwarded  atomic.Int64
	framesForwarded atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server bound to conn. The caller owns conn's lifecycle
// other than calling Close, which Stop performs.
func New(conn *net.UDPConn, cfg Config) *Server {
	if cfg.ForwardRate <= 0 {
		cfg.ForwardRate = ForwarderRateLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		nodes:   state.NewNodesState(),
		pending: make(map[protocol.SessionID]*pendingSession),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Bind opens a UDP socket at addr (host:port, or the URL form
// udp://host:port) and returns a Server ready to Run.
func Bind(addr string, cfg Config) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", strings.TrimPrefix(addr, "udp://"))
	if err != nil {
		return nil, errInternal(ReasonBindingSocket, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errInternal(ReasonBindingSocket, err)
	}
	return New(conn, cfg), nil
}

// LocalAddr returns the address the server's socket is bound to.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stats is a snapshot of server-internal counters exposed by the status
// endpoint.
type Stats struct {
	Sessions     int
	PendingCount int
	SlotCapacity int
	ResumeQueued int
}

// BytesForwarded returns the total payload bytes relayed since startup.
func (s *Server) BytesForwarded() int64 {
	return s.bytesForwarded.Load()
}

// FramesForwarded returns the total Forward frames relayed since startup.
func (s *Server) FramesForwarded() int64 {
	return s.framesForwarded.Load()
}

// Stats returns a point-in-time snapshot of the server's internal counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Sessions:     s.nodes.Count(),
		PendingCount: len(s.pending),
		SlotCapacity: s.nodes.SlotCapacity(),
		ResumeQueued: len(s.resume),
	}
}

// Run starts the session-cleaner and forward-resume tickers and then blocks
// reading datagrams from the socket, handing each off to its own worker
// goroutine so a slow per-session handshake or a full handshake channel
// cannot stall the read loop. A fatal read error ends the server.
func (s *Server) Run() error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sessionCleaner()
	}()
	go func() {
		defer s.wg.Done()
		s.forwardResumer()
	}()

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			return errInternal(ReasonReceive, err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		s.wg.Add(1)
		go func(from *net.UDPAddr, datagram []byte) {
			defer s.wg.Done()
			s.handleDatagram(from, datagram)
		}(from, datagram)
	}
}

// Stop cancels background tasks and closes the socket. In-flight sends are
// not interrupted; the read loop exits on its next iteration.
func (s *Server) Stop() {
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
}

func (s *Server) handleDatagram(from *net.UDPAddr, datagram []byte) {
	frame, err := protocol.Decode(datagram)
	if err != nil {
		if s.cfg.Debug {
			log.Printf("relay: decode error from %s: %v", from, err)
		}
		return
	}

	requestID, sessionID, dispatchErr := s.dispatch(from, frame)
	if dispatchErr == nil {
		return
	}

	log.Printf("relay: dispatch error from %s: %v", from, dispatchErr)
	if requestID != nil {
		s.sendErrorResponse(*requestID, sessionID, from, dispatchErr)
	}
}

// dispatch is the single entry point for inbound datagrams, per the
// dispatcher's routing rules. It returns the request id (if any) and raw
// session id bytes that an error response should be addressed with.
func (s *Server) dispatch(from *net.UDPAddr, frame protocol.Frame) (*protocol.RequestID, []byte, error) {
	switch v := frame.(type) {
	case protocol.Packet:
		return s.dispatchPacket(from, v)
	case protocol.Forward:
		err := s.forward(from, v)
		var relayErr *Error
		if errors.As(err, &relayErr) && (relayErr.Kind == KindUnauthorized || relayErr.Kind == KindNotFound) {
			// Forward frames carry no request id; the error response is
			// correlated by session id alone.
			zero := protocol.RequestID(0)
			return &zero, v.SessionID.Bytes(), err
		}
		return nil, nil, err
	case protocol.ForwardCtd:
		if s.cfg.Debug {
			log.Printf("relay: ForwardCtd from %s ignored", from)
		}
		return nil, nil, nil
	default:
		return nil, nil, errInternal(ReasonDecoding, nil)
	}
}

func (s *Server) dispatchPacket(from *net.UDPAddr, pkt protocol.Packet) (*protocol.RequestID, []byte, error) {
	var requestIDPtr *protocol.RequestID
	if pkt.Kind == protocol.KindRequest && pkt.Request != nil {
		id := pkt.Request.RequestID
		requestIDPtr = &id
	} else if pkt.Kind == protocol.KindResponse && pkt.Response != nil {
		id := pkt.Response.RequestID
		requestIDPtr = &id
	}

	if len(pkt.SessionID) == 0 {
		if pkt.Kind == protocol.KindRequest && pkt.Request != nil && pkt.Request.Kind == protocol.ReqSession {
			return nil, nil, s.newSession(pkt.Request.RequestID, from)
		}
		return requestIDPtr, nil, errBadRequest(ReasonNoSessionID)
	}

	sid, err := protocol.SessionIDFromBytes(pkt.SessionID)
	if err != nil {
		return requestIDPtr, pkt.SessionID, errUnauthorized(ReasonInvalidSessionID)
	}

	// Fire-and-forget liveness refresh; the session may still be pending,
	// so an unknown-session error here is expected and ignored.
	s.mu.Lock()
	_ = s.nodes.UpdateSeen(sid, time.Now())
	s.mu.Unlock()

	s.mu.RLock()
	node := s.nodes.GetBySession(sid)
	s.mu.RUnlock()

	if node != nil {
		return requestIDPtr, pkt.SessionID, s.dispatchEstablished(from, sid, pkt)
	}

	s.mu.RLock()
	pending, ok := s.pending[sid]
	s.mu.RUnlock()
	if ok {
		if pkt.Kind != protocol.KindRequest || pkt.Request == nil {
			s.dropPending(sid)
			return requestIDPtr, pkt.SessionID, errBadRequest(ReasonInvalidPacket)
		}
		select {
		case pending.requests <- pkt.Request:
		case <-s.ctx.Done():
		}
		return nil, nil, nil
	}

	return requestIDPtr, pkt.SessionID, errUnauthorized(ReasonSessionNotFound)
}

func (s *Server) dispatchEstablished(from *net.UDPAddr, sid protocol.SessionID, pkt protocol.Packet) error {
	switch pkt.Kind {
	case protocol.KindRequest:
		req := pkt.Request
		if req == nil {
			return errBadRequest(ReasonInvalidPacket)
		}
		switch req.Kind {
		case protocol.ReqNode:
			return s.handleNodeRequest(from, sid, req)
		case protocol.ReqSlot:
			return s.handleSlotRequest(from, sid, req)
		case protocol.ReqNeighbours:
			return s.handleNeighboursRequest(from, sid, req)
		case protocol.ReqPing:
			return s.handlePingRequest(from, sid, req)
		default:
			// Session|Register|ReverseConnection: established sessions do
			// not re-handshake; silently ignored.
			return nil
		}
	case protocol.KindResponse:
		if s.cfg.Debug {
			log.Printf("relay: unexpected Response packet from %s", from)
		}
		return nil
	case protocol.KindControl:
		if s.cfg.Debug {
			log.Printf("relay: Control packet from %s", from)
		}
		return nil
	default:
		return errBadRequest(ReasonInvalidPacket)
	}
}

func (s *Server) sendTo(frame protocol.Frame, addr *net.UDPAddr) error {
	encoded, err := protocol.Encode(frame)
	if err != nil {
		return errInternal(ReasonEncoding, err)
	}
	if _, err := s.conn.WriteToUDP(encoded, addr); err != nil {
		return errInternal(ReasonSend, err)
	}
	return nil
}

func (s *Server) sendErrorResponse(requestID protocol.RequestID, sessionID []byte, addr *net.UDPAddr, cause error) {
	status := protocol.StatusUndefined
	var relayErr *Error
	if errors.As(cause, &relayErr) {
		status = relayErr.Status()
	}
	pkt := protocol.Packet{
		SessionID: sessionID,
		Kind:      protocol.KindResponse,
		Response: &protocol.Response{
			RequestID: requestID,
			Code:      status,
			Kind:      protocol.RespEmpty,
		},
	}
	if err := s.sendTo(pkt, addr); err != nil {
		log.Printf("relay: failed to send error response to %s: %v", addr, err)
	}
}
