package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/calmh/xdr"
)

// MaxPacketSize bounds any single UDP datagram the codec will produce or
// accept. Forward payloads are the dominant cost; control/request/response
// packets are a few hundred bytes at most.
const MaxPacketSize = 2200

// frame tags distinguish the three kinds of datagram on the wire.
const (
	tagPacket byte = iota
	tagForward
	tagForwardCtd
)

var (
	// ErrTruncated is returned for an empty datagram and for a Forward or
	// ForwardCtd frame shorter than its fixed header. A truncated Packet
	// frame fails with the xdr reader's own error instead.
	ErrTruncated = errors.New("protocol: truncated frame")
	// ErrUnknownTag is returned for a frame or sub-message tag the codec does
	// not recognize.
	ErrUnknownTag = errors.New("protocol: unknown tag")
	// ErrPacketTooLarge is returned when encoding or decoding a frame that
	// exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
)

// Frame is the union of datagram kinds the codec understands: Packet,
// Forward, and ForwardCtd.
type Frame interface {
	isFrame()
}

func (Packet) isFrame()     {}
func (Forward) isFrame()    {}
func (ForwardCtd) isFrame() {}

// Encode serializes a Frame to its wire representation.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Packet:
		return encodePacket(v)
	case Forward:
		return encodeForward(v)
	case ForwardCtd:
		return encodeForwardCtd(v)
	default:
		return nil, fmt.Errorf("protocol: unsupported frame type %T", f)
	}
}

// Decode parses a datagram into the Frame it represents.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	body := data[1:]
	switch data[0] {
	case tagPacket:
		return decodePacket(body)
	case tagForward:
		return decodeForward(body)
	case tagForwardCtd:
		return decodeForwardCtd(body)
	default:
		return nil, ErrUnknownTag
	}
}

func encodePacket(p Packet) ([]byte, error) {
	var buf xdr.AppendWriter
	buf = append(buf, tagPacket)
	w := xdr.NewWriter(&buf)
	w.WriteBytes(p.SessionID)
	w.WriteUint8(p.Kind)

	switch p.Kind {
	case KindRequest:
		encodeRequest(w, p.Request)
	case KindResponse:
		encodeResponse(w, p.Response)
	case KindControl:
		encodeControl(w, p.Control)
	default:
		return nil, fmt.Errorf("protocol: unknown packet kind %d", p.Kind)
	}

	if err := w.Error(); err != nil {
		return nil, err
	}
	if len(buf) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return []byte(buf), nil
}

func decodePacket(body []byte) (Packet, error) {
	r := xdr.NewReader(bytes.NewReader(body))
	var p Packet
	p.SessionID = r.ReadBytesMax(SessionIDLength)
	p.Kind = r.ReadUint8()

	var err error
	switch p.Kind {
	case KindRequest:
		p.Request, err = decodeRequest(r)
	case KindResponse:
		p.Response, err = decodeResponse(r)
	case KindControl:
		p.Control, err = decodeControl(r)
	default:
		return Packet{}, ErrUnknownTag
	}
	if err != nil {
		return Packet{}, err
	}
	if err := r.Error(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

func encodeRequest(w *xdr.Writer, req *Request) {
	w.WriteUint64(uint64(req.RequestID))
	w.WriteUint8(req.Kind)
	switch req.Kind {
	case ReqSession:
		w.WriteBytes(req.Session.ChallengeResp)
		w.WriteBytes(req.Session.NodeID)
		w.WriteBytes(req.Session.PublicKey)
	case ReqRegister:
		encodeEndpoints(w, req.Register.Endpoints)
	case ReqNode:
		w.WriteBytes(req.Node.NodeID)
		w.WriteBool(req.Node.PublicKey)
	case ReqSlot:
		w.WriteUint32(req.Slot.Slot)
		w.WriteBool(req.Slot.PublicKey)
	case ReqNeighbours:
		w.WriteUint32(req.Neighbours.Count)
		w.WriteBool(req.Neighbours.PublicKey)
	case ReqPing, ReqReverseConnection:
		// no fields
	}
}

func decodeRequest(r *xdr.Reader) (*Request, error) {
	req := &Request{
		RequestID: RequestID(r.ReadUint64()),
		Kind:      r.ReadUint8(),
	}
	switch req.Kind {
	case ReqSession:
		req.Session = &SessionRequest{
			ChallengeResp: r.ReadBytes(),
			NodeID:        r.ReadBytes(),
			PublicKey:     r.ReadBytes(),
		}
	case ReqRegister:
		eps, err := decodeEndpoints(r)
		if err != nil {
			return nil, err
		}
		req.Register = &RegisterRequest{Endpoints: eps}
	case ReqNode:
		req.Node = &NodeRequest{
			NodeID:    r.ReadBytes(),
			PublicKey: r.ReadBool(),
		}
	case ReqSlot:
		req.Slot = &SlotRequest{
			Slot:      r.ReadUint32(),
			PublicKey: r.ReadBool(),
		}
	case ReqNeighbours:
		req.Neighbours = &NeighboursRequest{
			Count:     r.ReadUint32(),
			PublicKey: r.ReadBool(),
		}
	case ReqPing:
		req.Ping = &PingRequest{}
	case ReqReverseConnection:
		req.ReverseConnection = &ReverseConnectionRequest{}
	default:
		return nil, ErrUnknownTag
	}
	if err := r.Error(); err != nil {
		return nil, err
	}
	return req, nil
}

func encodeResponse(w *xdr.Writer, resp *Response) {
	w.WriteUint64(uint64(resp.RequestID))
	w.WriteUint32(uint32(resp.Code))
	w.WriteUint8(resp.Kind)
	switch resp.Kind {
	case RespChallenge:
		w.WriteString(resp.Challenge.Version)
		w.WriteUint64(resp.Challenge.Caps)
		w.WriteUint64(resp.Challenge.Kind)
		w.WriteUint64(resp.Challenge.Difficulty)
		w.WriteBytes(resp.Challenge.Challenge)
	case RespSession:
		// no fields
	case RespRegister:
		encodeEndpoints(w, resp.Register.Endpoints)
	case RespNode:
		encodeNodeResponse(w, resp.Node)
	case RespNeighbours:
		w.WriteUint32(uint32(len(resp.Neighbours.Nodes)))
		for i := range resp.Neighbours.Nodes {
			encodeNodeResponse(w, &resp.Neighbours.Nodes[i])
		}
	case RespPong, RespEmpty:
		// no fields
	}
}

func decodeResponse(r *xdr.Reader) (*Response, error) {
	resp := &Response{
		RequestID: RequestID(r.ReadUint64()),
		Code:      StatusCode(r.ReadUint32()),
		Kind:      r.ReadUint8(),
	}
	switch resp.Kind {
	case RespChallenge:
		resp.Challenge = &ChallengeResponse{
			Version:    r.ReadString(),
			Caps:       r.ReadUint64(),
			Kind:       r.ReadUint64(),
			Difficulty: r.ReadUint64(),
			Challenge:  r.ReadBytes(),
		}
	case RespSession:
		resp.Session = &SessionResponse{}
	case RespRegister:
		eps, err := decodeEndpoints(r)
		if err != nil {
			return nil, err
		}
		resp.Register = &RegisterResponse{Endpoints: eps}
	case RespNode:
		node, err := decodeNodeResponse(r)
		if err != nil {
			return nil, err
		}
		resp.Node = node
	case RespNeighbours:
		count := r.ReadUint32()
		nodes := make([]NodeResponse, 0, count)
		for i := uint32(0); i < count; i++ {
			node, err := decodeNodeResponse(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, *node)
		}
		resp.Neighbours = &NeighboursResponse{Nodes: nodes}
	case RespPong:
		resp.Pong = &PongResponse{}
	case RespEmpty:
		// error-only response
	default:
		return nil, ErrUnknownTag
	}
	if err := r.Error(); err != nil {
		return nil, err
	}
	return resp, nil
}

func encodeNodeResponse(w *xdr.Writer, n *NodeResponse) {
	w.WriteBytes(n.NodeID)
	w.WriteBytes(n.PublicKey)
	encodeEndpoints(w, n.Endpoints)
	w.WriteUint32(n.SeenTS)
	w.WriteUint32(n.Slot)
}

func decodeNodeResponse(r *xdr.Reader) (*NodeResponse, error) {
	n := &NodeResponse{
		NodeID:    r.ReadBytes(),
		PublicKey: r.ReadBytes(),
	}
	eps, err := decodeEndpoints(r)
	if err != nil {
		return nil, err
	}
	n.Endpoints = eps
	n.SeenTS = r.ReadUint32()
	n.Slot = r.ReadUint32()
	return n, nil
}

func encodeControl(w *xdr.Writer, c *Control) {
	w.WriteUint8(c.Kind)
	switch c.Kind {
	case CtrlPauseForwarding:
		w.WriteUint32(c.PauseForwarding.Slot)
	case CtrlResumeForwarding:
		w.WriteUint32(c.ResumeForwarding.Slot)
	}
}

func decodeControl(r *xdr.Reader) (*Control, error) {
	c := &Control{Kind: r.ReadUint8()}
	switch c.Kind {
	case CtrlPauseForwarding:
		c.PauseForwarding = &PauseForwarding{Slot: r.ReadUint32()}
	case CtrlResumeForwarding:
		c.ResumeForwarding = &ResumeForwarding{Slot: r.ReadUint32()}
	default:
		return nil, ErrUnknownTag
	}
	if err := r.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func encodeEndpoints(w *xdr.Writer, eps []Endpoint) {
	w.WriteUint32(uint32(len(eps)))
	for _, ep := range eps {
		w.WriteUint8(uint8(ep.Protocol))
		if ep.Address != nil {
			w.WriteString(ep.Address.String())
		} else {
			w.WriteString("")
		}
	}
}

func decodeEndpoints(r *xdr.Reader) ([]Endpoint, error) {
	count := r.ReadUint32()
	if count > 1024 {
		return nil, ErrPacketTooLarge
	}
	eps := make([]Endpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		proto := EndpointProtocol(r.ReadUint8())
		addrStr := r.ReadString()
		if err := r.Error(); err != nil {
			return nil, err
		}
		var addr *net.UDPAddr
		if addrStr != "" {
			a, err := net.ResolveUDPAddr("udp", addrStr)
			if err != nil {
				return nil, err
			}
			addr = a
		}
		eps = append(eps, Endpoint{Protocol: proto, Address: addr})
	}
	return eps, nil
}

func encodeForward(f Forward) ([]byte, error) {
	const headerLen = 1 + SessionIDLength + 4 + 2
	total := headerLen + len(f.Payload)
	if total > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, total)
	buf[0] = tagForward
	copy(buf[1:1+SessionIDLength], f.SessionID[:])
	off := 1 + SessionIDLength
	binary.BigEndian.PutUint32(buf[off:off+4], f.Slot)
	binary.BigEndian.PutUint16(buf[off+4:off+6], f.Flags)
	copy(buf[off+6:], f.Payload)
	return buf, nil
}

func decodeForward(body []byte) (Forward, error) {
	const headerLen = SessionIDLength + 4 + 2
	if len(body) < headerLen {
		return Forward{}, ErrTruncated
	}
	var f Forward
	copy(f.SessionID[:], body[:SessionIDLength])
	off := SessionIDLength
	f.Slot = binary.BigEndian.Uint32(body[off : off+4])
	f.Flags = binary.BigEndian.Uint16(body[off+4 : off+6])
	f.Payload = body[off+6:]
	return f, nil
}

func encodeForwardCtd(f ForwardCtd) ([]byte, error) {
	total := 1 + SessionIDLength + len(f.Payload)
	if total > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, total)
	buf[0] = tagForwardCtd
	copy(buf[1:1+SessionIDLength], f.SessionID[:])
	copy(buf[1+SessionIDLength:], f.Payload)
	return buf, nil
}

func decodeForwardCtd(body []byte) (ForwardCtd, error) {
	if len(body) < SessionIDLength {
		return ForwardCtd{}, ErrTruncated
	}
	var f ForwardCtd
	copy(f.SessionID[:], body[:SessionIDLength])
	f.Payload = body[SessionIDLength:]
	return f, nil
}
