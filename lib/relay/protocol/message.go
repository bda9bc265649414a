package protocol

// RequestID is the opaque, client-chosen correlation id echoed back in the
// Response that answers a given Request.
type RequestID uint64

// Packet envelope kinds: which half of the protocol a Packet carries.
const (
	KindRequest byte = iota
	KindResponse
	KindControl
)

// Request sub-kinds, selecting which field of Request is meaningful.
const (
	ReqSession byte = iota
	ReqRegister
	ReqNode
	ReqSlot
	ReqNeighbours
	ReqPing
	ReqReverseConnection
)

// Response sub-kinds. RespEmpty is an error-only response carrying nothing
// but the status code.
const (
	RespChallenge byte = iota
	RespSession
	RespRegister
	RespNode
	RespNeighbours
	RespPong
	RespEmpty
)

// Control sub-kinds.
const (
	CtrlPauseForwarding byte = iota
	CtrlResumeForwarding
)

// Request.Session carries the challenge response and the node's declared
// identity, or (when empty) starts a new handshake.
type SessionRequest struct {
	ChallengeResp []byte
	NodeID        []byte
	PublicKey     []byte
}

// Request.Register asks the relay to promote an authenticated session into
// the registry. Endpoints declared by the client are parsed but ignored;
// see the public-endpoint probe.
type RegisterRequest struct {
	Endpoints []Endpoint
}

// Request.Node looks a node up by its 20-byte id.
type NodeRequest struct {
	NodeID    []byte
	PublicKey bool
}

// Request.Slot looks a node up by its assigned slot.
type SlotRequest struct {
	Slot      uint32
	PublicKey bool
}

// Request.Neighbours asks for the Count closest nodes by Hamming distance.
type NeighboursRequest struct {
	Count     uint32
	PublicKey bool
}

// Request.Ping / Request.ReverseConnection carry no fields.
type PingRequest struct{}
type ReverseConnectionRequest struct{}

// Request is the client->server half of the Packet envelope. Exactly one of
// the Session/Register/.../Ping fields is meaningful, selected by Kind.
type Request struct {
	RequestID RequestID
	Kind      byte

	Session           *SessionRequest
	Register          *RegisterRequest
	Node              *NodeRequest
	Slot              *SlotRequest
	Neighbours        *NeighboursRequest
	Ping              *PingRequest
	ReverseConnection *ReverseConnectionRequest
}

// Response.Challenge answers a Request.Session that started a handshake.
type ChallengeResponse struct {
	Version    string
	Caps       uint64
	Kind       uint64
	Difficulty uint64
	Challenge  []byte
}

// Response.Session confirms a valid challenge response; carries no fields.
type SessionResponse struct{}

// Response.Register echoes the verified endpoints back to the node.
type RegisterResponse struct {
	Endpoints []Endpoint
}

// Response.Node / Response.Neighbours answer directory lookups.
type NodeResponse struct {
	NodeID    []byte
	PublicKey []byte
	Endpoints []Endpoint
	SeenTS    uint32
	Slot      uint32
}

type NeighboursResponse struct {
	Nodes []NodeResponse
}

// Response.Pong answers Request.Ping.
type PongResponse struct{}

// Response is the server->client half of the Packet envelope. Code carries
// the StatusCode for the request; when it is not StatusOk, none of the Kind
// fields are populated (an error response).
type Response struct {
	RequestID RequestID
	Code      StatusCode
	Kind      byte

	Challenge  *ChallengeResponse
	Session    *SessionResponse
	Register   *RegisterResponse
	Node       *NodeResponse
	Neighbours *NeighboursResponse
	Pong       *PongResponse
}

// Control.PauseForwarding / Control.ResumeForwarding are unsolicited
// flow-control signals sent by the forwarder to a sender.
type PauseForwarding struct {
	Slot uint32
}

type ResumeForwarding struct {
	Slot uint32
}

// Control is the out-of-band half of the Packet envelope, used for flow
// control signals that are not responses to any particular request.
type Control struct {
	Kind byte

	PauseForwarding  *PauseForwarding
	ResumeForwarding *ResumeForwarding
}

// Packet is a length-delimited envelope carrying exactly one of
// Request/Response/Control, addressed by SessionID. SessionID is empty only
// for a Request{Session} that starts a new handshake.
type Packet struct {
	SessionID []byte
	Kind      byte

	Request  *Request
	Response *Response
	Control  *Control
}

// NewSessionRequestPacket builds the empty-session-id packet that starts a
// handshake.
func NewSessionRequestPacket(requestID RequestID, req SessionRequest) Packet {
	return Packet{
		Kind: KindRequest,
		Request: &Request{
			RequestID: requestID,
			Kind:      ReqSession,
			Session:   &req,
		},
	}
}

// Forward is a relay-rewritten datagram carrying an opaque payload between
// two established sessions. Its header is hand-packed (not length-prefixed
// like Packet) so it can be decoded without allocating beyond the payload
// itself.
type Forward struct {
	SessionID SessionID
	Slot      uint32
	Flags     uint16
	Payload   []byte
}

// ForwardCtd is a continuation frame for payloads that spanned multiple
// datagrams. The relay parses it only far enough to discard it; see
// Non-goals in the system design.
type ForwardCtd struct {
	SessionID SessionID
	Payload   []byte
}
