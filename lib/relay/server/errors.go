// Copyright (C) 2024 The relaysrv Authors.

// Package server implements the relay server: the UDP dispatcher, the
// per-session handshake state machine, the forwarding plane, and the
// timer-driven session expiry and rate-limit resume sweeps.
package server

import (
	"fmt"

	"github.com/pwalski/ya-relay-go/lib/relay/protocol"
)

// Kind classifies an Error for mapping to a wire StatusCode.
type Kind int

const (
	KindUndefined Kind = iota
	KindBadRequest
	KindUnauthorized
	KindNotFound
	KindTimeout
	KindConflict
	KindPayloadTooLarge
	KindTooManyRequests
	KindInternal
	KindGatewayTimeout
)

// Reason is a finer-grained tag within a Kind, used only for logging and
// tests; the wire only ever sees the coarser Kind via Status().
type Reason string

const (
	ReasonNoSessionID         Reason = "no_session_id"
	ReasonInvalidPacket       Reason = "invalid_packet"
	ReasonInvalidNodeID       Reason = "invalid_node_id"
	ReasonInvalidChallenge    Reason = "invalid_challenge"
	ReasonInvalidSessionID    Reason = "invalid_session_id"
	ReasonSessionNotFound     Reason = "session_not_found"
	ReasonNode                Reason = "node"
	ReasonNodeBySlot          Reason = "node_by_slot"
	ReasonPing                Reason = "ping"
	ReasonSend                Reason = "send"
	ReasonReceive             Reason = "receive"
	ReasonEncoding            Reason = "encoding"
	ReasonDecoding            Reason = "decoding"
	ReasonBindingSocket       Reason = "binding_socket"
	ReasonRateLimiterInit     Reason = "rate_limiter_init"
	ReasonGettingSessionInfo  Reason = "getting_session_info"
	ReasonGeneratingSessionID Reason = "generating_session_id"
	ReasonHandshakeTimeout    Reason = "handshake_timeout"
	ReasonUnregisteredSession Reason = "unregistered_session"
	ReasonUnknownSlot         Reason = "unknown_slot"
	ReasonForwardingPaused    Reason = "forwarding_paused"
	ReasonProbeFailed         Reason = "probe_failed"
)

// Error is the single exported error type for the relay server: a Kind plus
// an optional Reason and wrapped cause, in the style of a typed-error-and-
// errors.Is/As idiom rather than a deep hierarchy of error types.
type Error struct {
	Kind   Kind
	Reason Reason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status maps the error to the on-wire StatusCode per the error-to-status
// table.
func (e *Error) Status() protocol.StatusCode {
	switch e.Kind {
	case KindBadRequest:
		return protocol.StatusBadRequest
	case KindUnauthorized:
		return protocol.StatusUnauthorized
	case KindNotFound:
		return protocol.StatusNotFound
	case KindTimeout:
		return protocol.StatusTimeout
	case KindConflict:
		return protocol.StatusConflict
	case KindPayloadTooLarge:
		return protocol.StatusPayloadTooLarge
	case KindTooManyRequests:
		return protocol.StatusTooManyRequests
	case KindInternal:
		return protocol.StatusServerError
	case KindGatewayTimeout:
		return protocol.StatusGatewayTimeout
	default:
		return protocol.StatusUndefined
	}
}

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindTimeout:
		return "Timeout"
	case KindConflict:
		return "Conflict"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindTooManyRequests:
		return "TooManyRequests"
	case KindInternal:
		return "Internal"
	case KindGatewayTimeout:
		return "GatewayTimeout"
	default:
		return "Undefined"
	}
}

func errBadRequest(reason Reason) error {
	return &Error{Kind: KindBadRequest, Reason: reason}
}

func errUnauthorized(reason Reason) error {
	return &Error{Kind: KindUnauthorized, Reason: reason}
}

func errNotFound(reason Reason) error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

func errTimeout(reason Reason) error {
	return &Error{Kind: KindTimeout, Reason: reason}
}

func errInternal(reason Reason, cause error) error {
	return &Error{Kind: KindInternal, Reason: reason, Cause: cause}
}
