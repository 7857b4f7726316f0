package wshare

import (
	"errors"
	"fmt"
)

// CloseReason is the one-byte reason code carried in the payload of a Close
// frame. It lets the peer distinguish a normal end-of-stream from the various
// ways a stream can be torn down.
type CloseReason byte

const (
	// CloseNormal indicates the sender reached end-of-stream and will write
	// no further Data frames for this stream.
	CloseNormal CloseReason = iota

	// CloseProtocolError indicates the sender observed a framing or
	// flow-control violation attributable to this stream.
	CloseProtocolError

	// CloseTransportError indicates the sender lost its local socket or some
	// other I/O failure unrelated to the tunnel protocol itself.
	CloseTransportError

	// ClosePolicyDenied indicates the requested destination was rejected by
	// the server's destination policy.
	ClosePolicyDenied

	// CloseAuthFailed indicates the bearer token attached to the request was
	// missing or invalid.
	CloseAuthFailed

	// CloseMalformed indicates the tunnel request could not be parsed.
	CloseMalformed

	// CloseShutdown indicates the sender is shutting down and draining all
	// streams.
	CloseShutdown

	// CloseRejected indicates the sender refused to admit the stream for a
	// reason other than auth, policy or a malformed request (session
	// draining, too many streams).
	CloseRejected
)

var closeReasonNames = [...]string{
	"normal", "protocol error", "transport error", "policy denied",
	"auth failed", "malformed request", "shutdown", "rejected",
}

func (r CloseReason) String() string {
	if int(r) < len(closeReasonNames) {
		return closeReasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", byte(r))
}

// RejectKind classifies why a tunnel handshake was refused.
type RejectKind int

const (
	// RejectAuth means the bearer token was missing, expired or invalid.
	RejectAuth RejectKind = iota + 1

	// RejectPolicy means the token was fine but the requested destination is
	// not permitted by the server's destination policy.
	RejectPolicy

	// RejectMalformed means the tunnel request could not be parsed.
	RejectMalformed

	// RejectOther covers any other refusal (unsupported protocol version,
	// server draining, etc).
	RejectOther
)

var rejectKindNames = map[RejectKind]string{
	RejectAuth:      "auth",
	RejectPolicy:    "policy",
	RejectMalformed: "malformed",
	RejectOther:     "other",
}

func (k RejectKind) String() string {
	if s, ok := rejectKindNames[k]; ok {
		return s
	}
	return "other"
}

// ProtocolError reports a violation of the multiplexing protocol by the peer:
// a malformed frame, an oversized payload, or a frame for a stream id that was
// never opened. It is fatal to the Session that observed it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// NewProtocolError creates a ProtocolError with a formatted reason.
func NewProtocolError(f string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(f, args...)}
}

// HandshakeRejected reports that a single tunnel request was refused, either
// by the HTTP upgrade response or by an in-band Close answering an Open frame.
// It is fatal only to the request that triggered it; it is never retried at
// this layer.
type HandshakeRejected struct {
	Kind   RejectKind
	Status int // HTTP status when rejected at the upgrade boundary, else 0
	Reason string
}

func (e *HandshakeRejected) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("handshake rejected (%s, status %d): %s", e.Kind, e.Status, e.Reason)
	}
	return fmt.Sprintf("handshake rejected (%s): %s", e.Kind, e.Reason)
}

// TransportError reports a read/write failure on the physical connection.
// It is fatal to the Session; the Pool reacts by dialing a replacement with
// backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error: " + e.Op
	}
	return fmt.Sprintf("transport error: %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrPoolExhausted is returned by Pool.Acquire when no session became
// available within the configured acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrStreamClosed is returned by operations on a stream that has already
// fully closed. It is reported locally and never escalated.
var ErrStreamClosed = errors.New("stream closed")

// ErrSessionDraining is returned when a new stream is requested from a
// session that has stopped admitting streams.
var ErrSessionDraining = errors.New("session draining")

// closeReasonForError picks the wire reason code that best describes err.
func closeReasonForError(err error) CloseReason {
	if err == nil {
		return CloseNormal
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return CloseProtocolError
	}
	var hr *HandshakeRejected
	if errors.As(err, &hr) {
		switch hr.Kind {
		case RejectAuth:
			return CloseAuthFailed
		case RejectPolicy:
			return ClosePolicyDenied
		case RejectMalformed:
			return CloseMalformed
		}
		return CloseRejected
	}
	return CloseTransportError
}

// errorForCloseReason maps a received wire reason code back into the error
// taxonomy, for surfacing to whoever owns the affected stream.
func errorForCloseReason(r CloseReason) error {
	switch r {
	case CloseNormal:
		return nil
	case CloseProtocolError:
		return &ProtocolError{Reason: "peer reported protocol error"}
	case ClosePolicyDenied:
		return &HandshakeRejected{Kind: RejectPolicy, Reason: "destination denied by policy"}
	case CloseAuthFailed:
		return &HandshakeRejected{Kind: RejectAuth, Reason: "authentication failed"}
	case CloseMalformed:
		return &HandshakeRejected{Kind: RejectMalformed, Reason: "malformed tunnel request"}
	case CloseRejected:
		return &HandshakeRejected{Kind: RejectOther, Reason: "request rejected by peer"}
	case CloseShutdown:
		return &TransportError{Op: "peer shutting down"}
	}
	return &TransportError{Op: "stream closed: " + r.String()}
}
