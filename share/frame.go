package wshare

import (
	"encoding/binary"
	"errors"
)

// Opcode identifies the kind of a multiplexing frame.
type Opcode byte

const (
	// OpOpen asks the peer to admit a new logical stream. The payload is the
	// JSON encoding of a TunnelRequest.
	OpOpen Opcode = 1

	// OpData carries raw tunneled bytes for an open stream. For UDP streams,
	// one Data frame is exactly one datagram.
	OpData Opcode = 2

	// OpClose ends the sender's direction of a stream. The payload is a
	// single CloseReason byte; an empty payload means CloseNormal.
	OpClose Opcode = 3

	// OpWindowUpdate grants the peer additional flow-control credit for a
	// stream. The payload is a 4-byte big-endian byte count. A WindowUpdate
	// is also the accept response to an Open (the initial credit grant).
	OpWindowUpdate Opcode = 4

	// OpPing is a keepalive probe. The payload is an 8-byte big-endian
	// sequence number. Stream id is 0.
	OpPing Opcode = 5

	// OpPong answers a Ping, echoing its payload. Stream id is 0.
	OpPong Opcode = 6
)

var opcodeNames = map[Opcode]string{
	OpOpen:         "Open",
	OpData:         "Data",
	OpClose:        "Close",
	OpWindowUpdate: "WindowUpdate",
	OpPing:         "Ping",
	OpPong:         "Pong",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "Opcode(?)"
}

func (o Opcode) valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Frame is the smallest addressable unit on the multiplexed wire:
// a 1-byte opcode, a uvarint stream id, and a uvarint length-prefixed
// payload. Frames exist only in encode/decode buffers; the codec itself
// never touches the network.
type Frame struct {
	StreamID uint64
	Op       Opcode
	Payload  []byte
}

// ErrNeedMoreData is returned by DecodeFrame when the buffer does not yet
// hold a complete frame. The caller should read more bytes and retry.
var ErrNeedMoreData = errors.New("incomplete frame")

// AppendFrame appends the wire encoding of f to dst and returns the extended
// slice.
func AppendFrame(dst []byte, f *Frame) []byte {
	dst = append(dst, byte(f.Op))
	dst = binary.AppendUvarint(dst, f.StreamID)
	dst = binary.AppendUvarint(dst, uint64(len(f.Payload)))
	dst = append(dst, f.Payload...)
	return dst
}

// DecodeFrame decodes a single frame from the front of b. It returns the
// frame and the number of bytes consumed. If b does not yet hold a complete
// frame it returns ErrNeedMoreData with n == 0; any other error is a
// *ProtocolError and is fatal to the connection that produced the bytes.
//
// The returned frame's Payload aliases b; callers that retain the payload
// past the next decode must copy it.
//
// A payload length above maxPayload is rejected before the payload is ever
// buffered or allocated, capping the memory a misbehaving peer can demand.
func DecodeFrame(b []byte, maxPayload int) (f Frame, n int, err error) {
	if len(b) < 1 {
		return f, 0, ErrNeedMoreData
	}
	op := Opcode(b[0])
	if !op.valid() {
		return f, 0, NewProtocolError("unknown opcode %d", b[0])
	}
	off := 1
	id, idLen := binary.Uvarint(b[off:])
	if idLen == 0 {
		return f, 0, ErrNeedMoreData
	}
	if idLen < 0 {
		return f, 0, NewProtocolError("stream id varint overflow")
	}
	off += idLen
	plen, lenLen := binary.Uvarint(b[off:])
	if lenLen == 0 {
		return f, 0, ErrNeedMoreData
	}
	if lenLen < 0 {
		return f, 0, NewProtocolError("payload length varint overflow")
	}
	off += lenLen
	if plen > uint64(maxPayload) {
		return f, 0, NewProtocolError("frame payload %d exceeds maximum %d", plen, maxPayload)
	}
	if uint64(len(b)-off) < plen {
		return f, 0, ErrNeedMoreData
	}
	f.Op = op
	f.StreamID = id
	f.Payload = b[off : off+int(plen)]
	return f, off + int(plen), nil
}

// FrameScanner incrementally decodes frames from a byte-oriented transport
// where a single transport message may hold several frames, or a frame may
// span several messages. Feed it raw chunks; call Next until it reports it
// needs more data.
type FrameScanner struct {
	buf        []byte
	maxPayload int
}

// NewFrameScanner creates a FrameScanner enforcing the given payload ceiling.
func NewFrameScanner(maxPayload int) *FrameScanner {
	return &FrameScanner{maxPayload: maxPayload}
}

// Feed appends a raw chunk read from the transport.
func (s *FrameScanner) Feed(p []byte) {
	if len(s.buf) == 0 {
		// Common case: one message, whole frames. Alias instead of copying;
		// the buffer is released once fully consumed.
		s.buf = p
		return
	}
	s.buf = append(s.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more data is
// needed. The returned frame's payload is only valid until the next call to
// Feed. A non-nil error is a *ProtocolError.
func (s *FrameScanner) Next() (*Frame, error) {
	f, n, err := DecodeFrame(s.buf, s.maxPayload)
	if err != nil {
		if errors.Is(err, ErrNeedMoreData) {
			return nil, nil
		}
		return nil, err
	}
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return &f, nil
}

// Buffered reports how many undecoded bytes the scanner is holding.
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// newWindowUpdateFrame builds a WindowUpdate granting credit bytes.
func newWindowUpdateFrame(id uint64, credit uint32) *Frame {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, credit)
	return &Frame{StreamID: id, Op: OpWindowUpdate, Payload: p}
}

// parseWindowUpdate extracts the credit grant from a WindowUpdate frame.
func parseWindowUpdate(f *Frame) (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, NewProtocolError("WindowUpdate payload must be 4 bytes, got %d", len(f.Payload))
	}
	return binary.BigEndian.Uint32(f.Payload), nil
}

// newCloseFrame builds a Close frame with the given reason.
func newCloseFrame(id uint64, reason CloseReason) *Frame {
	return &Frame{StreamID: id, Op: OpClose, Payload: []byte{byte(reason)}}
}

// parseCloseReason extracts the reason from a Close frame. An empty payload
// is a normal close.
func parseCloseReason(f *Frame) CloseReason {
	if len(f.Payload) < 1 {
		return CloseNormal
	}
	return CloseReason(f.Payload[0])
}

// newPingFrame builds a Ping frame carrying seq.
func newPingFrame(seq uint64) *Frame {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, seq)
	return &Frame{Op: OpPing, Payload: p}
}

// parsePingSeq extracts the sequence number from a Ping or Pong frame.
func parsePingSeq(f *Frame) (uint64, error) {
	if len(f.Payload) != 8 {
		return 0, NewProtocolError("%s payload must be 8 bytes, got %d", f.Op, len(f.Payload))
	}
	return binary.BigEndian.Uint64(f.Payload), nil
}
