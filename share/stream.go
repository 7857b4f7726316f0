package wshare

import (
	"context"
	"io"
	"sync"
)

// DefaultInitialWindow is the flow-control credit assumed for a TCP stream
// whose opener did not advertise a window.
const DefaultInitialWindow = 64 * 1024

// StreamState is the lifecycle state of a logical stream.
type StreamState int32

const (
	// StreamOpening means the stream is waiting for the peer to admit it.
	StreamOpening StreamState = iota

	// StreamOpen means both directions are flowing.
	StreamOpen

	// StreamHalfClosedLocal means the local side reached end-of-input; the
	// remote-to-local direction is still draining.
	StreamHalfClosedLocal

	// StreamHalfClosedRemote means the peer sent Close; the local-to-remote
	// direction is still flowing.
	StreamHalfClosedRemote

	// StreamClosed means both directions have finished, or an error forced
	// full closure.
	StreamClosed
)

var streamStateNames = [...]string{
	"Opening", "Open", "HalfClosedLocal", "HalfClosedRemote", "Closed",
}

func (s StreamState) String() string {
	if int(s) < len(streamStateNames) {
		return streamStateNames[s]
	}
	return "State(?)"
}

// Stream is one multiplexed flow (a TCP connection or a UDP association)
// riding inside a Session. It owns a bounded inbound buffer filled by the
// session's read loop and drained by exactly one byte pump, and it meters
// its outbound writes against flow-control credit granted by the peer.
//
// A full inbound buffer throttles the remote sender because credit is only
// granted back as the pump drains; a slow remote reader throttles Write
// because credit stops arriving. That is the whole backpressure story.
type Stream struct {
	Logger
	id   uint64
	kind TransportKind
	req  *TunnelRequest
	sess *Session

	mu   sync.Mutex
	cond *sync.Cond

	state      StreamState
	localDone  bool // we finished writing (Close sent)
	remoteDone bool // peer finished writing (Close received)
	reason     error

	inq     [][]byte
	inBytes int

	sendCredit int

	openDone chan struct{}
	openErr  error
}

func newStream(logger Logger, sess *Session, id uint64, req *TunnelRequest, state StreamState) *Stream {
	st := &Stream{
		Logger:   logger.Fork("stream#%d(%s)", id, req),
		id:       id,
		kind:     req.Kind,
		req:      req,
		sess:     sess,
		state:    state,
		openDone: make(chan struct{}),
	}
	st.cond = sync.NewCond(&st.mu)
	if state != StreamOpening {
		close(st.openDone)
	}
	return st
}

// ID returns the session-local stream id.
func (st *Stream) ID() uint64 { return st.id }

// Kind returns the tunneled transport kind.
func (st *Stream) Kind() TransportKind { return st.kind }

// Request returns the tunnel request this stream was opened for.
func (st *Stream) Request() *TunnelRequest { return st.req }

// State returns the current lifecycle state.
func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// CloseReason returns the error that forced this stream closed, or nil if it
// closed cleanly (or is still open).
func (st *Stream) CloseReason() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason
}

// updateStateLocked recomputes state from the done flags. Callers hold st.mu.
func (st *Stream) updateStateLocked() {
	if st.state == StreamClosed {
		return
	}
	switch {
	case st.localDone && st.remoteDone:
		st.state = StreamClosed
	case st.localDone:
		st.state = StreamHalfClosedLocal
	case st.remoteDone:
		st.state = StreamHalfClosedRemote
	}
}

// Read copies buffered inbound bytes into p, blocking until data arrives,
// the peer closes its direction (io.EOF after the buffer drains), or the
// stream is torn down. Draining the buffer grants flow-control credit back
// to the peer.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	for len(st.inq) == 0 {
		if st.reason != nil {
			err := st.reason
			st.mu.Unlock()
			return 0, err
		}
		if st.remoteDone || st.state == StreamClosed {
			st.mu.Unlock()
			return 0, io.EOF
		}
		st.cond.Wait()
	}
	n := 0
	for n < len(p) && len(st.inq) > 0 {
		c := copy(p[n:], st.inq[0])
		n += c
		if c == len(st.inq[0]) {
			st.inq = st.inq[1:]
		} else {
			st.inq[0] = st.inq[0][c:]
		}
	}
	st.inBytes -= n
	grant := st.kind == TransportTCP && st.state != StreamClosed && st.reason == nil
	st.mu.Unlock()
	if grant {
		// Credit returns to the peer only as the pump actually drains,
		// which is what stops a fast sender from ballooning our buffer.
		st.sess.sendWindowUpdate(st.id, uint32(n))
	}
	return n, nil
}

// ReadDatagram returns the next buffered inbound datagram of a UDP stream.
func (st *Stream) ReadDatagram() ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.inq) == 0 {
		if st.reason != nil {
			return nil, st.reason
		}
		if st.remoteDone || st.state == StreamClosed {
			return nil, io.EOF
		}
		st.cond.Wait()
	}
	p := st.inq[0]
	st.inq = st.inq[1:]
	st.inBytes -= len(p)
	return p, nil
}

// waitCreditLocked blocks until at least one byte of send credit is
// available, then consumes up to want and returns the amount taken.
func (st *Stream) waitCreditLocked(want int) (int, error) {
	for st.sendCredit == 0 {
		if err := st.writeErrLocked(); err != nil {
			return 0, err
		}
		st.cond.Wait()
	}
	if err := st.writeErrLocked(); err != nil {
		return 0, err
	}
	n := want
	if n > st.sendCredit {
		n = st.sendCredit
	}
	st.sendCredit -= n
	return n, nil
}

func (st *Stream) writeErrLocked() error {
	if st.reason != nil {
		return st.reason
	}
	if st.localDone || st.state == StreamClosed {
		return ErrStreamClosed
	}
	return nil
}

// Write sends p to the peer as one or more Data frames, blocking for
// flow-control credit as needed. Frames for one stream are emitted in write
// order.
func (st *Stream) Write(p []byte) (int, error) {
	maxChunk := st.sess.maxDataChunk()
	total := 0
	for total < len(p) {
		st.mu.Lock()
		want := len(p) - total
		if want > maxChunk {
			want = maxChunk
		}
		n, err := st.waitCreditLocked(want)
		st.mu.Unlock()
		if err != nil {
			return total, err
		}
		chunk := make([]byte, n)
		copy(chunk, p[total:total+n])
		if err := st.sess.enqueueFrame(&Frame{StreamID: st.id, Op: OpData, Payload: chunk}); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// WriteDatagram sends one datagram as a single Data frame. UDP streams do
// not meter against credit; the receiver sheds overload by dropping its
// oldest buffered datagram instead.
func (st *Stream) WriteDatagram(p []byte) error {
	if limit := st.sess.maxDataChunk(); len(p) > limit {
		return st.Errorf("datagram of %d bytes exceeds max frame length %d", len(p), limit)
	}
	st.mu.Lock()
	err := st.writeErrLocked()
	st.mu.Unlock()
	if err != nil {
		return err
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	return st.sess.enqueueFrame(&Frame{StreamID: st.id, Op: OpData, Payload: chunk})
}

// CloseWrite ends the local-to-remote direction, emitting a Close frame.
// The remote-to-local direction keeps draining. Idempotent.
func (st *Stream) CloseWrite() error {
	st.mu.Lock()
	if st.localDone || st.state == StreamClosed {
		st.mu.Unlock()
		return nil
	}
	st.localDone = true
	st.updateStateLocked()
	closed := st.state == StreamClosed
	st.cond.Broadcast()
	st.mu.Unlock()
	st.sess.enqueueFrame(newCloseFrame(st.id, CloseNormal))
	if closed {
		st.sess.removeStream(st.id)
	}
	return nil
}

// Close fully closes the stream in both directions. The peer is told with a
// Close frame if one was not already sent. Idempotent.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.state == StreamClosed {
		st.mu.Unlock()
		return nil
	}
	sendClose := !st.localDone
	st.localDone = true
	st.remoteDone = true
	st.state = StreamClosed
	st.inq = nil
	st.inBytes = 0
	st.cond.Broadcast()
	st.mu.Unlock()
	if sendClose {
		st.sess.enqueueFrame(newCloseFrame(st.id, CloseNormal))
	}
	st.resolveOpen(ErrStreamClosed)
	st.sess.removeStream(st.id)
	return nil
}

// CloseWithError fully closes the stream and tells the peer why, using the
// wire reason that best describes err. Idempotent like Close.
func (st *Stream) CloseWithError(err error) error {
	st.mu.Lock()
	if st.state == StreamClosed {
		st.mu.Unlock()
		return nil
	}
	sendClose := !st.localDone
	st.localDone = true
	st.remoteDone = true
	st.state = StreamClosed
	st.reason = err
	st.inq = nil
	st.inBytes = 0
	st.cond.Broadcast()
	st.mu.Unlock()
	if sendClose {
		st.sess.enqueueFrame(newCloseFrame(st.id, closeReasonForError(err)))
	}
	st.resolveOpen(err)
	st.sess.removeStream(st.id)
	return nil
}

// forceClose transitions the stream straight to Closed with err as the
// reason, without emitting any frame. Used when the owning session dies.
// Any pump suspended on the stream's queues is unblocked.
func (st *Stream) forceClose(err error) {
	st.mu.Lock()
	if st.state == StreamClosed {
		st.mu.Unlock()
		return
	}
	st.reason = err
	st.localDone = true
	st.remoteDone = true
	st.state = StreamClosed
	st.inq = nil
	st.inBytes = 0
	st.cond.Broadcast()
	st.mu.Unlock()
	st.resolveOpen(err)
}

// resolveOpen settles an Opening stream exactly once.
func (st *Stream) resolveOpen(err error) {
	st.mu.Lock()
	select {
	case <-st.openDone:
		st.mu.Unlock()
		return
	default:
	}
	st.openErr = err
	close(st.openDone)
	st.mu.Unlock()
}

// waitOpen blocks until the peer admits or rejects the stream.
func (st *Stream) waitOpen(ctx context.Context) error {
	select {
	case <-st.openDone:
		st.mu.Lock()
		err := st.openErr
		st.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverData buffers an inbound Data payload. Called only by the session's
// read loop. A TCP peer overrunning our advertised window is a protocol
// violation; a UDP stream sheds the oldest datagram instead.
func (st *Stream) deliverData(p []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StreamClosed || st.remoteDone {
		// Data raced with a close; drop it.
		return nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	if st.kind == TransportUDP {
		ring := st.sess.cfg.Tunnel.UDPRingSize
		for len(st.inq) >= ring {
			st.inBytes -= len(st.inq[0])
			st.inq = st.inq[1:]
			st.TLogf("UDP ring full, dropped oldest datagram")
		}
	} else if st.inBytes+len(buf) > st.sess.cfg.Tunnel.RecvWindow {
		return NewProtocolError("stream %d: peer overran receive window (%d+%d > %d)",
			st.id, st.inBytes, len(buf), st.sess.cfg.Tunnel.RecvWindow)
	}
	st.inq = append(st.inq, buf)
	st.inBytes += len(buf)
	st.cond.Broadcast()
	return nil
}

// deliverClose applies a Close frame from the peer. A clean reason half
// closes the remote direction; an error reason forces full closure. Close
// frames for an already-Closed stream are no-ops.
func (st *Stream) deliverClose(r CloseReason) {
	err := errorForCloseReason(r)
	st.mu.Lock()
	if st.state == StreamClosed {
		st.mu.Unlock()
		return
	}
	if st.state == StreamOpening {
		st.mu.Unlock()
		if err == nil {
			err = &HandshakeRejected{Kind: RejectOther, Reason: "peer closed stream before admitting it"}
		}
		st.forceClose(err)
		st.sess.removeStream(st.id)
		return
	}
	if err != nil {
		st.mu.Unlock()
		st.forceClose(err)
		st.sess.removeStream(st.id)
		return
	}
	st.remoteDone = true
	st.updateStateLocked()
	closed := st.state == StreamClosed
	st.cond.Broadcast()
	st.mu.Unlock()
	if closed {
		st.sess.removeStream(st.id)
	}
}

// grantCredit applies a WindowUpdate from the peer. The first grant also
// admits an Opening stream.
func (st *Stream) grantCredit(n uint32) {
	st.mu.Lock()
	st.sendCredit += int(n)
	wasOpening := st.state == StreamOpening
	if wasOpening {
		st.state = StreamOpen
	}
	st.cond.Broadcast()
	st.mu.Unlock()
	if wasOpening {
		st.resolveOpen(nil)
	}
}
