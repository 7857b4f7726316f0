package wshare

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the liveness state of a session.
type SessionState int32

const (
	// SessionActive means the session accepts new streams.
	SessionActive SessionState = iota

	// SessionDraining means no new streams are admitted; existing streams
	// may finish. An empty draining session retires itself.
	SessionDraining

	// SessionDead means the transport failed or a protocol violation was
	// observed. A dead session holds no live streams.
	SessionDead
)

var sessionStateNames = [...]string{"Active", "Draining", "Dead"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "State(?)"
}

// SessionConfig carries the collaborators and limits for one session.
type SessionConfig struct {
	// Tunnel supplies frame, window and keepalive limits. Required.
	Tunnel *TunnelConfig

	// PeerMaxFrame is the largest frame payload the peer announced it will
	// accept, learned at the handshake. Zero means nothing was announced;
	// outbound frames are then sized by the local MaxFrameLength, which
	// requires symmetric configuration.
	PeerMaxFrame int

	// Logger is the parent logger; the session forks its own prefix from
	// it. Required.
	Logger Logger

	// Authorize decides whether an inbound Open frame is admitted. A nil
	// Authorize means this side never accepts inbound streams (the typical
	// client), and an inbound Open is treated as a protocol violation.
	Authorize func(req *TunnelRequest) error

	// OnStream is invoked in its own goroutine for every admitted inbound
	// stream. Required when Authorize is set.
	OnStream func(st *Stream)
}

// lastSessionID is the last allocated session id, for logging purposes.
var lastSessionID int32

// allocSessionID allocates a monotonically increasing session id number.
func allocSessionID() int32 {
	return atomic.AddInt32(&lastSessionID, 1)
}

// Session multiplexes many logical streams over exactly one physical
// transport connection. One goroutine reads frames and routes them to
// streams by id; one goroutine drains the outbound frame queue so writes to
// the transport are never interleaved; one goroutine runs keepalive.
//
// Frames for a single stream keep their write order; no ordering holds
// across different streams.
type Session struct {
	Logger
	cfg *SessionConfig
	t   Transport
	id  int32

	mu       sync.Mutex
	streams  map[uint64]*Stream
	nextID   uint64 // next locally assigned stream id
	maxSeen  uint64 // highest peer-assigned stream id observed
	state    SessionState
	deadErr  error
	boundReq bool

	outCh   chan *Frame
	doneCh  chan struct{}
	dieOnce sync.Once

	lastActivity int64 // unix nanos, atomic
	pingSeq      uint64
	pongSeq      uint64
}

// NewSession creates a session over an established transport and starts its
// read, write and keepalive loops.
func NewSession(t Transport, cfg *SessionConfig) *Session {
	id := allocSessionID()
	s := &Session{
		Logger:  cfg.Logger.Fork("session#%d", id),
		cfg:     cfg,
		t:       t,
		id:      id,
		streams: make(map[uint64]*Stream),
		nextID:  1,
		outCh:   make(chan *Frame, cfg.Tunnel.WriteQueueLen),
		doneCh:  make(chan struct{}),
	}
	s.touch()
	MetricOpenSessions.Inc()
	go s.readLoop()
	go s.writeLoop()
	if cfg.Tunnel.KeepAlive > 0 {
		go s.keepaliveLoop()
	}
	s.DLogf("session up, peer %s", t.RemoteAddr())
	return s
}

// State returns the current liveness state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that killed the session, if it is dead.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadErr
}

// DoneChan is closed once the session is dead and all its streams are
// force-closed.
func (s *Session) DoneChan() <-chan struct{} {
	return s.doneCh
}

// NumStreams returns the number of live streams.
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// CanAcquire reports whether the pool may route another stream through this
// session.
func (s *Session) CanAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionActive && len(s.streams) < s.cfg.Tunnel.MaxStreams
}

// LastActivity returns the time a frame was last received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// OpenStream opens a new outbound logical stream for req and, for TCP,
// waits for the peer to admit it. The returned stream is ready for a pump.
func (s *Session) OpenStream(ctx context.Context, req *TunnelRequest) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state == SessionDead {
		err := s.deadErr
		s.mu.Unlock()
		if err == nil {
			err = &TransportError{Op: "session dead"}
		}
		return nil, err
	}
	if s.state != SessionActive {
		s.mu.Unlock()
		return nil, ErrSessionDraining
	}
	if len(s.streams) >= s.cfg.Tunnel.MaxStreams {
		s.mu.Unlock()
		return nil, ErrSessionDraining
	}
	id := s.nextID
	s.nextID++
	initial := StreamOpening
	if req.Kind == TransportUDP {
		// UDP has no open acknowledgment; the first datagram may be queued
		// immediately.
		initial = StreamOpen
	}
	if req.Kind == TransportTCP {
		req.Window = uint32(s.cfg.Tunnel.RecvWindow)
	}
	st := newStream(s.Logger, s, id, req, initial)
	s.streams[id] = st
	s.mu.Unlock()
	MetricOpenStreams.Inc()

	payload, err := req.Marshal()
	if err != nil {
		st.forceClose(err)
		s.removeStream(id)
		return nil, err
	}
	if err := s.enqueueFrame(&Frame{StreamID: id, Op: OpOpen, Payload: payload}); err != nil {
		st.forceClose(err)
		s.removeStream(id)
		return nil, err
	}
	if req.Kind == TransportTCP {
		if err := st.waitOpen(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

// ClaimBoundStream registers the stream that was admitted by the HTTP
// upgrade handshake itself (the request that initiated this physical
// connection). Only valid immediately after dialing, before any other
// stream is opened.
func (s *Session) ClaimBoundStream(req *TunnelRequest) (*Stream, error) {
	s.mu.Lock()
	if s.boundReq || s.nextID != 1 {
		s.mu.Unlock()
		return nil, s.Errorf("bound stream must be claimed before any other stream")
	}
	s.boundReq = true
	id := s.nextID
	s.nextID++
	st := newStream(s.Logger, s, id, req, StreamOpen)
	s.streams[id] = st
	s.mu.Unlock()
	MetricOpenStreams.Inc()
	return st, nil
}

// AdoptBoundStream is the server-side twin of ClaimBoundStream: it registers
// stream 1 for a tunnel request that was carried in the upgrade request and
// admitted by the HTTP response, and grants the opener its initial window.
func (s *Session) AdoptBoundStream(req *TunnelRequest) (*Stream, error) {
	s.mu.Lock()
	if s.boundReq || s.maxSeen != 0 {
		s.mu.Unlock()
		return nil, s.Errorf("bound stream must be adopted before any inbound open")
	}
	s.boundReq = true
	s.maxSeen = 1
	st := newStream(s.Logger, s, 1, req, StreamOpen)
	st.sendCredit = s.peerWindow(req)
	s.streams[1] = st
	s.mu.Unlock()
	MetricOpenStreams.Inc()
	if req.Kind == TransportTCP {
		if err := s.sendWindowUpdate(1, uint32(s.cfg.Tunnel.RecvWindow)); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// peerWindow returns the opener's advertised initial window.
func (s *Session) peerWindow(req *TunnelRequest) int {
	if req.Kind != TransportTCP {
		return 0
	}
	if req.Window > 0 {
		return int(req.Window)
	}
	return DefaultInitialWindow
}

// Drain stops admitting new streams. The session retires itself (cleanly)
// once its last stream closes; an already-empty session retires immediately.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return
	}
	s.state = SessionDraining
	empty := len(s.streams) == 0
	s.mu.Unlock()
	s.DLogf("draining (%d streams left)", s.NumStreams())
	if empty {
		s.die(nil)
	}
}

// Close tears the session down immediately. All live streams are
// force-closed with a transport error reason.
func (s *Session) Close() error {
	s.die(&TransportError{Op: "session closed"})
	return nil
}

// enqueueFrame queues f for the write loop. It blocks when the outbound
// queue is full (that is the writer-side backpressure) and fails once the
// session is dead.
func (s *Session) enqueueFrame(f *Frame) error {
	select {
	case s.outCh <- f:
		return nil
	case <-s.doneCh:
		err := s.Err()
		if err == nil {
			err = ErrStreamClosed
		}
		return err
	}
}

// maxDataChunk is the outbound Data payload ceiling: the local frame limit,
// lowered to whatever the peer announced it will accept.
func (s *Session) maxDataChunk() int {
	n := s.cfg.Tunnel.MaxFrameLength
	if s.cfg.PeerMaxFrame > 0 && s.cfg.PeerMaxFrame < n {
		n = s.cfg.PeerMaxFrame
	}
	return n
}

// tryEnqueueFrame queues f without ever blocking; a full queue drops the
// frame. Only for frames whose loss is tolerable (keepalive pings).
func (s *Session) tryEnqueueFrame(f *Frame) bool {
	select {
	case s.outCh <- f:
		return true
	default:
		return false
	}
}

func (s *Session) sendWindowUpdate(id uint64, credit uint32) error {
	return s.enqueueFrame(newWindowUpdateFrame(id, credit))
}

// rejectStream answers an inbound Open with a Close carrying the reason that
// best describes err.
func (s *Session) rejectStream(id uint64, err error) {
	s.DLogf("rejecting stream %d: %s", id, err)
	kind := RejectOther
	var hr *HandshakeRejected
	if errors.As(err, &hr) {
		kind = hr.Kind
	}
	MetricHandshakeRejects.WithLabelValues(kind.String()).Inc()
	s.enqueueFrame(newCloseFrame(id, closeReasonForError(err)))
}

// removeStream forgets a stream once it is fully closed. A draining session
// with no streams left retires itself.
func (s *Session) removeStream(id uint64) {
	s.mu.Lock()
	_, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
	}
	retire := s.state == SessionDraining && len(s.streams) == 0
	s.mu.Unlock()
	if ok {
		MetricOpenStreams.Dec()
	}
	if retire {
		s.die(nil)
	}
}

// lookupStream finds a live stream, also reporting whether the id is stale
// (belonged to a stream that already closed) as opposed to never assigned.
func (s *Session) lookupStream(id uint64) (st *Stream, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok {
		return st, false
	}
	return nil, id < s.nextID || id <= s.maxSeen
}

// die marks the session Dead exactly once, closes the transport, and
// force-closes every owned stream so no pump stays suspended.
func (s *Session) die(err error) {
	s.dieOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionDead
		s.deadErr = err
		orphans := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			orphans = append(orphans, st)
		}
		s.streams = make(map[uint64]*Stream)
		s.mu.Unlock()

		close(s.doneCh)
		s.t.Close()

		reason := err
		if reason == nil {
			reason = ErrStreamClosed
		}
		for _, st := range orphans {
			st.forceClose(reason)
		}
		MetricOpenSessions.Dec()
		MetricOpenStreams.Sub(float64(len(orphans)))
		if err != nil {
			MetricSessionsDied.Inc()
			s.DLogf("session dead (%d streams force-closed): %s", len(orphans), err)
		} else {
			s.DLogf("session retired")
		}
	})
}

// readLoop pulls transport messages, scans them into frames, and routes each
// frame. Any transport or protocol failure kills the session.
func (s *Session) readLoop() {
	scanner := NewFrameScanner(s.cfg.Tunnel.MaxFrameLength + frameHeaderSlack)
	for {
		msg, err := s.t.ReadMessage()
		if err != nil {
			select {
			case <-s.doneCh:
				// Already dying; the read error is just the transport
				// being torn down under us.
			default:
				s.die(&TransportError{Op: "read", Err: err})
			}
			return
		}
		s.touch()
		scanner.Feed(msg)
		for {
			f, err := scanner.Next()
			if err != nil {
				s.die(err)
				return
			}
			if f == nil {
				break
			}
			if err := s.handleFrame(f); err != nil {
				s.die(err)
				return
			}
		}
	}
}

// frameHeaderSlack covers the payload of control frames that legitimately
// exceeds zero (Close reason, WindowUpdate credit, Ping seq) without letting
// a Data payload breach the configured ceiling by more than the header room.
const frameHeaderSlack = 16

// handleFrame routes one decoded frame. A returned error is a protocol
// violation and kills the session.
func (s *Session) handleFrame(f *Frame) error {
	switch f.Op {
	case OpPing:
		return s.enqueueFrame(&Frame{Op: OpPong, Payload: f.Payload})

	case OpPong:
		seq, err := parsePingSeq(f)
		if err != nil {
			return err
		}
		atomic.StoreUint64(&s.pongSeq, seq)
		return nil

	case OpOpen:
		return s.handleOpen(f)

	case OpData:
		st, stale := s.lookupStream(f.StreamID)
		if st == nil {
			if stale {
				return nil // data racing a close; drop
			}
			return NewProtocolError("Data frame for unknown stream %d", f.StreamID)
		}
		MetricBytesIn.Add(float64(len(f.Payload)))
		return st.deliverData(f.Payload)

	case OpWindowUpdate:
		credit, err := parseWindowUpdate(f)
		if err != nil {
			return err
		}
		st, stale := s.lookupStream(f.StreamID)
		if st == nil {
			if stale {
				return nil
			}
			return NewProtocolError("WindowUpdate for unknown stream %d", f.StreamID)
		}
		st.grantCredit(credit)
		return nil

	case OpClose:
		st, _ := s.lookupStream(f.StreamID)
		if st == nil {
			// Close is idempotent; a second Close for a gone stream is a
			// no-op.
			return nil
		}
		st.deliverClose(parseCloseReason(f))
		return nil
	}
	return NewProtocolError("unhandled opcode %d", f.Op)
}

// handleOpen admits or rejects an inbound stream request.
func (s *Session) handleOpen(f *Frame) error {
	if s.cfg.Authorize == nil {
		return NewProtocolError("peer sent Open on a session that does not accept streams")
	}
	req, err := UnmarshalTunnelRequest(f.Payload)
	if err != nil {
		s.rejectStream(f.StreamID, &HandshakeRejected{Kind: RejectMalformed, Reason: err.Error()})
		return nil
	}

	s.mu.Lock()
	if _, dup := s.streams[f.StreamID]; dup || f.StreamID <= s.maxSeen {
		s.mu.Unlock()
		return NewProtocolError("peer reused stream id %d", f.StreamID)
	}
	s.maxSeen = f.StreamID
	if s.state != SessionActive {
		s.mu.Unlock()
		s.rejectStream(f.StreamID, &HandshakeRejected{Kind: RejectOther, Reason: "session draining"})
		return nil
	}
	if len(s.streams) >= s.cfg.Tunnel.MaxStreams {
		s.mu.Unlock()
		s.rejectStream(f.StreamID, &HandshakeRejected{Kind: RejectOther, Reason: "too many streams"})
		return nil
	}
	s.mu.Unlock()

	if err := s.cfg.Authorize(req); err != nil {
		s.rejectStream(f.StreamID, err)
		return nil
	}

	s.mu.Lock()
	st := newStream(s.Logger, s, f.StreamID, req, StreamOpen)
	st.sendCredit = s.peerWindow(req)
	s.streams[f.StreamID] = st
	s.mu.Unlock()
	MetricOpenStreams.Inc()

	if req.Kind == TransportTCP {
		if err := s.sendWindowUpdate(f.StreamID, uint32(s.cfg.Tunnel.RecvWindow)); err != nil {
			return nil // session is dying; die() already ran
		}
	}
	s.DLogf("admitted stream %d -> %s", f.StreamID, req)
	go s.cfg.OnStream(st)
	return nil
}

// writeLoop drains the outbound queue onto the transport. It is the only
// writer, so partial writes never interleave across streams.
func (s *Session) writeLoop() {
	var buf []byte
	for {
		select {
		case f := <-s.outCh:
			buf = AppendFrame(buf[:0], f)
			if err := s.t.WriteMessage(buf); err != nil {
				s.die(&TransportError{Op: "write", Err: err})
				return
			}
			if f.Op == OpData {
				MetricBytesOut.Add(float64(len(f.Payload)))
			}
		case <-s.doneCh:
			return
		}
	}
}

// keepaliveLoop pings the peer on an interval and declares the session dead
// when too many pings go unanswered. The budget check must never wait on the
// outbound queue: a peer that stops reading wedges the write loop and fills
// the queue with Data frames, and that is exactly the condition keepalive
// exists to detect. An undeliverable ping is dropped and counts as missed.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.Tunnel.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			seq := atomic.AddUint64(&s.pingSeq, 1)
			pong := atomic.LoadUint64(&s.pongSeq)
			if seq-pong > uint64(s.cfg.Tunnel.MissedPongBudget) {
				s.die(&TransportError{Op: "keepalive timeout"})
				return
			}
			s.tryEnqueueFrame(newPingFrame(seq))
		case <-s.doneCh:
			return
		}
	}
}
