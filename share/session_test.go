package wshare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// testTunnelConfig returns limits scaled down so window and ring behavior is
// observable without megabytes of traffic. Keepalive is off unless a test
// turns it on.
func testTunnelConfig() *TunnelConfig {
	return &TunnelConfig{
		MaxFrameLength:   1024,
		RecvWindow:       2048,
		UDPRingSize:      4,
		MaxStreams:       8,
		KeepAlive:        0,
		MissedPongBudget: 1,
		WriteQueueLen:    16,
		DrainGrace:       100 * time.Millisecond,
	}
}

type sessionHarness struct {
	client *Session
	server *Session
	ct     *PipeTransport
	st     *PipeTransport
}

// newSessionPair wires two sessions back to back over an in-memory pipe. The
// client side never accepts inbound streams; the server side admits them with
// authorize and hands them to onStream.
func newSessionPair(t *testing.T, cfg *TunnelConfig, authorize func(*TunnelRequest) error, onStream func(*Stream)) *sessionHarness {
	t.Helper()
	logger := NewLogger("test", LogLevelError)
	if authorize == nil {
		authorize = func(*TunnelRequest) error { return nil }
	}
	ct, st := NewTransportPipe()
	h := &sessionHarness{ct: ct, st: st}
	h.client = NewSession(ct, &SessionConfig{Tunnel: cfg, Logger: logger})
	h.server = NewSession(st, &SessionConfig{
		Tunnel:    cfg,
		Logger:    logger,
		Authorize: authorize,
		OnStream:  onStream,
	})
	t.Cleanup(func() {
		h.client.Close()
		h.server.Close()
	})
	return h
}

// echoHandler copies everything a stream carries straight back to it.
func echoHandler(st *Stream) {
	if st.Kind() == TransportUDP {
		for {
			dg, err := st.ReadDatagram()
			if err != nil {
				st.Close()
				return
			}
			if err := st.WriteDatagram(dg); err != nil {
				return
			}
		}
	}
	buf := make([]byte, 600)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			if _, werr := st.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			st.CloseWrite()
			return
		}
	}
}

func tcpRequest(host string) *TunnelRequest {
	return &TunnelRequest{Host: host, Port: 80, Kind: TransportTCP}
}

func TestSessionEchoTCP(t *testing.T) {
	h := newSessionPair(t, testTunnelConfig(), nil, echoHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.client.OpenStream(ctx, tcpRequest("echo.test"))
	if err != nil {
		t.Fatalf("OpenStream returned error: %s", err)
	}
	msg := []byte("through the looking glass")
	if _, err := st.Write(msg); err != nil {
		t.Fatalf("Write returned error: %s", err)
	}
	st.CloseWrite()
	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll returned error: %s", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo mismatch: got %q, want %q", got, msg)
	}
	st.Close()
}

func TestSessionPreservesPerStreamOrder(t *testing.T) {
	// Push well past the receive window so the transfer needs many credit
	// grants; the reassembled byte sequence must still match exactly.
	h := newSessionPair(t, testTunnelConfig(), nil, echoHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := h.client.OpenStream(ctx, tcpRequest("order.test"))
	if err != nil {
		t.Fatalf("OpenStream returned error: %s", err)
	}
	var want bytes.Buffer
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&want, "chunk %04d|", i)
	}
	go func() {
		st.Write(want.Bytes())
		st.CloseWrite()
	}()
	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll returned error: %s", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("order not preserved: got %d bytes, want %d", len(got), want.Len())
	}
}

func TestSessionConcurrentStreams(t *testing.T) {
	h := newSessionPair(t, testTunnelConfig(), nil, echoHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := h.client.OpenStream(ctx, tcpRequest(fmt.Sprintf("conc%d.test", i)))
			if err != nil {
				t.Errorf("stream %d: OpenStream returned error: %s", i, err)
				return
			}
			msg := bytes.Repeat([]byte{byte('a' + i)}, 5000)
			go func() {
				st.Write(msg)
				st.CloseWrite()
			}()
			got, err := io.ReadAll(st)
			if err != nil {
				t.Errorf("stream %d: ReadAll returned error: %s", i, err)
				return
			}
			if !bytes.Equal(got, msg) {
				t.Errorf("stream %d: echo mismatch (%d bytes)", i, len(got))
			}
		}(i)
	}
	wg.Wait()
}

func TestOpenStreamRejectedByPolicy(t *testing.T) {
	authorize := func(req *TunnelRequest) error {
		return &HandshakeRejected{Kind: RejectPolicy, Reason: "not on my watch"}
	}
	h := newSessionPair(t, testTunnelConfig(), authorize, func(st *Stream) { st.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.client.OpenStream(ctx, tcpRequest("forbidden.test"))
	var hr *HandshakeRejected
	if !errors.As(err, &hr) || hr.Kind != RejectPolicy {
		t.Fatalf("OpenStream: got err %v, want HandshakeRejected/policy", err)
	}
	// Only the rejected request dies; the session keeps working.
	if h.client.State() != SessionActive {
		t.Errorf("session state after rejection = %s, want %s", h.client.State(), SessionActive)
	}
}

func TestOpenStreamRejectedForCapacity(t *testing.T) {
	// A "try another connection" refusal (draining, too many streams) must
	// come back as a handshake rejection, not as a transport failure the
	// pool would treat as an outage.
	authorize := func(req *TunnelRequest) error {
		return &HandshakeRejected{Kind: RejectOther, Reason: "too many streams"}
	}
	h := newSessionPair(t, testTunnelConfig(), authorize, func(st *Stream) { st.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.client.OpenStream(ctx, tcpRequest("busy.test"))
	var hr *HandshakeRejected
	if !errors.As(err, &hr) || hr.Kind != RejectOther {
		t.Fatalf("OpenStream: got err %v, want HandshakeRejected/other", err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		t.Errorf("capacity rejection surfaced as a transport error: %v", err)
	}
}

func TestTransportSeveredForceClosesAllStreams(t *testing.T) {
	parked := make(chan *Stream, 8)
	h := newSessionPair(t, testTunnelConfig(), nil, func(st *Stream) { parked <- st })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var streams []*Stream
	for i := 0; i < 3; i++ {
		st, err := h.client.OpenStream(ctx, tcpRequest(fmt.Sprintf("sever%d.test", i)))
		if err != nil {
			t.Fatalf("OpenStream %d returned error: %s", i, err)
		}
		streams = append(streams, st)
	}

	h.ct.Close() // yank the physical connection

	select {
	case <-h.client.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not die after transport was severed")
	}
	var te *TransportError
	if err := h.client.Err(); !errors.As(err, &te) {
		t.Fatalf("session death reason = %v, want *TransportError", err)
	}
	for i, st := range streams {
		_, err := st.Read(make([]byte, 16))
		if !errors.As(err, &te) {
			t.Errorf("stream %d: Read after severing = %v, want *TransportError", i, err)
		}
		if st.State() != StreamClosed {
			t.Errorf("stream %d: state = %s, want %s", i, st.State(), StreamClosed)
		}
	}
}

func TestSessionDrain(t *testing.T) {
	parked := make(chan *Stream, 1)
	h := newSessionPair(t, testTunnelConfig(), nil, func(st *Stream) { parked <- st })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.client.OpenStream(ctx, tcpRequest("drain.test"))
	if err != nil {
		t.Fatalf("OpenStream returned error: %s", err)
	}
	h.client.Drain()

	if _, err := h.client.OpenStream(ctx, tcpRequest("late.test")); !errors.Is(err, ErrSessionDraining) {
		t.Errorf("OpenStream on draining session: got err %v, want ErrSessionDraining", err)
	}

	st.Close()
	select {
	case <-h.client.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("draining session did not retire after its last stream closed")
	}
	if err := h.client.Err(); err != nil {
		t.Errorf("clean drain finished with error: %v", err)
	}
}

// rawPeer drives one end of a transport pipe by hand, for exercising
// protocol violations a well-behaved Session would never produce.
type rawPeer struct {
	t  *testing.T
	tr *PipeTransport
	sc *FrameScanner
}

func newRawPeer(t *testing.T, tr *PipeTransport) *rawPeer {
	return &rawPeer{t: t, tr: tr, sc: NewFrameScanner(1 << 20)}
}

func (p *rawPeer) send(f *Frame) {
	p.t.Helper()
	if err := p.tr.WriteMessage(AppendFrame(nil, f)); err != nil {
		p.t.Fatalf("raw peer write failed: %s", err)
	}
}

func (p *rawPeer) recv() *Frame {
	p.t.Helper()
	for {
		f, err := p.sc.Next()
		if err != nil {
			p.t.Fatalf("raw peer decode failed: %s", err)
		}
		if f != nil {
			cp := *f
			cp.Payload = append([]byte(nil), f.Payload...)
			return &cp
		}
		msg, err := p.tr.ReadMessage()
		if err != nil {
			p.t.Fatalf("raw peer read failed: %s", err)
		}
		p.sc.Feed(msg)
	}
}

func TestStaleStreamIDDroppedUnknownKillsSession(t *testing.T) {
	logger := NewLogger("test", LogLevelError)
	a, b := NewTransportPipe()
	sess := NewSession(a, &SessionConfig{Tunnel: testTunnelConfig(), Logger: logger})
	defer sess.Close()
	peer := newRawPeer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// UDP so the open needs no acknowledgment.
	st, err := sess.OpenStream(ctx, &TunnelRequest{Host: "u.test", Port: 53, Kind: TransportUDP})
	if err != nil {
		t.Fatalf("OpenStream returned error: %s", err)
	}
	if open := peer.recv(); open.Op != OpOpen || open.StreamID != 1 {
		t.Fatalf("expected Open for stream 1, got %s#%d", open.Op, open.StreamID)
	}
	st.Close()
	if cl := peer.recv(); cl.Op != OpClose || cl.StreamID != 1 {
		t.Fatalf("expected Close for stream 1, got %s#%d", cl.Op, cl.StreamID)
	}

	// Data for the retired id must be dropped silently; data for an id that
	// was never assigned is a protocol violation and kills the session. The
	// frames are processed in order, so the death reason tells them apart.
	peer.send(&Frame{StreamID: 1, Op: OpData, Payload: []byte("late")})
	peer.send(&Frame{StreamID: 99, Op: OpData, Payload: []byte("rogue")})

	select {
	case <-sess.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("session survived a frame for a never-assigned stream id")
	}
	var pe *ProtocolError
	if err := sess.Err(); !errors.As(err, &pe) {
		t.Fatalf("session death reason = %v, want *ProtocolError", err)
	}
}

func TestSessionAnswersPings(t *testing.T) {
	logger := NewLogger("test", LogLevelError)
	a, b := NewTransportPipe()
	sess := NewSession(a, &SessionConfig{Tunnel: testTunnelConfig(), Logger: logger})
	defer sess.Close()
	peer := newRawPeer(t, b)

	peer.send(newPingFrame(42))
	pong := peer.recv()
	if pong.Op != OpPong {
		t.Fatalf("expected Pong, got %s", pong.Op)
	}
	seq, err := parsePingSeq(pong)
	if err != nil || seq != 42 {
		t.Errorf("Pong seq = (%d, %v), want 42", seq, err)
	}
}

func TestKeepaliveKillsSilentPeer(t *testing.T) {
	cfg := testTunnelConfig()
	cfg.KeepAlive = 10 * time.Millisecond
	logger := NewLogger("test", LogLevelError)
	a, _ := NewTransportPipe()
	sess := NewSession(a, &SessionConfig{Tunnel: cfg, Logger: logger})
	defer sess.Close()

	// The peer never answers; the missed-pong budget (1) runs out quickly.
	select {
	case <-sess.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("session survived an unresponsive peer")
	}
	var te *TransportError
	if err := sess.Err(); !errors.As(err, &te) {
		t.Errorf("keepalive death reason = %v, want *TransportError", err)
	}
}

func TestKeepaliveKillsStalledReader(t *testing.T) {
	// A peer that admits a stream with ample credit and then stops reading
	// wedges the write loop and fills the outbound queue with Data frames.
	// Liveness must not depend on room in that queue: the missed-pong
	// budget still runs out and the session dies.
	cfg := testTunnelConfig()
	cfg.KeepAlive = 25 * time.Millisecond
	logger := NewLogger("test", LogLevelError)
	a, b := NewTransportPipe()
	sess := NewSession(a, &SessionConfig{Tunnel: cfg, Logger: logger})
	defer sess.Close()
	peer := newRawPeer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opened := make(chan *Stream, 1)
	go func() {
		st, err := sess.OpenStream(ctx, tcpRequest("blackhole.test"))
		if err != nil {
			t.Errorf("OpenStream returned error: %s", err)
			close(opened)
			return
		}
		opened <- st
	}()
	f := peer.recv()
	for f.Op == OpPing {
		f = peer.recv()
	}
	if f.Op != OpOpen || f.StreamID != 1 {
		t.Fatalf("expected Open for stream 1, got %s#%d", f.Op, f.StreamID)
	}
	peer.send(newWindowUpdateFrame(1, 1<<20))
	st, ok := <-opened
	if !ok {
		t.FailNow()
	}
	// The peer now black-holes: no reads, no pongs.

	writeDone := make(chan error, 1)
	go func() {
		_, err := st.Write(bytes.Repeat([]byte("w"), 512*1024))
		writeDone <- err
	}()

	select {
	case <-sess.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatalf("session survived a peer that stopped reading mid-transfer")
	}
	var te *TransportError
	if err := sess.Err(); !errors.As(err, &te) {
		t.Errorf("death reason = %v, want *TransportError", err)
	}
	select {
	case err := <-writeDone:
		if err == nil {
			t.Errorf("Write finished cleanly against a dead session")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Write stayed blocked after the session died")
	}
}

func TestKeepaliveToleratesResponsivePeer(t *testing.T) {
	cfg := testTunnelConfig()
	cfg.KeepAlive = 10 * time.Millisecond
	h := newSessionPair(t, cfg, nil, echoHandler)

	// Both sides ping and both answer; nobody dies.
	select {
	case <-h.client.DoneChan():
		t.Fatalf("client session died despite live peer: %v", h.client.Err())
	case <-h.server.DoneChan():
		t.Fatalf("server session died despite live peer: %v", h.server.Err())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBoundStreamHandshake(t *testing.T) {
	// The first stream of a demand-driven connection is admitted by the HTTP
	// response itself: the client claims it, the server adopts it, and both
	// sides then multiplex further streams in-band as usual.
	logger := NewLogger("test", LogLevelError)
	cfg := testTunnelConfig()
	ct, st := NewTransportPipe()
	client := NewSession(ct, &SessionConfig{Tunnel: cfg, Logger: logger})
	defer client.Close()
	server := NewSession(st, &SessionConfig{
		Tunnel:    cfg,
		Logger:    logger,
		Authorize: func(*TunnelRequest) error { return nil },
		OnStream:  echoHandler,
	})
	defer server.Close()

	req := tcpRequest("bound.test")
	req.Window = uint32(cfg.RecvWindow)
	cs, err := client.ClaimBoundStream(req)
	if err != nil {
		t.Fatalf("ClaimBoundStream returned error: %s", err)
	}
	ss, err := server.AdoptBoundStream(req)
	if err != nil {
		t.Fatalf("AdoptBoundStream returned error: %s", err)
	}
	go echoHandler(ss)

	msg := []byte("first stream rides the handshake")
	if _, err := cs.Write(msg); err != nil {
		t.Fatalf("Write on bound stream returned error: %s", err)
	}
	cs.CloseWrite()
	got, err := io.ReadAll(cs)
	if err != nil {
		t.Fatalf("ReadAll on bound stream returned error: %s", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("bound stream echo mismatch: got %q", got)
	}

	// A second, in-band stream on the same connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st2, err := client.OpenStream(ctx, tcpRequest("second.test"))
	if err != nil {
		t.Fatalf("OpenStream after bound stream returned error: %s", err)
	}
	if st2.ID() != 2 {
		t.Errorf("second stream id = %d, want 2", st2.ID())
	}
	st2.Close()
}
