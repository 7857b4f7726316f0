package wshare

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the message-oriented physical connection a Session drives.
// TLS negotiation and the HTTP upgrade happen before a Transport exists;
// the core only ever sees this already-established message channel.
//
// ReadMessage is called by exactly one reader goroutine; WriteMessage by
// exactly one writer goroutine. Close may be called from anywhere and must
// unblock both.
type Transport interface {
	// ReadMessage returns the next whole message from the peer. A message
	// may hold several frames or a fragment of one.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one whole message to the peer.
	WriteMessage(p []byte) error

	// Close tears the physical connection down.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() net.Addr
}

// WebSocketConn adapts a gorilla websocket connection to the Transport
// interface, carrying frames as binary websocket messages.
type WebSocketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn creates a Transport backed by a websocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// ReadMessage returns the next binary message. Non-binary messages are
// skipped; websocket-level ping/pong/close are handled by gorilla beneath us.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return p, nil
		}
		// Text messages are not part of the protocol; ignore them rather
		// than killing the transport.
	}
}

// WriteMessage sends p as one binary message.
func (c *WebSocketConn) WriteMessage(p []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

// Close closes the underlying websocket. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr describes the peer for logging.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// pipeAddr is the synthetic address reported by pipe transports.
type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// PipeTransport is an in-memory Transport half, used to exercise sessions
// and pools without sockets. Messages written to one half are read from the
// other.
type PipeTransport struct {
	in        <-chan []byte
	out       chan<- []byte
	closeCh   chan struct{}
	peerClose chan struct{}
	closeOnce sync.Once
}

// NewTransportPipe returns two connected in-memory transports.
func NewTransportPipe() (*PipeTransport, *PipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &PipeTransport{in: ba, out: ab, closeCh: aClosed, peerClose: bClosed}
	b := &PipeTransport{in: ab, out: ba, closeCh: bClosed, peerClose: aClosed}
	return a, b
}

// ReadMessage returns the next message from the peer half.
func (t *PipeTransport) ReadMessage() ([]byte, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-t.closeCh:
		return nil, net.ErrClosed
	case <-t.peerClose:
		// Drain anything already in flight before reporting EOF.
		select {
		case p := <-t.in:
			return p, nil
		default:
		}
		return nil, io.EOF
	}
}

// WriteMessage sends one message to the peer half.
func (t *PipeTransport) WriteMessage(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case t.out <- buf:
		return nil
	case <-t.closeCh:
		return net.ErrClosed
	case <-t.peerClose:
		return errors.New("pipe transport: peer closed")
	}
}

// Close tears down this half, unblocking both peers.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closeCh) })
	return nil
}

// RemoteAddr describes the peer for logging.
func (t *PipeTransport) RemoteAddr() net.Addr {
	return pipeAddr{}
}
