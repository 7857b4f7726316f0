package wshare

import (
	"net"
	"time"
)

// streamAddr is the synthetic address a StreamConn reports.
type streamAddr struct {
	name string
}

func (a streamAddr) Network() string { return "warren" }
func (a streamAddr) String() string  { return a.name }

// StreamConn wraps a logical stream as a net.Conn, for collaborators that
// only speak net.Conn (the SOCKS5 library's dialer, for one). Deadlines are
// accepted but not enforced; stream closure is what unblocks readers and
// writers.
type StreamConn struct {
	st *Stream
}

// NewStreamConn wraps st as a net.Conn.
func NewStreamConn(st *Stream) *StreamConn {
	return &StreamConn{st: st}
}

// Stream returns the wrapped stream.
func (c *StreamConn) Stream() *Stream { return c.st }

// Read reads tunneled bytes from the remote side.
func (c *StreamConn) Read(p []byte) (int, error) { return c.st.Read(p) }

// Write sends bytes toward the remote side.
func (c *StreamConn) Write(p []byte) (int, error) { return c.st.Write(p) }

// Close fully closes the stream.
func (c *StreamConn) Close() error { return c.st.Close() }

// CloseWrite half-closes the local-to-remote direction.
func (c *StreamConn) CloseWrite() error { return c.st.CloseWrite() }

// LocalAddr returns a synthetic stream address.
func (c *StreamConn) LocalAddr() net.Addr {
	return streamAddr{name: "stream"}
}

// RemoteAddr returns the tunnel destination as the remote address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return streamAddr{name: c.st.Request().Addr()}
}

// SetDeadline is accepted but not enforced.
func (c *StreamConn) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline is accepted but not enforced.
func (c *StreamConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline is accepted but not enforced.
func (c *StreamConn) SetWriteDeadline(t time.Time) error { return nil }
