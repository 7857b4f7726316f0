package wclient

import (
	"context"
	"net"
	"os"
	"strconv"

	termutil "github.com/andrew-d/go-termutil"

	wshare "github.com/warren-net/warren/share"
)

// stdioConn bridges stdin/stdout as one bidirectional byte stream. Closing
// the write half closes stdout only, so remote end-of-stream does not cut
// off data still arriving on stdin.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdioConn) CloseWrite() error {
	return os.Stdout.Close()
}

func (stdioConn) Close() error {
	os.Stdout.Close()
	return os.Stdin.Close()
}

// startStdio bridges stdin/stdout to a single TCP tunnel, the classic
// "ProxyCommand" mode. The client shuts down when the tunnel ends.
func (c *Client) startStdio(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(c.config.StdioTarget)
	if err != nil {
		return c.Errorf("bad stdio target \"%s\": %s", c.config.StdioTarget, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return c.Errorf("bad stdio target port \"%s\"", portStr)
	}
	if termutil.Isatty(os.Stdin.Fd()) {
		c.WLogf("stdin is a terminal; stdio mode is meant for piped use")
	}
	go func() {
		st, err := c.OpenTunnel(ctx, &wshare.TunnelRequest{
			Host: host,
			Port: uint16(port),
			Kind: wshare.TransportTCP,
		})
		if err != nil {
			c.StartShutdown(c.Errorf("stdio tunnel failed: %s", err))
			return
		}
		pump := wshare.NewPump(c.Logger, st, stdioConn{})
		_, _, perr := pump.Run(ctx)
		c.StartShutdown(perr)
	}()
	return nil
}
