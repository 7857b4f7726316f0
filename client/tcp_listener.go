package wclient

import (
	"context"
	"net"
)

// startTCPForward listens on f.LocalAddr and tunnels every accepted
// connection to f's destination.
func (c *Client) startTCPForward(ctx context.Context, f *Forward) error {
	l, err := net.Listen("tcp", f.LocalAddr)
	if err != nil {
		return c.Errorf("cannot listen on %s: %s", f.LocalAddr, err)
	}
	c.addCloser(l)
	c.ILogf("forwarding %s", f)
	go c.acceptLoop(ctx, l, f)
	return nil
}

func (c *Client) acceptLoop(ctx context.Context, l net.Listener, f *Forward) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !c.IsStartedShutdown() {
				c.WLogf("accept on %s failed: %s", f.LocalAddr, err)
			}
			return
		}
		go c.handleLocalConn(ctx, conn, f)
	}
}
