package wclient

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"strconv"

	socks5 "github.com/armon/go-socks5"

	wshare "github.com/warren-net/warren/share"
)

// startSocks serves a local SOCKS5 proxy whose CONNECT requests become
// tunnels. The SOCKS5 wire protocol itself is the library's business; we
// only supply the dialer that turns a parsed destination into a logical
// stream.
func (c *Client) startSocks(ctx context.Context) error {
	socksLogger := log.New(io.Discard, "", 0)
	if c.GetLogLevel() >= wshare.LogLevelDebug {
		socksLogger = log.New(os.Stderr, "[socks] ", log.Ldate|log.Ltime)
	}
	server, err := socks5.New(&socks5.Config{
		Dial:   c.socksDial,
		Logger: socksLogger,
	})
	if err != nil {
		return c.Errorf("cannot create SOCKS5 server: %s", err)
	}
	l, err := net.Listen("tcp", c.config.Socks5Addr)
	if err != nil {
		return c.Errorf("cannot listen on %s: %s", c.config.Socks5Addr, err)
	}
	c.addCloser(l)
	c.ILogf("SOCKS5 proxy on %s", c.config.Socks5Addr)
	go func() {
		if err := server.Serve(l); err != nil && !c.IsStartedShutdown() {
			c.WLogf("SOCKS5 server stopped: %s", err)
		}
	}()
	return nil
}

// socksDial turns a SOCKS5 CONNECT destination into a tunneled stream
// wrapped as a net.Conn.
func (c *Client) socksDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, c.Errorf("bad SOCKS destination \"%s\": %s", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, c.Errorf("bad SOCKS destination port \"%s\"", portStr)
	}
	kind := wshare.TransportTCP
	if network == "udp" {
		kind = wshare.TransportUDP
	}
	st, err := c.OpenTunnel(ctx, &wshare.TunnelRequest{
		Host: host,
		Port: uint16(port),
		Kind: kind,
	})
	if err != nil {
		return nil, err
	}
	return wshare.NewStreamConn(st), nil
}
