package wclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	wshare "github.com/warren-net/warren/share"
)

// Forward describes one local listener and the destination its connections
// are tunneled to.
type Forward struct {
	// LocalAddr is the address to listen on, e.g. "127.0.0.1:8000".
	LocalAddr string

	// Host and Port are the remote destination.
	Host string
	Port uint16

	// Kind selects TCP or UDP.
	Kind wshare.TransportKind
}

func (f *Forward) String() string {
	return fmt.Sprintf("%s/%s->%s", f.Kind, f.LocalAddr, net.JoinHostPort(f.Host, strconv.Itoa(int(f.Port))))
}

// ParseForward parses "localport:host:port" or "localhost:localport:host:port".
func ParseForward(s string, kind wshare.TransportKind) (*Forward, error) {
	parts := strings.Split(s, ":")
	f := &Forward{Kind: kind}
	switch len(parts) {
	case 3:
		f.LocalAddr = "127.0.0.1:" + parts[0]
		f.Host = parts[1]
		if err := f.setPort(parts[2]); err != nil {
			return nil, err
		}
	case 4:
		f.LocalAddr = net.JoinHostPort(parts[0], parts[1])
		f.Host = parts[2]
		if err := f.setPort(parts[3]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cannot parse forward \"%s\": want [bind:]port:host:port", s)
	}
	if f.Host == "" {
		return nil, fmt.Errorf("cannot parse forward \"%s\": empty destination host", s)
	}
	return f, nil
}

func (f *Forward) setPort(s string) error {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return fmt.Errorf("bad destination port \"%s\"", s)
	}
	f.Port = uint16(p)
	return nil
}

// Config is the client configuration, already validated by whoever loaded
// it.
type Config struct {
	// Server is the tunnel server, "http(s)://host[:port]" or "ws(s)://...".
	Server string

	// Token is the bearer token attached to every handshake, opaque here.
	Token string

	// TLS optionally overrides TLS settings for wss servers. Certificate
	// loading happened elsewhere.
	TLS *tls.Config

	// HostHeader optionally overrides the Host header on the upgrade
	// request (domain-fronting setups).
	HostHeader string

	// HTTPProxy optionally routes the upgrade through an HTTP CONNECT
	// proxy, "http://host:port".
	HTTPProxy string

	// Tunnel and Pool carry the core limits; nil means defaults.
	Tunnel *wshare.TunnelConfig
	Pool   *wshare.PoolConfig

	// Forwards are the plain TCP/UDP local listeners.
	Forwards []*Forward

	// Socks5Addr, when set, serves a SOCKS5 proxy on this address whose
	// CONNECT requests become tunnels.
	Socks5Addr string

	// StdioTarget, when set ("host:port"), bridges stdin/stdout to one TCP
	// tunnel and ignores all listeners.
	StdioTarget string

	// Debug raises the log level.
	Debug bool
}

// Client is the local end of the tunnel: it accepts connections from
// listeners, opens logical streams through a pooled set of multiplexed
// websocket connections, and pumps bytes between the two.
type Client struct {
	wshare.ShutdownHelper
	config       *Config
	wsURL        string
	httpProxyURL *url.URL
	pool         *wshare.Pool
	connStats    wshare.ConnStats
	closers      []io.Closer
}

// NewClient creates a client instance from an already-validated Config.
func NewClient(config *Config) (*Client, error) {
	logLevel := wshare.LogLevelInfo
	if config.Debug {
		logLevel = wshare.LogLevelDebug
	}
	logger := wshare.NewLogger("client", logLevel)

	if config.Tunnel == nil {
		config.Tunnel = wshare.DefaultTunnelConfig()
	}
	if config.Pool == nil {
		config.Pool = wshare.DefaultPoolConfig()
	}
	if err := config.Tunnel.Validate(); err != nil {
		return nil, err
	}
	if err := config.Pool.Validate(); err != nil {
		return nil, err
	}
	wsURL, err := wshare.UpgradeURL(config.Server)
	if err != nil {
		return nil, logger.Errorf("bad server URL \"%s\": %s", config.Server, err)
	}
	c := &Client{
		config: config,
		wsURL:  wsURL,
	}
	if config.HTTPProxy != "" {
		u, err := url.Parse(config.HTTPProxy)
		if err != nil {
			return nil, logger.Errorf("bad HTTP proxy URL \"%s\": %s", config.HTTPProxy, err)
		}
		c.httpProxyURL = u
	}
	c.InitShutdownHelper(logger, c)
	c.pool = wshare.NewPool(logger, config.Pool, config.Tunnel, c.dial)
	return c, nil
}

// dial establishes one physical connection: websocket upgrade (TLS beneath
// when the URL is wss), handshake headers carrying the token and, when req
// is non-nil, the destination of the stream this dial is on behalf of.
func (c *Client) dial(ctx context.Context, req *wshare.TunnelRequest) (*wshare.Session, *wshare.Stream, error) {
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{wshare.ProtocolName},
		TLSClientConfig:  c.config.TLS,
	}
	if c.httpProxyURL != nil {
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return c.httpProxyURL, nil
		}
	}
	if req != nil && req.Kind == wshare.TransportTCP {
		req.Window = uint32(c.config.Tunnel.RecvWindow)
	}
	headers := wshare.BuildUpgradeHeader(c.config.Token, c.config.Tunnel, req)
	if c.config.HostHeader != "" {
		headers.Set("Host", c.config.HostHeader)
	}
	c.DLogf("dialing %s", c.wsURL)
	wsConn, resp, err := d.DialContext(ctx, c.wsURL, headers)
	if err := wshare.CheckUpgradeResponse(resp, err); err != nil {
		return nil, nil, err
	}
	var peerMaxFrame int
	if resp != nil {
		peerMaxFrame = wshare.PeerMaxFrame(resp.Header)
	}
	sess := wshare.NewSession(wshare.NewWebSocketConn(wsConn), &wshare.SessionConfig{
		Tunnel:       c.config.Tunnel,
		PeerMaxFrame: peerMaxFrame,
		Logger:       c.Logger,
	})
	var bound *wshare.Stream
	if req != nil {
		bound, err = sess.ClaimBoundStream(req)
		if err != nil {
			sess.Close()
			return nil, nil, err
		}
	}
	return sess, bound, nil
}

// OpenTunnel routes one tunnel request through the pool, reusing a session
// with spare capacity or riding the handshake of a freshly dialed
// connection.
func (c *Client) OpenTunnel(ctx context.Context, req *wshare.TunnelRequest) (*wshare.Stream, error) {
	req.Token = c.config.Token
	sess, st, err := c.pool.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	return sess.OpenStream(ctx, req)
}

// Run starts the client and blocks until it shuts down.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.StartShutdown(err)
		return c.WaitShutdown()
	}
	c.ShutdownOnContext(ctx)
	return c.WaitShutdown()
}

// Start brings up the configured listeners and returns without blocking.
// Physical connections are dialed lazily, on first tunnel request.
func (c *Client) Start(ctx context.Context) error {
	c.ILogf("connecting through %s", c.wsURL)
	if c.config.StdioTarget != "" {
		return c.startStdio(ctx)
	}
	for _, f := range c.config.Forwards {
		var err error
		if f.Kind == wshare.TransportUDP {
			err = c.startUDPForward(ctx, f)
		} else {
			err = c.startTCPForward(ctx, f)
		}
		if err != nil {
			return err
		}
	}
	if c.config.Socks5Addr != "" {
		if err := c.startSocks(ctx); err != nil {
			return err
		}
	}
	return nil
}

// handleLocalConn bridges one accepted local connection to a fresh tunnel.
// Failures are reported to the local client exactly once, by closing its
// socket.
func (c *Client) handleLocalConn(ctx context.Context, conn net.Conn, f *Forward) {
	id := c.connStats.New()
	c.connStats.Open()
	defer c.connStats.Close()
	logger := c.Fork("conn#%d", id)

	req := &wshare.TunnelRequest{
		Host:       f.Host,
		Port:       f.Port,
		Kind:       f.Kind,
		ClientAddr: conn.RemoteAddr().String(),
	}
	st, err := c.OpenTunnel(ctx, req)
	if err != nil {
		logger.DLogf("tunnel to %s failed: %s", req, err)
		conn.Close()
		return
	}
	pump := wshare.NewPump(logger, st, conn)
	sent, recvd, _ := pump.Run(ctx)
	c.connStats.AddSent(sent)
	c.connStats.AddRecvd(recvd)
	logger.DLogf("%v closed", &c.connStats)
}

// HandleOnceShutdown closes all listeners and drains the pool.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	for _, cl := range c.closers {
		cl.Close()
	}
	c.pool.Shutdown(c.config.Tunnel.DrainGrace)
	c.ILogf("client stopped %v", &c.connStats)
	return completionErr
}

func (c *Client) addCloser(cl io.Closer) {
	c.closers = append(c.closers, cl)
}
