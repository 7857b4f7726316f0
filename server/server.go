package wserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomasen/realip"

	wshare "github.com/warren-net/warren/share"
)

// Config is the server configuration, already validated by whoever loaded it.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// TLS optionally terminates TLS on the listener. Certificate loading
	// happened elsewhere.
	TLS *tls.Config

	// Verifier validates bearer tokens. A nil Verifier disables
	// authentication entirely.
	Verifier wshare.TokenVerifier

	// Policy authorizes requested destinations. A nil Policy permits
	// everything.
	Policy wshare.DestinationPolicy

	// Resolver turns destination hostnames into IPs; nil means the system
	// resolver.
	Resolver wshare.Resolver

	// Tunnel carries the core limits; nil means defaults.
	Tunnel *wshare.TunnelConfig

	// DialTimeout bounds each destination dial attempt.
	DialTimeout time.Duration

	// EnableMetrics serves Prometheus metrics on /metrics.
	EnableMetrics bool

	// Debug raises the log level and logs every HTTP request.
	Debug bool
}

// Server is the remote end of the tunnel: it admits websocket upgrade
// requests, multiplexes logical streams out of each session, dials the
// requested destinations and pumps bytes between the two.
type Server struct {
	wshare.ShutdownHelper
	config     *Config
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	resolver   wshare.Resolver
	connStats  wshare.ConnStats

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*wshare.Session]struct{}
}

// NewServer creates a server instance from an already-validated Config.
func NewServer(config *Config) (*Server, error) {
	logLevel := wshare.LogLevelInfo
	if config.Debug {
		logLevel = wshare.LogLevelDebug
	}
	logger := wshare.NewLogger("server", logLevel)

	if config.Tunnel == nil {
		config.Tunnel = wshare.DefaultTunnelConfig()
	}
	if err := config.Tunnel.Validate(); err != nil {
		return nil, err
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{wshare.ProtocolName},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		resolver: config.Resolver,
		sessions: make(map[*wshare.Session]struct{}),
	}
	if s.resolver == nil {
		s.resolver = wshare.NewNetResolver()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.InitShutdownHelper(logger, s)

	mux := http.NewServeMux()
	mux.HandleFunc(wshare.TunnelPath, s.handleUpgrade)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(wshare.BuildVersion + "\n"))
	})
	if config.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	var h http.Handler = mux
	if config.Debug {
		h = requestlog.Wrap(h)
	}
	s.httpServer = &http.Server{Handler: h}
	return s, nil
}

// Run starts the server and blocks until it shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.StartShutdown(err)
		return s.WaitShutdown()
	}
	s.ShutdownOnContext(ctx)
	return s.WaitShutdown()
}

// Start brings up the listener and returns without blocking.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return s.Errorf("cannot listen on %s: %s", s.config.Addr, err)
	}
	scheme := "http"
	if s.config.TLS != nil {
		l = tls.NewListener(l, s.config.TLS)
		scheme = "https"
	}
	s.listener = l
	s.ILogf("listening on %s://%s", scheme, l.Addr())
	go func() {
		err := s.httpServer.Serve(l)
		if !s.IsStartedShutdown() {
			s.StartShutdown(s.Errorf("http server stopped: %s", err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, for tests that listen on ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleUpgrade is the server half of the handshake negotiator: it gates on
// the protocol version, authenticates the token, authorizes any destination
// carried in the upgrade headers, and only then upgrades. After the upgrade
// all further stream admission happens in-band on the session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !protocolMatches(r) {
		// An incompatible peer gets nothing to fingerprint.
		http.NotFound(w, r)
		return
	}

	var claims *wshare.Claims
	if s.config.Verifier != nil {
		var err error
		claims, err = s.config.Verifier.Verify(wshare.BearerToken(r))
		if err != nil {
			s.reject(w, r, &wshare.HandshakeRejected{Kind: wshare.RejectAuth, Reason: err.Error()})
			return
		}
	}

	req, err := wshare.ParseUpgradeRequest(r)
	if err != nil {
		s.reject(w, r, err)
		return
	}
	if req != nil {
		if req.ClientAddr == "" {
			req.ClientAddr = realip.FromRequest(r)
		}
		if err := s.authorize(req, claims); err != nil {
			s.reject(w, r, err)
			return
		}
	}

	respHeader := http.Header{}
	respHeader.Set(wshare.HeaderMaxFrame, strconv.Itoa(s.config.Tunnel.MaxFrameLength))
	wsConn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.DLogf("upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}

	sess := wshare.NewSession(wshare.NewWebSocketConn(wsConn), &wshare.SessionConfig{
		Tunnel:       s.config.Tunnel,
		PeerMaxFrame: wshare.PeerMaxFrame(r.Header),
		Logger:       s.Logger,
		Authorize: func(req *wshare.TunnelRequest) error {
			return s.authorize(req, claims)
		},
		OnStream: s.serveStream,
	})
	s.trackSession(sess)

	if req != nil {
		st, err := sess.AdoptBoundStream(req)
		if err != nil {
			sess.Close()
			return
		}
		go s.serveStream(st)
	}
}

// protocolMatches reports whether the upgrade request offered our protocol
// version.
func protocolMatches(r *http.Request) bool {
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			if strings.TrimSpace(p) == wshare.ProtocolName {
				return true
			}
		}
	}
	return false
}

// authorize runs the destination policy. Policy errors that are not already
// handshake rejections are wrapped as policy denials.
func (s *Server) authorize(req *wshare.TunnelRequest, claims *wshare.Claims) error {
	if s.config.Policy == nil {
		return nil
	}
	err := s.config.Policy.Allow(req, claims)
	if err == nil {
		return nil
	}
	var hr *wshare.HandshakeRejected
	if errors.As(err, &hr) {
		return err
	}
	return &wshare.HandshakeRejected{Kind: wshare.RejectPolicy, Reason: err.Error()}
}

// reject answers a pre-upgrade handshake failure with the status that encodes
// the rejection kind, so the client can tell auth, policy and malformed apart.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	kind := wshare.RejectOther
	var hr *wshare.HandshakeRejected
	if errors.As(err, &hr) {
		kind = hr.Kind
	}
	wshare.MetricHandshakeRejects.WithLabelValues(kind.String()).Inc()
	s.DLogf("rejecting %s from %s: %s", r.URL.Path, r.RemoteAddr, err)
	http.Error(w, err.Error(), wshare.RejectStatus(err))
}

func (s *Server) trackSession(sess *wshare.Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-sess.DoneChan()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
}

// serveStream dials the destination an admitted stream asked for and pumps
// bytes between the two until either side finishes.
func (s *Server) serveStream(st *wshare.Stream) {
	id := s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()
	logger := s.Fork("conn#%d", id)

	req := st.Request()
	conn, err := s.dialDestination(req)
	if err != nil {
		logger.DLogf("cannot reach %s: %s", req, err)
		st.CloseWithError(&wshare.TransportError{Op: "dial " + req.Addr(), Err: err})
		return
	}
	pump := wshare.NewPump(logger, st, conn)
	sent, recvd, _ := pump.Run(s.ctx)
	s.connStats.AddSent(sent)
	s.connStats.AddRecvd(recvd)
	logger.DLogf("%v closed", &s.connStats)
}

// dialDestination resolves and dials the destination of req, trying each
// resolved address in order.
func (s *Server) dialDestination(req *wshare.TunnelRequest) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.DialTimeout)
	defer cancel()
	ips, err := s.resolver.Resolve(ctx, req.Host)
	if err != nil {
		return nil, err
	}
	network := "tcp"
	if req.Kind == wshare.TransportUDP {
		network = "udp"
	}
	d := net.Dialer{}
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(req.Port)))
		conn, err := d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// HandleOnceShutdown drains every live session, force-closing stragglers once
// the grace period runs out.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	sessions := make([]*wshare.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Drain()
	}
	deadline := time.Now().Add(s.config.Tunnel.DrainGrace)
	for _, sess := range sessions {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			sess.Close()
			continue
		}
		t := time.NewTimer(remaining)
		select {
		case <-sess.DoneChan():
		case <-t.C:
			sess.Close()
		}
		t.Stop()
	}
	s.cancel()
	s.httpServer.Close()
	s.ILogf("server stopped %v", &s.connStats)
	return completionErr
}
