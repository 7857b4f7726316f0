package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	wclient "github.com/warren-net/warren/client"
	wserver "github.com/warren-net/warren/server"
	wshare "github.com/warren-net/warren/share"
)

var help = `
  Usage: warren [command] [--help]

  Commands:
    server - runs warren in server mode
    client - runs warren in client mode

  Version: ` + wshare.BuildVersion + `
`

func main() {
	version := flag.Bool("version", false, "")
	flag.Usage = func() {}
	flag.Parse()
	if *version {
		fmt.Println(wshare.BuildVersion)
		os.Exit(0)
	}
	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}
	switch subcmd {
	case "server":
		server(args)
	case "client":
		client(args)
	default:
		fmt.Print(help)
		os.Exit(0)
	}
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "warren: %s\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM so both modes drain cleanly.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

var serverHelp = `
  Usage: warren server [options]

  Options:

    --addr, listen address (defaults to ":8080").

    --token, require this bearer token from every client.

    --authfile, path to a JSON file mapping bearer token to subject name.
    Overrides --token.

    --policyfile, path to a JSON file mapping subject to a list of allowed
    destination patterns (regular expressions over "host:port", "udp:"
    prefix for datagram tunnels). The file is reloaded when it changes.
    Without a policy file every destination is allowed.

    --key and --cert, paths to a PEM key/certificate pair; terminates TLS
    on the listener when both are given.

    --dns, resolve tunnel destinations through this DNS server
    ("host[:port]") instead of the system resolver.

    --dial-timeout, time allowed for each destination dial
    (defaults to 10s).

    --metrics, expose Prometheus metrics on /metrics.

    -v, enable debug logging and HTTP request logging.
` + commonHelp

var commonHelp = `
    --help, this help text.

  Signals:
    SIGINT and SIGTERM start a graceful drain; live tunnels get a grace
    period to finish before being force-closed.
`

func server(args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := flags.String("addr", ":8080", "")
	token := flags.String("token", "", "")
	authfile := flags.String("authfile", "", "")
	policyfile := flags.String("policyfile", "", "")
	key := flags.String("key", "", "")
	cert := flags.String("cert", "", "")
	dnsServer := flags.String("dns", "", "")
	dialTimeout := flags.Duration("dial-timeout", 10*time.Second, "")
	metrics := flags.Bool("metrics", false, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(0)
	}
	flags.Parse(args)

	config := &wserver.Config{
		Addr:          *addr,
		DialTimeout:   *dialTimeout,
		EnableMetrics: *metrics,
		Debug:         *verbose,
	}
	switch {
	case *authfile != "":
		verifier, err := wserver.LoadTokenFile(*authfile)
		fatal(err)
		config.Verifier = verifier
	case *token != "":
		config.Verifier = wserver.NewSingleTokenVerifier(*token)
	}
	var policy *wserver.AllowPolicy
	if *policyfile != "" {
		policy = wserver.NewAllowPolicy()
		config.Policy = policy
	}
	if *key != "" || *cert != "" {
		certificate, err := tls.LoadX509KeyPair(*cert, *key)
		fatal(err)
		config.TLS = &tls.Config{Certificates: []tls.Certificate{certificate}}
	}
	if *dnsServer != "" {
		config.Resolver = wshare.NewDNSResolver(*dnsServer)
	}

	s, err := wserver.NewServer(config)
	fatal(err)
	if policy != nil {
		fatal(policy.Watch(s.Logger, *policyfile, s.ShutdownStartedChan()))
	}
	fatal(s.Run(signalContext()))
}

var clientHelp = `
  Usage: warren client [options] <server> <remote> [remote] [remote] ...

  <server> is the URL of the warren server, e.g. "https://tunnel.example.com".

  <remote>s are tunnels through the server, each of the form

    [local-bind:]local-port:remote-host:remote-port[/udp]

  e.g. "3000:db.internal:5432" forwards local port 3000 to db.internal:5432
  through the server, and "5353:10.0.0.53:53/udp" does the same for
  datagrams.

  Options:

    --token, bearer token presented to the server.

    --socks5, serve a SOCKS5 proxy on this local address whose CONNECT
    requests become tunnels.

    --stdio, bridge stdin/stdout to a single TCP tunnel to "host:port"
    (for use as an SSH ProxyCommand). Ignores <remote>s.

    --max-conns, maximum pooled server connections (defaults to 4).

    --keepalive, interval between liveness pings (defaults to 25s).

    --proxy, route the connection through an HTTP CONNECT proxy,
    e.g. "http://proxy.example.com:3128".

    --hostname, override the Host header on the upgrade request.

    --tls-skip-verify, skip verification of the server certificate.

    -v, enable debug logging.
` + commonHelp

func client(args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	token := flags.String("token", "", "")
	socks5 := flags.String("socks5", "", "")
	stdio := flags.String("stdio", "", "")
	maxConns := flags.Int("max-conns", 0, "")
	keepalive := flags.Duration("keepalive", 0, "")
	proxy := flags.String("proxy", "", "")
	hostname := flags.String("hostname", "", "")
	tlsSkipVerify := flags.Bool("tls-skip-verify", false, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(clientHelp)
		os.Exit(0)
	}
	flags.Parse(args)

	args = flags.Args()
	if len(args) < 1 {
		fatal(fmt.Errorf("a server URL is required (see --help)"))
	}
	config := &wclient.Config{
		Server:      args[0],
		Token:       *token,
		Socks5Addr:  *socks5,
		StdioTarget: *stdio,
		HTTPProxy:   *proxy,
		HostHeader:  *hostname,
		Debug:       *verbose,
	}
	for _, r := range args[1:] {
		kind := wshare.TransportTCP
		if strings.HasSuffix(r, "/udp") {
			kind = wshare.TransportUDP
			r = strings.TrimSuffix(r, "/udp")
		}
		f, err := wclient.ParseForward(r, kind)
		fatal(err)
		config.Forwards = append(config.Forwards, f)
	}
	if len(config.Forwards) == 0 && config.Socks5Addr == "" && config.StdioTarget == "" {
		fatal(fmt.Errorf("at least one remote, --socks5 or --stdio is required (see --help)"))
	}
	if *tlsSkipVerify {
		config.TLS = &tls.Config{InsecureSkipVerify: true}
	}
	if *maxConns > 0 {
		config.Pool = wshare.DefaultPoolConfig()
		config.Pool.MaxConns = *maxConns
	}
	if *keepalive > 0 {
		config.Tunnel = wshare.DefaultTunnelConfig()
		config.Tunnel.KeepAlive = *keepalive
	}

	c, err := wclient.NewClient(config)
	fatal(err)
	fatal(c.Run(signalContext()))
}
