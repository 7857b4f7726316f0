package wshare

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ProtocolName is the Sec-WebSocket-Protocol value both sides must agree on.
// Bumped on incompatible wire changes.
const ProtocolName = "warren-v1"

// TunnelPath is the upgrade endpoint on the server.
const TunnelPath = "/warren/v1/tunnel"

// Header names used to encode a tunnel request into the upgrade request.
// The bearer token rides in the standard Authorization header.
const (
	HeaderKind       = "X-Warren-Proto"
	HeaderHost       = "X-Warren-Host"
	HeaderPort       = "X-Warren-Port"
	HeaderClientAddr = "X-Warren-Client-Addr"
	HeaderWindow     = "X-Warren-Window"
	HeaderMaxFrame   = "X-Warren-Max-Frame"
)

// Claims is what a token verifier extracted from a valid bearer token.
// The core treats it as opaque input to the destination policy.
type Claims struct {
	// Subject identifies the authenticated principal.
	Subject string

	// Extra carries any additional verified claims, opaque here.
	Extra map[string]string
}

// TokenVerifier is the external collaborator that validates bearer tokens.
// The core never looks inside a token.
type TokenVerifier interface {
	// Verify checks token and returns its claims, or an error that maps to
	// RejectAuth.
	Verify(token string) (*Claims, error)
}

// DestinationPolicy is the external collaborator that authorizes requested
// destinations.
type DestinationPolicy interface {
	// Allow returns nil when the destination in req is permitted for the
	// given claims, or an error that maps to RejectPolicy.
	Allow(req *TunnelRequest, claims *Claims) error
}

// UpgradeURL normalizes a server URL ("http(s)://host[:port]" or
// "ws(s)://...") into the websocket upgrade URL for the tunnel endpoint.
func UpgradeURL(server string) (string, error) {
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = TunnelPath
	return u.String(), nil
}

// BuildUpgradeHeader encodes the bearer token, the dialer's frame-size
// ceiling and, when req is non-nil, the tunnel destination into upgrade
// request headers. This is the client half of the handshake negotiator. The
// server announces its own frame ceiling in the 101 response, so both sides
// learn what the other will accept before any Data frame flows.
func BuildUpgradeHeader(token string, tcfg *TunnelConfig, req *TunnelRequest) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if tcfg != nil {
		h.Set(HeaderMaxFrame, strconv.Itoa(tcfg.MaxFrameLength))
	}
	if req != nil {
		h.Set(HeaderKind, req.Kind.String())
		h.Set(HeaderHost, req.Host)
		h.Set(HeaderPort, strconv.Itoa(int(req.Port)))
		if req.ClientAddr != "" {
			h.Set(HeaderClientAddr, req.ClientAddr)
		}
		if req.Window > 0 {
			h.Set(HeaderWindow, strconv.FormatUint(uint64(req.Window), 10))
		}
	}
	return h
}

// PeerMaxFrame extracts the frame-size ceiling a peer announced in its
// upgrade request or response headers. Zero means nothing was announced; the
// session then sizes outbound frames by its own limit.
func PeerMaxFrame(h http.Header) int {
	v := h.Get(HeaderMaxFrame)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// CheckUpgradeResponse turns a failed websocket dial into the error
// taxonomy: rejection statuses become HandshakeRejected with the kind the
// status encodes, everything else is a TransportError. Call with the
// response (possibly nil) and error from the dialer; returns nil when the
// upgrade succeeded.
func CheckUpgradeResponse(resp *http.Response, dialErr error) error {
	if dialErr == nil {
		return nil
	}
	if resp == nil {
		return &TransportError{Op: "dial", Err: dialErr}
	}
	reason := resp.Status
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &HandshakeRejected{Kind: RejectAuth, Status: resp.StatusCode, Reason: reason}
	case http.StatusForbidden:
		return &HandshakeRejected{Kind: RejectPolicy, Status: resp.StatusCode, Reason: reason}
	case http.StatusBadRequest:
		return &HandshakeRejected{Kind: RejectMalformed, Status: resp.StatusCode, Reason: reason}
	default:
		return &HandshakeRejected{Kind: RejectOther, Status: resp.StatusCode, Reason: reason}
	}
}

// BearerToken extracts the bearer token from an upgrade request, or "".
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// ParseUpgradeRequest decodes the optional tunnel destination from an
// upgrade request's headers. It returns (nil, nil) when the request carries
// no destination (a bare multiplexing session); a malformed destination maps
// to RejectMalformed.
func ParseUpgradeRequest(r *http.Request) (*TunnelRequest, error) {
	host := r.Header.Get(HeaderHost)
	portStr := r.Header.Get(HeaderPort)
	kindStr := r.Header.Get(HeaderKind)
	if host == "" && portStr == "" && kindStr == "" {
		return nil, nil
	}
	malformed := func(f string, args ...interface{}) error {
		return &HandshakeRejected{Kind: RejectMalformed, Reason: fmt.Sprintf(f, args...)}
	}
	if host == "" {
		return nil, malformed("missing %s header", HeaderHost)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, malformed("bad %s header \"%s\"", HeaderPort, portStr)
	}
	kind := TransportTCP
	if kindStr != "" {
		kind, err = ParseTransportKind(kindStr)
		if err != nil {
			return nil, malformed("bad %s header \"%s\"", HeaderKind, kindStr)
		}
	}
	req := &TunnelRequest{
		Host:       host,
		Port:       uint16(port),
		Kind:       kind,
		ClientAddr: r.Header.Get(HeaderClientAddr),
	}
	if winStr := r.Header.Get(HeaderWindow); winStr != "" {
		win, err := strconv.ParseUint(winStr, 10, 32)
		if err != nil || win == 0 {
			return nil, malformed("bad %s header \"%s\"", HeaderWindow, winStr)
		}
		req.Window = uint32(win)
	}
	if err := req.Validate(); err != nil {
		return nil, malformed("%s", err)
	}
	return req, nil
}

// RejectStatus maps a handshake error to the HTTP status the server answers
// with, so the client can distinguish auth failure, policy denial and
// malformed requests.
func RejectStatus(err error) int {
	if hr, ok := err.(*HandshakeRejected); ok {
		switch hr.Kind {
		case RejectAuth:
			return http.StatusUnauthorized
		case RejectPolicy:
			return http.StatusForbidden
		case RejectMalformed:
			return http.StatusBadRequest
		}
	}
	return http.StatusServiceUnavailable
}
