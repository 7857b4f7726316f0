package wshare

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransportKind selects the tunneled transport protocol for one logical
// stream. It is a small closed set; pump and flow-control policy switch on
// it.
type TransportKind byte

const (
	// TransportTCP tunnels one ordered, reliable byte stream.
	TransportTCP TransportKind = 1

	// TransportUDP tunnels one datagram association. UDP streams favor
	// recency over completeness: on buffer overflow the oldest datagram is
	// dropped.
	TransportUDP TransportKind = 2
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ParseTransportKind converts "tcp" or "udp" to a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	}
	return 0, fmt.Errorf("unknown transport kind \"%s\"", s)
}

// MarshalJSON encodes the kind as its lowercase name.
func (k TransportKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes the kind from its lowercase name.
func (k *TransportKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTransportKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TunnelRequest describes one logical connection a client wants relayed:
// the real destination, the transport kind, and optional routing metadata.
// It is transient; it exists only for the duration of a handshake. The
// bearer token rides in the Authorization header, never in the request
// body, so it is excluded from the JSON encoding.
type TunnelRequest struct {
	// Host is the destination hostname or IP literal.
	Host string `json:"host"`

	// Port is the destination port.
	Port uint16 `json:"port"`

	// Kind selects TCP or UDP.
	Kind TransportKind `json:"kind"`

	// ClientAddr optionally carries the original client address as reported
	// by an upstream PROXY-protocol parser or the local listener. The core
	// treats it as opaque.
	ClientAddr string `json:"clientAddr,omitempty"`

	// Metadata carries optional extra routing hints, opaque to the core.
	Metadata map[string]string `json:"meta,omitempty"`

	// Window advertises the opener's initial receive window in bytes for a
	// TCP stream. Zero means the receiver should assume DefaultInitialWindow.
	Window uint32 `json:"window,omitempty"`

	// Token is the bearer token to attach at the handshake boundary. Opaque
	// to the core; verification is the server collaborator's business.
	Token string `json:"-"`
}

// Addr returns the destination in "host:port" form.
func (r *TunnelRequest) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

func (r *TunnelRequest) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Addr())
}

// Validate checks the request is well formed.
func (r *TunnelRequest) Validate() error {
	if r.Host == "" {
		return fmt.Errorf("tunnel request: empty destination host")
	}
	if r.Port == 0 {
		return fmt.Errorf("tunnel request: destination port must be nonzero")
	}
	if r.Kind != TransportTCP && r.Kind != TransportUDP {
		return fmt.Errorf("tunnel request: bad transport kind %d", r.Kind)
	}
	return nil
}

// Marshal serializes the request for an Open frame payload.
func (r *TunnelRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTunnelRequest parses an Open frame payload. The error, if any,
// describes a malformed request and maps to RejectMalformed.
func UnmarshalTunnelRequest(b []byte) (*TunnelRequest, error) {
	r := &TunnelRequest{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("bad tunnel request encoding: %s", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
