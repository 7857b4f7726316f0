package wserver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	wshare "github.com/warren-net/warren/share"
)

func wantPolicyDenied(t *testing.T, err error) {
	t.Helper()
	var hr *wshare.HandshakeRejected
	if !errors.As(err, &hr) || hr.Kind != wshare.RejectPolicy {
		t.Errorf("got err %v, want HandshakeRejected/policy", err)
	}
}

func TestAllowPolicy(t *testing.T) {
	p := NewAllowPolicy()
	if err := p.SetRules(map[string][]string{
		"*":     {`^public\.example\.com:443$`},
		"alice": {`.*:22$`, `^udp:10\.0\.0\.53:53$`},
	}); err != nil {
		t.Fatalf("SetRules returned error: %s", err)
	}

	tcp := func(host string, port uint16) *wshare.TunnelRequest {
		return &wshare.TunnelRequest{Host: host, Port: port, Kind: wshare.TransportTCP}
	}
	alice := &wshare.Claims{Subject: "alice"}
	bob := &wshare.Claims{Subject: "bob"}

	// Wildcard rules apply to everyone, even unauthenticated peers.
	for _, claims := range []*wshare.Claims{alice, bob, nil} {
		if err := p.Allow(tcp("public.example.com", 443), claims); err != nil {
			t.Errorf("wildcard rule denied %v: %s", claims, err)
		}
	}

	// Subject rules only apply to that subject.
	if err := p.Allow(tcp("bastion.internal", 22), alice); err != nil {
		t.Errorf("subject rule denied its own subject: %s", err)
	}
	wantPolicyDenied(t, p.Allow(tcp("bastion.internal", 22), bob))
	wantPolicyDenied(t, p.Allow(tcp("bastion.internal", 22), nil))

	// Kind is part of the matched target: a udp rule does not open tcp.
	udpReq := &wshare.TunnelRequest{Host: "10.0.0.53", Port: 53, Kind: wshare.TransportUDP}
	if err := p.Allow(udpReq, alice); err != nil {
		t.Errorf("udp rule denied its own target: %s", err)
	}
	wantPolicyDenied(t, p.Allow(tcp("10.0.0.53", 53), alice))

	// Port is matched too.
	wantPolicyDenied(t, p.Allow(tcp("public.example.com", 80), alice))
}

func TestAllowPolicyEmptyDeniesAll(t *testing.T) {
	p := NewAllowPolicy()
	wantPolicyDenied(t, p.Allow(&wshare.TunnelRequest{Host: "anywhere", Port: 80, Kind: wshare.TransportTCP}, nil))
}

func TestAllowPolicyBadPattern(t *testing.T) {
	p := NewAllowPolicy()
	if err := p.SetRules(map[string][]string{"*": {`^unclosed(`}}); err == nil {
		t.Fatalf("SetRules accepted an invalid pattern")
	}
}

func TestAllowPolicyLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"*": ["^a\\.test:80$"]}`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	p := NewAllowPolicy()
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("LoadFile returned error: %s", err)
	}
	if err := p.Allow(&wshare.TunnelRequest{Host: "a.test", Port: 80, Kind: wshare.TransportTCP}, nil); err != nil {
		t.Errorf("loaded rule denied its target: %s", err)
	}
	if err := os.WriteFile(path, []byte(`{"*": ["not json`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	if err := p.LoadFile(path); err == nil {
		t.Errorf("LoadFile accepted a corrupt policy file")
	}
}

func TestAllowPolicyWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"*": ["^old\\.test:80$"]}`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	p := NewAllowPolicy()
	done := make(chan struct{})
	defer close(done)
	if err := p.Watch(wshare.NewLogger("test", wshare.LogLevelError), path, done); err != nil {
		t.Fatalf("Watch returned error: %s", err)
	}

	newReq := &wshare.TunnelRequest{Host: "new.test", Port: 80, Kind: wshare.TransportTCP}
	wantPolicyDenied(t, p.Allow(newReq, nil))

	if err := os.WriteFile(path, []byte(`{"*": ["^new\\.test:80$"]}`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.Allow(newReq, nil) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("policy never picked up the rewritten file")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
