package wshare

import (
	"bytes"
	"testing"
)

func TestTunnelRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  TunnelRequest
		ok   bool
	}{
		{"tcp", TunnelRequest{Host: "example.com", Port: 443, Kind: TransportTCP}, true},
		{"udp", TunnelRequest{Host: "10.0.0.53", Port: 53, Kind: TransportUDP}, true},
		{"empty host", TunnelRequest{Port: 443, Kind: TransportTCP}, false},
		{"zero port", TunnelRequest{Host: "example.com", Kind: TransportTCP}, false},
		{"bad kind", TunnelRequest{Host: "example.com", Port: 443, Kind: 9}, false},
	}
	for _, c := range cases {
		err := c.req.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: Validate returned error: %s", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: Validate accepted a bad request", c.name)
		}
	}
}

func TestTunnelRequestTokenNeverOnWire(t *testing.T) {
	req := &TunnelRequest{
		Host:  "example.com",
		Port:  443,
		Kind:  TransportTCP,
		Token: "hunter2-very-secret",
	}
	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %s", err)
	}
	if bytes.Contains(b, []byte(req.Token)) {
		t.Fatalf("bearer token leaked into the frame payload: %s", b)
	}
	back, err := UnmarshalTunnelRequest(b)
	if err != nil {
		t.Fatalf("UnmarshalTunnelRequest returned error: %s", err)
	}
	if back.Host != req.Host || back.Port != req.Port || back.Kind != req.Kind {
		t.Errorf("round trip mismatch: got %+v", back)
	}
}

func TestUnmarshalTunnelRequestRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{
		[]byte("not json"),
		[]byte(`{"host":"x","port":0,"kind":"tcp"}`),
		[]byte(`{"host":"x","port":80,"kind":"carrier-pigeon"}`),
	} {
		if _, err := UnmarshalTunnelRequest(b); err == nil {
			t.Errorf("UnmarshalTunnelRequest(%s) accepted garbage", b)
		}
	}
}
