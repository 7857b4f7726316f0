package wserver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticTokenVerifier(t *testing.T) {
	v := NewStaticTokenVerifier(map[string]string{
		"s3cret":    "alice",
		"t0ps3cret": "bob",
	})
	claims, err := v.Verify("s3cret")
	if err != nil {
		t.Fatalf("Verify returned error for a valid token: %s", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q, want %q", claims.Subject, "alice")
	}
	for _, bad := range []string{"", "s3cre", "s3cret ", "wrong", "t0ps3cret2"} {
		if _, err := v.Verify(bad); err == nil {
			t.Errorf("Verify accepted token %q", bad)
		}
	}
}

func TestSingleTokenVerifier(t *testing.T) {
	v := NewSingleTokenVerifier("sesame")
	if _, err := v.Verify("sesame"); err != nil {
		t.Errorf("Verify returned error for the configured token: %s", err)
	}
	if _, err := v.Verify("open sesame"); err == nil {
		t.Errorf("Verify accepted a wrong token")
	}
}

func TestLoadTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte(`{"abc": "carol"}`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	v, err := LoadTokenFile(path)
	if err != nil {
		t.Fatalf("LoadTokenFile returned error: %s", err)
	}
	claims, err := v.Verify("abc")
	if err != nil || claims.Subject != "carol" {
		t.Errorf("Verify = (%+v, %v), want subject carol", claims, err)
	}

	if err := os.WriteFile(path, []byte(`nope`), 0600); err != nil {
		t.Fatalf("WriteFile returned error: %s", err)
	}
	if _, err := LoadTokenFile(path); err == nil {
		t.Errorf("LoadTokenFile accepted a corrupt file")
	}
}
