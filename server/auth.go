package wserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	wshare "github.com/warren-net/warren/share"
)

// StaticTokenVerifier authenticates against a fixed token-to-subject table.
// Anything fancier (JWT, OIDC introspection) plugs in behind the same
// wshare.TokenVerifier interface.
type StaticTokenVerifier struct {
	tokens map[string]string
}

// NewStaticTokenVerifier creates a verifier for the given token-to-subject
// table.
func NewStaticTokenVerifier(tokens map[string]string) *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: tokens}
}

// NewSingleTokenVerifier creates a verifier accepting exactly one token.
func NewSingleTokenVerifier(token string) *StaticTokenVerifier {
	return NewStaticTokenVerifier(map[string]string{token: "default"})
}

var errBadToken = errors.New("missing or invalid bearer token")

// Verify implements wshare.TokenVerifier. The comparison is constant-time
// per candidate so a token cannot be guessed byte by byte.
func (v *StaticTokenVerifier) Verify(token string) (*wshare.Claims, error) {
	if token == "" {
		return nil, errBadToken
	}
	for candidate, subject := range v.tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return &wshare.Claims{Subject: subject}, nil
		}
	}
	return nil, errBadToken
}

// LoadTokenFile reads a JSON file mapping token to subject:
//
//	{"s3cret": "alice", "t0ps3cret": "bob"}
func LoadTokenFile(path string) (*StaticTokenVerifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens map[string]string
	if err := json.Unmarshal(b, &tokens); err != nil {
		return nil, fmt.Errorf("cannot parse token file %s: %s", path, err)
	}
	return NewStaticTokenVerifier(tokens), nil
}
