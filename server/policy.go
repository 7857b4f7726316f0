package wserver

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"

	wshare "github.com/warren-net/warren/share"
)

// AllowPolicy authorizes destinations against per-subject allow lists. Each
// rule is a regular expression matched against the destination "host:port"
// (UDP rules are prefixed "udp:"). Rules under the subject "*" apply to
// every principal. An AllowPolicy with no rules denies everything; run
// without a policy at all to allow everything.
type AllowPolicy struct {
	mu    sync.RWMutex
	rules map[string][]*regexp.Regexp
}

// NewAllowPolicy creates an empty (deny-all) policy.
func NewAllowPolicy() *AllowPolicy {
	return &AllowPolicy{rules: make(map[string][]*regexp.Regexp)}
}

// SetRules replaces the entire rule set, compiling each pattern.
func (p *AllowPolicy) SetRules(rules map[string][]string) error {
	compiled := make(map[string][]*regexp.Regexp, len(rules))
	for subject, patterns := range rules {
		for _, pat := range patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return fmt.Errorf("bad rule \"%s\" for \"%s\": %s", pat, subject, err)
			}
			compiled[subject] = append(compiled[subject], re)
		}
	}
	p.mu.Lock()
	p.rules = compiled
	p.mu.Unlock()
	return nil
}

// Allow implements wshare.DestinationPolicy.
func (p *AllowPolicy) Allow(req *wshare.TunnelRequest, claims *wshare.Claims) error {
	target := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	if req.Kind == wshare.TransportUDP {
		target = "udp:" + target
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, re := range p.rules["*"] {
		if re.MatchString(target) {
			return nil
		}
	}
	if claims != nil {
		for _, re := range p.rules[claims.Subject] {
			if re.MatchString(target) {
				return nil
			}
		}
	}
	return &wshare.HandshakeRejected{
		Kind:   wshare.RejectPolicy,
		Reason: fmt.Sprintf("destination %s not permitted", target),
	}
}

// LoadFile replaces the rule set from a JSON file mapping subject to a list
// of patterns:
//
//	{"*": ["^intranet\\..*:443$"], "alice": [".*:22$"]}
func (p *AllowPolicy) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rules map[string][]string
	if err := json.Unmarshal(b, &rules); err != nil {
		return fmt.Errorf("cannot parse policy file %s: %s", path, err)
	}
	return p.SetRules(rules)
}

// Watch reloads the policy whenever the file changes, so rules can be edited
// without restarting the server. The watcher runs until done is closed by
// whoever owns the server lifecycle.
func (p *AllowPolicy) Watch(logger wshare.Logger, path string, done <-chan struct{}) error {
	if err := p.LoadFile(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	logger.ILogf("watching policy file %s", path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.LoadFile(path); err != nil {
					logger.WLogf("policy reload failed, keeping previous rules: %s", err)
				} else {
					logger.ILogf("policy reloaded from %s", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WLogf("policy watcher: %s", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}
