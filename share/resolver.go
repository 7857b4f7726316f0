package wshare

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver is the external collaborator that turns destination hostnames
// into IPs. Resolver internals (caching, DNS-over-HTTPS, etc.) are not the
// core's business.
type Resolver interface {
	// Resolve returns the addresses for host. An IP literal resolves to
	// itself.
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// NetResolver resolves through the operating system's stub resolver.
type NetResolver struct {
	r net.Resolver
}

// NewNetResolver creates a Resolver backed by the system resolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{}
}

// Resolve returns the addresses for host.
func (n *NetResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := n.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DNSResolver queries a specific DNS server directly, bypassing the system
// resolver. Useful on hosts whose stub resolver is the very thing being
// tunneled around.
type DNSResolver struct {
	// Server is the DNS server to query, "host:port".
	Server string

	client dns.Client
}

// NewDNSResolver creates a Resolver that queries server ("host:port", port
// 53 assumed when missing) over UDP.
func NewDNSResolver(server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{Server: server}
}

// Resolve queries A and AAAA records for host.
func (d *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		in, _, err := d.client.ExchangeContext(ctx, m, d.Server)
		if err != nil {
			if len(ips) > 0 {
				break // partial answer is good enough
			}
			return nil, err
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return ips, nil
}
