// Package guard classifies target URLs as allowed or blocked before and after
// rendering. It is a denylist over a CIDR/hostname policy table: loopback,
// private, link-local and unique-local ranges (IPv4 and IPv6), alternate
// IPv4 spellings, and reserved local-service suffixes are blocked, everything
// else is allowed. Parsing failures always block.
//
// Hostname resolution is optional. Even with it enabled, a DNS answer can
// change between the check and the engine's own lookup (rebinding); the
// post-navigation check on the resolved URL narrows but does not close that gap.
package guard

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Verdict is the result of classifying a URL.
type Verdict int

// Supported verdicts.
const (
	Allowed Verdict = iota
	Blocked
)

func (v Verdict) String() string {
	if v == Allowed {
		return "ALLOWED"
	}
	return "BLOCKED"
}

// Decision pairs a verdict with a short reason for audit logs. Reasons may
// name internal hosts and must not be sent to clients.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Blocked reports whether the decision rejects the URL.
func (d Decision) Blocked() bool {
	return d.Verdict == Blocked
}

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy is the table the guard classifies against.
type Policy struct {
	Prefixes []netip.Prefix
	Hosts    []string
	Suffixes []string
}

// DefaultPolicy returns the built-in denylist.
func DefaultPolicy() Policy {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return Policy{
		Prefixes: prefixes,
		Hosts:    []string{"localhost", "127.0.0.1", "::1"},
		Suffixes: []string{"local", "localhost"},
	}
}

// Extend returns the default policy plus the provided entries.
func Extend(cidrs, hosts, suffixes []string) (Policy, error) {
	p := DefaultPolicy()
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			addr, addrErr := netip.ParseAddr(raw)
			if addrErr != nil {
				return Policy{}, fmt.Errorf("parse blocked cidr %q: %w", raw, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		p.Prefixes = append(p.Prefixes, prefix.Masked())
	}
	p.Hosts = append(p.Hosts, hosts...)
	p.Suffixes = append(p.Suffixes, suffixes...)
	return p, nil
}

// Option customizes a Guard.
type Option func(*Guard)

// WithResolver enables hostname resolution in CheckContext.
func WithResolver(r Resolver) Option {
	return func(g *Guard) {
		g.resolver = r
	}
}

// Guard classifies URLs against a Policy. It is safe for concurrent use.
type Guard struct {
	prefixes []netip.Prefix
	hosts    *hostPatterns
	resolver Resolver
}

// New builds a Guard for the policy.
func New(policy Policy, opts ...Option) *Guard {
	g := &Guard{
		prefixes: append([]netip.Prefix(nil), policy.Prefixes...),
		hosts:    newHostPatterns(policy.Hosts, policy.Suffixes),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify returns the verdict for raw without any network activity.
func (g *Guard) Classify(raw string) Verdict {
	return g.Check(raw).Verdict
}

// Check classifies raw without network activity and explains the verdict.
func (g *Guard) Check(raw string) Decision {
	host, decision, done := g.inspect(raw)
	if done {
		return decision
	}
	if addr, ok := hostAddr(host); ok {
		return g.checkAddr(addr)
	}
	return Decision{Verdict: Allowed}
}

// CheckContext behaves like Check and, when a resolver is configured,
// also blocks hostnames resolving to a denied address. Lookup failures block.
func (g *Guard) CheckContext(ctx context.Context, raw string) Decision {
	host, decision, done := g.inspect(raw)
	if done {
		return decision
	}
	if addr, ok := hostAddr(host); ok {
		return g.checkAddr(addr)
	}
	if g.resolver == nil {
		return Decision{Verdict: Allowed}
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return Decision{Verdict: Blocked, Reason: "resolve host: " + err.Error()}
	}
	if len(addrs) == 0 {
		return Decision{Verdict: Blocked, Reason: "host resolved to no addresses"}
	}
	for _, addr := range addrs {
		if d := g.checkAddr(addr); d.Blocked() {
			d.Reason = "resolved " + d.Reason
			return d
		}
	}
	return Decision{Verdict: Allowed}
}

// inspect runs the checks shared by Check and CheckContext. done is true when
// the decision is final.
func (g *Guard) inspect(raw string) (string, Decision, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", Decision{Verdict: Blocked, Reason: "unparseable url"}, true
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", Decision{Verdict: Blocked, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}, true
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return "", Decision{Verdict: Blocked, Reason: "missing host"}, true
	}
	if pattern, ok := g.hosts.match(host); ok {
		return "", Decision{Verdict: Blocked, Reason: "reserved host " + pattern}, true
	}
	return host, Decision{}, false
}

func (g *Guard) checkAddr(addr netip.Addr) Decision {
	addr = addr.Unmap().WithZone("")
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return Decision{Verdict: Blocked, Reason: fmt.Sprintf("address %s in %s", addr, prefix)}
		}
	}
	return Decision{Verdict: Allowed}
}

// hostAddr parses IP literals, including alternate IPv4 spellings.
func hostAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseLooseIPv4(host)
}
