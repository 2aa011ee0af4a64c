package guard

import "strings"

// hostPatterns stores exact hosts and suffix wildcards derived from the policy table.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(hosts, suffixes []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range hosts {
		value := normalizeHost(raw)
		if value == "" {
			continue
		}
		matcher.exact[value] = struct{}{}
	}
	for _, raw := range suffixes {
		value := normalizeHost(raw)
		value = strings.TrimPrefix(value, "*")
		value = strings.TrimPrefix(value, ".")
		if value != "" {
			matcher.addSuffix(value)
		}
	}
	return matcher
}

func (p *hostPatterns) addSuffix(suffix string) {
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// match reports the pattern that blocks host, if any.
func (p *hostPatterns) match(host string) (string, bool) {
	if p == nil || host == "" {
		return "", false
	}
	if _, exact := p.exact[host]; exact {
		return host, true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return "." + suffix, true
		}
	}
	return "", false
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	return strings.TrimSuffix(host, ".")
}
