package guard

import (
	"net/netip"
	"strconv"
	"strings"
)

// parseLooseIPv4 interprets host the way browsers and inet_aton do: one to
// four dot-separated parts, each decimal, octal (leading 0) or hex (0x). The
// last part fills the remaining low-order bytes, so "127.1", "2130706433" and
// "0x7f.0.0.1" all denote 127.0.0.1.
func parseLooseIPv4(host string) (netip.Addr, bool) {
	if host == "" {
		return netip.Addr{}, false
	}
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	values := make([]uint64, 0, len(parts))
	for _, part := range parts {
		v, ok := parseIPv4Part(part)
		if !ok {
			return netip.Addr{}, false
		}
		values = append(values, v)
	}

	var ip uint64
	leading := values[:len(values)-1]
	for i, v := range leading {
		if v > 0xff {
			return netip.Addr{}, false
		}
		ip |= v << (24 - 8*uint(i))
	}
	last := values[len(values)-1]
	remaining := uint(4 - len(leading))
	if last >= 1<<(8*remaining) {
		return netip.Addr{}, false
	}
	ip |= last

	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}

func parseIPv4Part(part string) (uint64, bool) {
	if part == "" {
		return 0, false
	}
	base := 10
	digits := part
	switch {
	case len(part) > 2 && (part[:2] == "0x" || part[:2] == "0X"):
		base = 16
		digits = part[2:]
	case len(part) > 1 && part[0] == '0':
		base = 8
		digits = part[1:]
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}
