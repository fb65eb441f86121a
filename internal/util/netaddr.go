package util

import (
	"net"
	"strings"
)

// IsIP reports whether s parses as an IPv4 or IPv6 address.
func IsIP(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}

// NetworkPrefix returns the /24 (IPv4) or /48 (IPv6) network containing ip,
// or "" when ip does not parse.
func NetworkPrefix(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
	}
	return (&net.IPNet{IP: parsed.Mask(net.CIDRMask(48, 128)), Mask: net.CIDRMask(48, 128)}).String()
}

// SameNetwork reports whether a and b share a NetworkPrefix.
func SameNetwork(a, b string) bool {
	pa := NetworkPrefix(a)
	return pa != "" && pa == NetworkPrefix(b)
}
