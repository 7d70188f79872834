// Package netutil provides shared host and address normalization helpers.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SplitTarget parses a strict "host:port" upstream address. IPv6 hosts must
// be bracketed and the port must be in 1..65535.
func SplitTarget(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		return "", 0, errors.New("must not carry a scheme")
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, fmt.Errorf("expected host:port: %w", err)
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !ValidPort(port) {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if _, err := netip.ParseAddr(host); err != nil && !ValidHostname(host) {
		return "", 0, fmt.Errorf("invalid host %q", host)
	}
	return host, port, nil
}

// ValidPort reports whether p is a usable TCP/UDP port.
func ValidPort(p int) bool {
	return p > 0 && p <= 65535
}

// ValidHostname checks RFC 1123 label syntax. A leading "*." wildcard label
// is not accepted here.
func ValidHostname(h string) bool {
	h = strings.TrimSuffix(h, ".")
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

// ValidLabel reports whether s is a single DNS label. Underscore-prefixed
// service labels are allowed.
func ValidLabel(s string) bool {
	return validLabel(s)
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		case r == '_' && i == 0:
		default:
			return false
		}
	}
	return true
}

// RecordTypeForIP returns "A" or "AAAA" for a literal address and "" for
// anything that does not parse.
func RecordTypeForIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	if addr.Is4() || addr.Is4In6() {
		return "A"
	}
	return "AAAA"
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
