// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"strings"
)

// proxyTrust decides whether forwarding headers from a peer are honoured.
type proxyTrust struct {
	nets []*net.IPNet
}

// newProxyTrust parses a comma-separated list of CIDRs. Bare IPs are accepted
// as /32 (or /128) networks; unparsable entries are skipped.
func newProxyTrust(csv string) *proxyTrust {
	t := &proxyTrust{}
	for _, part := range strings.Split(csv, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(p); err == nil {
			t.nets = append(t.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(p); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			t.nets = append(t.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return t
}

func (t *proxyTrust) trusted(remote string) bool {
	if len(t.nets) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP determines the originating IP address. Forwarding headers are
// only believed when the direct peer is a trusted proxy.
func (t *proxyTrust) clientIP(r *http.Request) string {
	if t.trusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
