package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// proxyNets is the set of networks whose forwarding headers are believed.
type proxyNets []*net.IPNet

// parseProxyNets accepts CIDRs and bare addresses. Entries that are neither
// are logged and ignored.
func parseProxyNets(entries []string) proxyNets {
	var nets proxyNets
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			slog.Warn("ignoring invalid trusted proxy", "entry", e)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip, bits = ip.To4(), 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func (p proxyNets) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range p {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// forwardedFor returns the client address named by X-Real-IP, or else the
// first hop of X-Forwarded-For. Values that do not parse as addresses are
// ignored.
func forwardedFor(h http.Header) net.IP {
	if v := strings.TrimSpace(h.Get("X-Real-IP")); v != "" {
		return net.ParseIP(v)
	}
	first, _, _ := strings.Cut(h.Get("X-Forwarded-For"), ",")
	return net.ParseIP(strings.TrimSpace(first))
}

// TrustedRealIP rewrites RemoteAddr to the forwarded client address when the
// connection comes from one of trustedCIDRs. The rate limiters and the audit
// entries of restores and repairs key on the result, so headers from any
// other peer are left untouched.
func TrustedRealIP(trustedCIDRs []string) func(http.Handler) http.Handler {
	trusted := parseProxyNets(trustedCIDRs)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) > 0 && trusted.contains(hostIP(r.RemoteAddr)) {
				if ip := forwardedFor(r.Header); ip != nil {
					r.RemoteAddr = ip.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostIP parses "host:port" or a bare address.
func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}
