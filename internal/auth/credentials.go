package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Credential transports.
const (
	QueryKey        = "key"
	HeaderAuthKey   = "X-Auth-Key"
	QuerySessionID  = "sessionId"
	HeaderSessionID = "X-Session-Id"
)

// ExtractKey returns the raw key from the `key` query parameter, an
// `Authorization: Bearer` header or `X-Auth-Key`, in that order.
func ExtractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.URL.Query().Get(QueryKey)); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		if k := strings.TrimSpace(h[7:]); k != "" {
			return k
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAuthKey))
}

// ExtractSessionID returns the session id from the `sessionId` query
// parameter or the `X-Session-Id` header.
func ExtractSessionID(r *http.Request) string {
	if s := strings.TrimSpace(r.URL.Query().Get(QuerySessionID)); s != "" {
		return s
	}
	return strings.TrimSpace(r.Header.Get(HeaderSessionID))
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// host part of RemoteAddr. It believes forwarding headers from any peer; use
// ClientIPVia where the caller IP decides access.
func ClientIP(r *http.Request) string {
	if ip := forwardedIP(r); ip != "" {
		return ip
	}
	return PeerIP(r)
}

// ClientIPVia is ClientIP for deployments behind known proxies: forwarding
// headers count only when the direct peer is in trusted.
func ClientIPVia(r *http.Request, trusted IPSet) string {
	peer := PeerIP(r)
	if trusted.Contains(peer) {
		if ip := forwardedIP(r); ip != "" {
			return ip
		}
	}
	return peer
}

// PeerIP returns the host part of RemoteAddr, or RemoteAddr itself when it
// has no port.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

// IPSet matches addresses against exact IPs and CIDR ranges. "*" matches
// every address.
type IPSet struct {
	any      bool
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

// ParseIPSet parses a list of IPs, CIDRs or "*". Blank entries are skipped.
func ParseIPSet(list []string) (IPSet, error) {
	var set IPSet
	for _, s := range list {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
			continue
		case s == "*":
			set.any = true
		case strings.Contains(s, "/"):
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return IPSet{}, fmt.Errorf("ip range %q: %w", s, err)
			}
			set.prefixes = append(set.prefixes, p.Masked())
		default:
			a, err := netip.ParseAddr(s)
			if err != nil {
				return IPSet{}, fmt.Errorf("ip %q: %w", s, err)
			}
			set.addrs = append(set.addrs, a.Unmap())
		}
	}
	return set, nil
}

// Contains reports whether ip is in the set. Unparseable input never matches
// unless the set is "*".
func (s IPSet) Contains(ip string) bool {
	if s.any {
		return true
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, allowed := range s.addrs {
		if allowed == a {
			return true
		}
	}
	for _, p := range s.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// MaskKey hides all but the last four characters of a key for logging.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}
