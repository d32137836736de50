package model

import (
	"net/url"
	"strings"
)

// DefaultGatewayPrefix is the path under which MCP services are exposed.
const DefaultGatewayPrefix = "/gateway"

// SplitGatewayPath splits "/gateway/{serviceId}/rest" into the service id and
// the remaining backend path. rest always starts with "/". ok is false when
// p is outside prefix or has no service segment.
func SplitGatewayPath(prefix, p string) (serviceID, rest string, ok bool) {
	if prefix == "" {
		prefix = DefaultGatewayPrefix
	}
	prefix = strings.TrimRight(prefix, "/")
	if p != prefix && !strings.HasPrefix(p, prefix+"/") {
		return "", "", false
	}
	tail := strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/")
	if tail == "" {
		return "", "", false
	}
	serviceID, rest, _ = strings.Cut(tail, "/")
	if serviceID == "" {
		return "", "", false
	}
	return serviceID, "/" + rest, true
}

// SplitGatewayURL splits a request URL the way the proxy routes it: on the
// escaped path, so rest keeps the caller's encoding, with the service segment
// unescaped. Routing, key scope and logging all use it so they agree on the id.
func SplitGatewayURL(prefix string, u *url.URL) (serviceID, rest string, ok bool) {
	id, rest, ok := SplitGatewayPath(prefix, u.EscapedPath())
	if !ok {
		return "", "", false
	}
	id, err := url.PathUnescape(id)
	if err != nil || id == "" {
		return "", "", false
	}
	return id, rest, true
}
