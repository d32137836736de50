package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// clientConn is one service a generated client configuration connects to.
type clientConn struct {
	ServiceID string
	Key       string
}

// springClientConfig is the Spring AI MCP client layout consumed by
// `spring.ai.mcp.client` property files.
type springClientConfig struct {
	Client springClient `yaml:"spring.ai.mcp.client"`
}

type springClient struct {
	SSE          springSSE          `yaml:"sse"`
	Type         string             `yaml:"type"`
	ToolCallback springToolCallback `yaml:"toolcallback"`
}

type springSSE struct {
	Connections map[string]springConnection `yaml:"connections"`
}

type springConnection struct {
	URL         string `yaml:"url"`
	SSEEndpoint string `yaml:"sse-endpoint"`
}

type springToolCallback struct {
	Enabled bool `yaml:"enabled"`
}

// jsonConnection is one entry of the JSON layout used by desktop MCP
// clients: the key travels in a header instead of the query string.
type jsonConnection struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// sseURL returns the gateway URL of a service's SSE endpoint.
func sseURL(baseURL, prefix, serviceID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.Trim(prefix, "/") + "/" + url.PathEscape(serviceID) + "/sse"
}

func withKey(u, key string) string {
	if key == "" {
		return u
	}
	return u + "?key=" + url.QueryEscape(key)
}

// renderClientConfig renders the client configuration for conns in format
// "yaml" or "json".
func renderClientConfig(format, baseURL, prefix string, conns []clientConn) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		cfg := springClientConfig{Client: springClient{
			SSE:          springSSE{Connections: make(map[string]springConnection, len(conns))},
			Type:         "async",
			ToolCallback: springToolCallback{Enabled: true},
		}}
		for _, c := range conns {
			cfg.Client.SSE.Connections[c.ServiceID] = springConnection{
				URL:         withKey(strings.TrimRight(baseURL, "/"), c.Key),
				SSEEndpoint: withKey(sseURL(baseURL, prefix, c.ServiceID), c.Key),
			}
		}
		return yaml.Marshal(cfg)
	case "json":
		out := make(map[string]jsonConnection, len(conns))
		for _, c := range conns {
			conn := jsonConnection{URL: sseURL(baseURL, prefix, c.ServiceID)}
			if c.Key != "" {
				conn.Headers = map[string]string{"Authorization": "Bearer " + c.Key}
			}
			out[c.ServiceID] = conn
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported format %q; use yaml or json", format)
	}
}
