package session

import (
	"fmt"
	"net/http"
	"time"

	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
)

// ClientConfig contains configuration for creating an MCP client. This is
// the decoded form of the opaque connection-config blob stored on a
// ServerRecord.
type ClientConfig struct {
	// Command is the executable path for stdio servers
	Command string
	// Args are the command line arguments for stdio servers
	Args []string
	// Env contains environment variables overlaid on the inherited
	// environment for stdio servers
	Env map[string]string
	// URL is the endpoint for remote servers (sse, streamable-http)
	URL string
	// Headers are HTTP headers for remote servers
	Headers map[string]string
	// ConnectTimeout bounds the initialize handshake
	ConnectTimeout time.Duration
	// SSEReadTimeout bounds stream reads for streamable-http servers
	SSEReadTimeout time.Duration
}

// ParseClientConfig decodes the opaque connection-config map for the
// given transport. Shapes per kind:
//
//	stdio:           {command, args?, env?}
//	sse:             {url, headers?, timeout?}
//	streamable-http: {url | base_url, headers?, timeout?, sse_read_timeout?}
func ParseClientConfig(kind registry.TransportKind, raw map[string]interface{}) (ClientConfig, error) {
	cfg := ClientConfig{
		Command: stringValue(raw, "command"),
		Args:    stringSlice(raw, "args"),
		Env:     stringMap(raw, "env"),
		URL:     stringValue(raw, "url"),
		Headers: stringMap(raw, "headers"),
	}
	if cfg.URL == "" {
		cfg.URL = stringValue(raw, "base_url")
	}

	var err error
	if cfg.ConnectTimeout, err = durationValue(raw, "timeout"); err != nil {
		return ClientConfig{}, err
	}
	if cfg.SSEReadTimeout, err = durationValue(raw, "sse_read_timeout"); err != nil {
		return ClientConfig{}, err
	}

	switch kind {
	case registry.TransportStdio:
		if cfg.Command == "" {
			return ClientConfig{}, fault.New(fault.KindValidation, "command is required for stdio transport")
		}
	case registry.TransportSSE, registry.TransportStreamableHTTP:
		if cfg.URL == "" {
			return ClientConfig{}, fault.New(fault.KindValidation, "url is required for %s transport", kind)
		}
	default:
		return ClientConfig{}, fault.New(fault.KindValidation, "unsupported transport kind: %s", kind)
	}
	return cfg, nil
}

// NewClientForTransport creates the appropriate MCP client for the
// transport kind. This factory encapsulates the choice of client
// implementation so the Manager never touches concrete types.
func NewClientForTransport(kind registry.TransportKind, config ClientConfig) (MCPClient, error) {
	switch kind {
	case registry.TransportStdio:
		return NewStdioClient(config.Command, config.Args, config.Env), nil

	case registry.TransportSSE:
		return NewSSEClient(config.URL, config.Headers), nil

	case registry.TransportStreamableHTTP:
		if config.SSEReadTimeout > 0 {
			httpClient := &http.Client{Timeout: config.SSEReadTimeout}
			return NewStreamableHTTPClientWithHTTPClient(config.URL, config.Headers, httpClient), nil
		}
		return NewStreamableHTTPClient(config.URL, config.Headers), nil

	default:
		return nil, fault.New(fault.KindValidation, "unsupported transport kind: %s", kind)
	}
}

func stringValue(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func stringSlice(raw map[string]interface{}, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

func stringMap(raw map[string]interface{}, key string) map[string]string {
	switch v := raw[key].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = fmt.Sprintf("%v", item)
		}
		return out
	default:
		return nil
	}
}

// durationValue accepts a Go duration string ("30s") or a number of
// seconds, matching both hand-written YAML and JSON round-trips.
func durationValue(raw map[string]interface{}, key string) (time.Duration, error) {
	switch v := raw[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fault.New(fault.KindValidation, "invalid duration for %s: %q", key, v)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fault.New(fault.KindValidation, "invalid duration for %s: %v", key, v)
	}
}
