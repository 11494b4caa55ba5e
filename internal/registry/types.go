package registry

import (
	"strings"
	"time"

	"mcpfed/internal/fault"
)

// TransportKind identifies how a backend server is reached.
type TransportKind string

const (
	// TransportStdio runs the server as a local subprocess speaking
	// line-delimited JSON over stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportSSE connects to a remote server over a Server-Sent Events
	// stream paired with HTTP POSTs for writes.
	TransportSSE TransportKind = "sse"

	// TransportStreamableHTTP connects to a remote server over the
	// bidirectional streamable HTTP exchange. "http" and "plain-http" are
	// accepted as aliases at the boundary.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ParseTransportKind normalises a wire string to a TransportKind.
// Unknown kinds fail fast with a validation error.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "streamable-http", "streamablehttp", "http", "plain-http":
		return TransportStreamableHTTP, nil
	default:
		return "", fault.New(fault.KindValidation, "unknown transport kind: %q (supported: stdio, sse, streamable-http)", s)
	}
}

// ServerStatus is the lifecycle state of a registered server.
type ServerStatus string

const (
	StatusDisconnected ServerStatus = "disconnected"
	StatusConnecting   ServerStatus = "connecting"
	StatusConnected    ServerStatus = "connected"
	StatusDegraded     ServerStatus = "degraded"
	StatusError        ServerStatus = "error"
)

// ParseServerStatus normalises a wire string to a ServerStatus.
func ParseServerStatus(s string) (ServerStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disconnected":
		return StatusDisconnected, nil
	case "connecting":
		return StatusConnecting, nil
	case "connected":
		return StatusConnected, nil
	case "degraded":
		return StatusDegraded, nil
	case "error":
		return StatusError, nil
	default:
		return "", fault.New(fault.KindValidation, "unknown server status: %q", s)
	}
}

// TenantScope controls visibility of a record. Global records are visible
// to every tenant; non-global records only to their owning organisation.
type TenantScope struct {
	OrgID  string `json:"org_id,omitempty"`
	Global bool   `json:"global"`
}

// VisibleTo reports whether a record in this scope is visible when
// filtering for tenantID. An empty tenantID sees globals only.
func (t TenantScope) VisibleTo(tenantID string) bool {
	if t.Global {
		return true
	}
	return tenantID != "" && t.OrgID == tenantID
}

// ServerRecord is the durable record of one backend server.
type ServerRecord struct {
	ID               string
	Name             string
	Description      string
	Transport        TransportKind
	ConnectionConfig map[string]interface{}
	HealthCheckURL   string
	Status           ServerStatus
	ToolCount        int
	ErrorMessage     string
	Tenant           TenantScope

	RegisteredAt    time.Time
	ConnectedAt     *time.Time
	LastHealthCheck *time.Time
}

// Clone returns a deep copy so callers cannot mutate store state.
func (r *ServerRecord) Clone() *ServerRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.ConnectionConfig = cloneConfigMap(r.ConnectionConfig)
	if r.ConnectedAt != nil {
		ts := *r.ConnectedAt
		out.ConnectedAt = &ts
	}
	if r.LastHealthCheck != nil {
		ts := *r.LastHealthCheck
		out.LastHealthCheck = &ts
	}
	return &out
}

// cloneConfigMap copies a connection config map so stored records never
// alias caller-owned maps.
func cloneConfigMap(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

// ServerConfig is the input for registering a new server.
type ServerConfig struct {
	Name             string                 `yaml:"name" json:"name"`
	Description      string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Transport        string                 `yaml:"transport" json:"transport"`
	ConnectionConfig map[string]interface{} `yaml:"connection_config" json:"connection_config"`
	HealthCheckURL   string                 `yaml:"health_check_url,omitempty" json:"health_check_url,omitempty"`
	OrgID            string                 `yaml:"org_id,omitempty" json:"org_id,omitempty"`
	Global           bool                   `yaml:"global" json:"global"`
	AutoConnect      bool                   `yaml:"auto_connect" json:"auto_connect"`
}

// Patch describes a partial update. Nil fields are left untouched. The id
// and registration timestamp cannot be patched.
type Patch struct {
	Name             *string
	Description      *string
	ConnectionConfig map[string]interface{}
	HealthCheckURL   *string
}

// ListFilter narrows a List call. A nil Status matches every status. An
// empty TenantID restricts the visible set to global records unless
// AllTenants is set, which internal sweeps use to cover every record.
type ListFilter struct {
	Status     *ServerStatus
	TenantID   string
	AllTenants bool
}
