package registry

import (
	"context"
	"regexp"

	"mcpfed/internal/events"
	"mcpfed/internal/fault"
)

// serverNamePattern constrains server names so that namespaced tool names
// of the form {server}.{tool} parse unambiguously on the first dot.
var serverNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Store is the authoritative surface for ServerRecords. Two
// implementations exist with identical semantics: MemoryStore for
// embedded/test mode and SQLiteStore for persistent deployments.
type Store interface {
	// Add validates the config and creates a record with status
	// disconnected, tool count zero, and fresh timestamps. Fails with a
	// validation error on empty/malformed names, duplicate names in the
	// same tenant scope, or unrecognised transports.
	Add(ctx context.Context, config ServerConfig) (*ServerRecord, error)

	// Get returns the record or a not_found error.
	Get(ctx context.Context, id string) (*ServerRecord, error)

	// GetByName returns the record with the given name or a not_found
	// error. Names are resolved across all tenant scopes.
	GetByName(ctx context.Context, name string) (*ServerRecord, error)

	// List returns records matching the filter. With a tenant id the
	// visible set is globals plus records owned by that tenant; without
	// one only globals are returned.
	List(ctx context.Context, filter ListFilter) ([]*ServerRecord, error)

	// Update applies a partial patch and returns the updated record.
	Update(ctx context.Context, id string, patch Patch) (*ServerRecord, error)

	// UpdateStatus transitions the record and stores the error message
	// (cleared when empty). Entering connected sets the connected-at
	// timestamp. Returns false for unknown ids.
	UpdateStatus(ctx context.Context, id string, status ServerStatus, errorMessage string) (bool, error)

	// UpdateToolCount sets the running tool count. Returns false for
	// unknown ids.
	UpdateToolCount(ctx context.Context, id string, count int) (bool, error)

	// UpdateLastHealthCheck stamps the record with the current time.
	// Returns false for unknown ids.
	UpdateLastHealthCheck(ctx context.Context, id string) (bool, error)

	// Remove deletes the record. Returns false when the id was unknown.
	// Cascading tool deletion happens externally (facade).
	Remove(ctx context.Context, id string) (bool, error)

	// Close releases any backing resources.
	Close() error
}

func validateConfig(config ServerConfig) (TransportKind, error) {
	if config.Name == "" {
		return "", fault.New(fault.KindValidation, "server name must not be empty")
	}
	if !serverNamePattern.MatchString(config.Name) {
		return "", fault.New(fault.KindValidation, "server name %q must match %s", config.Name, serverNamePattern.String())
	}
	return ParseTransportKind(config.Transport)
}

// statusReason maps a status transition to its event reason.
func statusReason(status ServerStatus) events.Reason {
	switch status {
	case StatusConnecting:
		return events.ReasonServerConnecting
	case StatusConnected:
		return events.ReasonServerConnected
	case StatusDegraded:
		return events.ReasonServerDegraded
	case StatusError:
		return events.ReasonServerError
	default:
		return events.ReasonServerDisconnected
	}
}

// publishStatus emits a best-effort status event when a bus is wired.
func publishStatus(bus *events.Bus, serverID string, status ServerStatus) {
	if bus == nil {
		return
	}
	bus.Publish(events.Event{
		Reason:   statusReason(status),
		ServerID: serverID,
		Payload:  map[string]interface{}{"status": string(status)},
	})
}
