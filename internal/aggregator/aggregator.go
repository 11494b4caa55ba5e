// Package aggregator is the facade over the registry, session manager,
// tool aggregator, and router. Every externally visible operation enters
// here; subsystems never call each other behind its back.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpfed/internal/events"
	"mcpfed/internal/registry"
	"mcpfed/internal/router"
	"mcpfed/internal/session"
	"mcpfed/internal/tools"
	"mcpfed/pkg/logging"
)

const (
	// DefaultHealthInterval is the period of the background health sweep.
	DefaultHealthInterval = 30 * time.Second

	// DefaultDegradeThreshold is the number of consecutive failed probes
	// after which a connected server is demoted to degraded.
	DefaultDegradeThreshold = 3
)

// Aggregator owns one instance of every subsystem plus the rolling
// health-failure counters.
type Aggregator struct {
	registry registry.Store
	sessions *session.Manager
	tools    *tools.Aggregator
	router   *router.Router
	bus      *events.Bus

	mu             sync.Mutex
	healthFailures map[string]int

	healthInterval   time.Duration
	degradeThreshold int
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithBus wires an event bus for lifecycle notifications.
func WithBus(bus *events.Bus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// WithHealthInterval overrides the background sweep period.
func WithHealthInterval(interval time.Duration) Option {
	return func(a *Aggregator) { a.healthInterval = interval }
}

// WithDegradeThreshold overrides the consecutive-failure demotion bar.
func WithDegradeThreshold(threshold int) Option {
	return func(a *Aggregator) { a.degradeThreshold = threshold }
}

// New assembles the facade over already constructed subsystems.
func New(reg registry.Store, sessions *session.Manager, toolAgg *tools.Aggregator, rtr *router.Router, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:         reg,
		sessions:         sessions,
		tools:            toolAgg,
		router:           rtr,
		healthFailures:   make(map[string]int),
		healthInterval:   DefaultHealthInterval,
		degradeThreshold: DefaultDegradeThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterServer records a new backend. With AutoConnect set, a connect
// and discovery round is attempted immediately; its failure is logged on
// the record, not returned, so registration itself never half-fails.
func (a *Aggregator) RegisterServer(ctx context.Context, config registry.ServerConfig) (*registry.ServerRecord, error) {
	record, err := a.registry.Add(ctx, config)
	if err != nil {
		return nil, err
	}

	if config.AutoConnect {
		if _, err := a.ConnectServer(ctx, record.ID); err != nil {
			logging.Warn("Aggregator", "Auto-connect for %s failed: %v", record.Name, err)
		}
		// Re-read so the caller sees the post-connect status.
		if updated, getErr := a.registry.Get(ctx, record.ID); getErr == nil {
			record = updated
		}
	}
	return record, nil
}

// ConnectServer is idempotent: a server that is both marked connected and
// holds a live session is left alone. Otherwise it (re)connects and then
// triggers discovery; a discovery failure does not fail the connect.
func (a *Aggregator) ConnectServer(ctx context.Context, id string) (bool, error) {
	record, err := a.registry.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if record.Status == registry.StatusConnected && a.sessions.IsConnected(id) {
		logging.Debug("Aggregator", "Server %s already connected, skipping", record.Name)
		return true, nil
	}

	if _, err := a.sessions.Connect(ctx, record); err != nil {
		return false, err
	}
	a.resetFailures(id)

	if _, err := a.tools.DiscoverServerTools(ctx, id); err != nil {
		logging.Warn("Aggregator", "Tool discovery after connect failed for %s: %v", record.Name, err)
	}
	return true, nil
}

// DisconnectServer releases the server's session. Idempotent.
func (a *Aggregator) DisconnectServer(ctx context.Context, id string) (bool, error) {
	if err := a.sessions.Disconnect(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveServer cascades: disconnect, purge both tool indexes, drop the
// registry record, forget the health counters. The relational tool delete
// is authoritative; vector cleanup is best effort.
func (a *Aggregator) RemoveServer(ctx context.Context, id string) (bool, error) {
	if err := a.sessions.Disconnect(ctx, id); err != nil {
		logging.Warn("Aggregator", "Disconnect during removal of %s: %v", id, err)
	}

	if removed, err := a.tools.RemoveServerTools(ctx, id); err != nil {
		logging.Warn("Aggregator", "Tool cleanup during removal of %s: %v", id, err)
	} else if removed > 0 {
		logging.Debug("Aggregator", "Removed %d tools with server %s", removed, id)
	}

	ok, err := a.registry.Remove(ctx, id)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	delete(a.healthFailures, id)
	a.mu.Unlock()
	return ok, nil
}

// DiscoverTools refreshes the tool catalog for one server, or for every
// connected server when id is empty. Per-server failures during the full
// sweep are swallowed.
func (a *Aggregator) DiscoverTools(ctx context.Context, id string) ([]*tools.ToolRecord, error) {
	if id != "" {
		return a.tools.DiscoverServerTools(ctx, id)
	}

	connected := registry.StatusConnected
	servers, err := a.registry.List(ctx, registry.ListFilter{Status: &connected, AllTenants: true})
	if err != nil {
		return nil, err
	}

	var all []*tools.ToolRecord
	for _, server := range servers {
		records, err := a.tools.DiscoverServerTools(ctx, server.ID)
		if err != nil {
			logging.Warn("Aggregator", "Discovery failed for %s: %v", server.Name, err)
			continue
		}
		all = append(all, records...)
	}
	return all, nil
}

// ExecuteTool routes and runs a tool call. Failures come back in the same
// envelope shape as successes, so downstream callers stay uniform.
func (a *Aggregator) ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}, serverID string) *router.InvocationResult {
	result, err := a.router.Route(ctx, toolName, args, serverID)
	if err != nil {
		logging.Debug("Aggregator", "Tool execution failed for %s: %v", toolName, err)
		return &router.InvocationResult{
			Content:  []mcp.Content{mcp.NewTextContent(err.Error())},
			IsError:  true,
			ToolName: toolName,
			ServerID: serverID,
		}
	}
	return result
}

// SearchTools runs a semantic search over the aggregated catalog.
func (a *Aggregator) SearchTools(ctx context.Context, query string, serverNames []string, limit int) ([]tools.ScoredTool, error) {
	return a.tools.SearchTools(ctx, query, serverNames, limit)
}

// ListServers exposes the registry's filtered view.
func (a *Aggregator) ListServers(ctx context.Context, filter registry.ListFilter) ([]*registry.ServerRecord, error) {
	return a.registry.List(ctx, filter)
}

// GetServer exposes a single registry record.
func (a *Aggregator) GetServer(ctx context.Context, id string) (*registry.ServerRecord, error) {
	return a.registry.Get(ctx, id)
}

// State is the aggregated snapshot returned by GetState.
type State struct {
	TotalServers     int
	ConnectedServers int
	DegradedServers  int
	ErrorServers     int
	TotalTools       int
	Servers          []ServerState
}

// ServerState is one server's slice of the snapshot.
type ServerState struct {
	ID             string
	Name           string
	Status         registry.ServerStatus
	ToolCount      int
	ErrorMessage   string
	HealthFailures int
}

// GetState summarises the whole fleet in one pass.
func (a *Aggregator) GetState(ctx context.Context) (*State, error) {
	servers, err := a.registry.List(ctx, registry.ListFilter{AllTenants: true})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	failures := make(map[string]int, len(a.healthFailures))
	for id, n := range a.healthFailures {
		failures[id] = n
	}
	a.mu.Unlock()

	state := &State{}
	for _, server := range servers {
		state.TotalServers++
		state.TotalTools += server.ToolCount
		switch server.Status {
		case registry.StatusConnected:
			state.ConnectedServers++
		case registry.StatusDegraded:
			state.DegradedServers++
		case registry.StatusError:
			state.ErrorServers++
		}
		state.Servers = append(state.Servers, ServerState{
			ID:             server.ID,
			Name:           server.Name,
			Status:         server.Status,
			ToolCount:      server.ToolCount,
			ErrorMessage:   server.ErrorMessage,
			HealthFailures: failures[server.ID],
		})
	}
	return state, nil
}

// Shutdown releases every live session. Registered records stay in the
// store for the next boot.
func (a *Aggregator) Shutdown(ctx context.Context) {
	a.sessions.CloseAll(ctx)
}

func (a *Aggregator) resetFailures(id string) {
	a.mu.Lock()
	delete(a.healthFailures, id)
	a.mu.Unlock()
}
