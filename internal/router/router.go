// Package router resolves flat-namespace tool references back to a
// concrete backend server and forwards the invocation over its live
// session.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/internal/session"
	"mcpfed/internal/tools"
	"mcpfed/pkg/logging"
)

// DefaultCallTimeout bounds one remote tool invocation wall-clock. On
// expiry the in-flight call is abandoned; execution is at-most-once.
const DefaultCallTimeout = 60 * time.Second

// Strategy tags how a tool reference was resolved.
type Strategy string

const (
	// StrategyExplicitServer is used when the caller pinned the server id.
	StrategyExplicitServer Strategy = "explicit_server"

	// StrategyNamespaceResolved is used when the name carried a
	// {server}.{tool} namespace.
	StrategyNamespaceResolved Strategy = "namespace_resolved"

	// StrategyFallback is used when a bare name matched the catalog.
	StrategyFallback Strategy = "fallback"
)

// RoutingContext is the per-invocation resolution record.
type RoutingContext struct {
	Strategy     Strategy
	ServerID     string
	ServerName   string
	ToolName     string
	OriginalName string
	Arguments    map[string]interface{}
	CreatedAt    time.Time
}

// InvocationResult is the normalised reply, success or failure, decorated
// with where and how the call ran.
type InvocationResult struct {
	Content         []mcp.Content
	IsError         bool
	ExecutionTimeMS int64
	ServerID        string
	ServerName      string
	ToolName        string
	OriginalName    string
	Strategy        Strategy
}

// Router wires name resolution to session dispatch.
type Router struct {
	registry    registry.Store
	sessions    *session.Manager
	tools       tools.ToolStore
	callTimeout time.Duration
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithCallTimeout overrides the invocation wall-clock budget.
func WithCallTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = timeout }
}

// NewRouter creates a router over the registry, session manager, and tool
// catalog.
func NewRouter(reg registry.Store, sessions *session.Manager, store tools.ToolStore, opts ...RouterOption) *Router {
	r := &Router{
		registry:    reg,
		sessions:    sessions,
		tools:       store,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a tool reference to its routing context without executing
// anything. Strategies are checked in order: explicit server id,
// namespaced name, bare-name catalog lookup.
func (r *Router) Resolve(ctx context.Context, toolName string, args map[string]interface{}, serverID string) (*RoutingContext, error) {
	if toolName == "" {
		return nil, fault.New(fault.KindValidation, "tool name must not be empty")
	}

	var (
		strategy     Strategy
		record       *registry.ServerRecord
		originalName string
		err          error
	)

	switch {
	case serverID != "":
		strategy = StrategyExplicitServer
		record, err = r.registry.Get(ctx, serverID)
		if err != nil {
			return nil, err
		}
		// Prefer the catalog's original name when the supplied name is a
		// known namespaced tool of this server; otherwise pass it through.
		originalName = toolName
		if tool, lookupErr := r.tools.GetToolByName(ctx, toolName); lookupErr == nil && tool.ServerID == record.ID {
			originalName = tool.OriginalName
		}

	case strings.Contains(toolName, "."):
		strategy = StrategyNamespaceResolved
		serverName, parsed, parseErr := tools.ParseNamespacedName(toolName)
		if parseErr != nil {
			return nil, parseErr
		}
		record, err = r.registry.GetByName(ctx, serverName)
		if err != nil {
			return nil, err
		}
		originalName = parsed

	default:
		strategy = StrategyFallback
		tool, lookupErr := r.tools.GetToolByName(ctx, toolName)
		if lookupErr != nil {
			return nil, lookupErr
		}
		record, err = r.registry.Get(ctx, tool.ServerID)
		if err != nil {
			return nil, err
		}
		originalName = tool.OriginalName
	}

	if record.Status != registry.StatusConnected {
		return nil, fault.New(fault.KindServerUnavailable,
			"server %s is %s, not connected", record.Name, record.Status)
	}

	return &RoutingContext{
		Strategy:     strategy,
		ServerID:     record.ID,
		ServerName:   record.Name,
		ToolName:     toolName,
		OriginalName: originalName,
		Arguments:    args,
		CreatedAt:    time.Now(),
	}, nil
}

// Route resolves the reference and executes the call under the timeout.
func (r *Router) Route(ctx context.Context, toolName string, args map[string]interface{}, serverID string) (*InvocationResult, error) {
	routing, err := r.Resolve(ctx, toolName, args, serverID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, routing)
}

func (r *Router) execute(ctx context.Context, routing *RoutingContext) (*InvocationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	started := time.Now()
	result, err := r.sessions.CallTool(callCtx, routing.ServerID, routing.OriginalName, routing.Arguments)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		return nil, r.mapExecutionError(ctx, routing, err, elapsed)
	}

	logging.Debug("Router", "Executed %s on %s in %dms (strategy %s)",
		routing.OriginalName, routing.ServerName, elapsed, routing.Strategy)

	return &InvocationResult{
		Content:         result.Content,
		IsError:         result.IsError,
		ExecutionTimeMS: elapsed,
		ServerID:        routing.ServerID,
		ServerName:      routing.ServerName,
		ToolName:        routing.ToolName,
		OriginalName:    routing.OriginalName,
		Strategy:        routing.Strategy,
	}, nil
}

// mapExecutionError classifies a failed call. Timeouts are terminal for
// the call but leave the server connected; other failures are re-checked
// against the registry to distinguish a mid-call disconnect from a plain
// remote error.
func (r *Router) mapExecutionError(ctx context.Context, routing *RoutingContext, err error, elapsedMS int64) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindToolExecutionTimeout, err,
			"tool %s on server %s timed out after %dms", routing.OriginalName, routing.ServerName, elapsedMS)
	}
	if fault.IsKind(err, fault.KindServerUnavailable) {
		return err
	}

	current, getErr := r.registry.Get(ctx, routing.ServerID)
	if getErr != nil || current.Status != registry.StatusConnected {
		return fault.Wrap(fault.KindServerDisconnected, err,
			"server %s disconnected while executing %s", routing.ServerName, routing.OriginalName)
	}
	return fault.Wrap(fault.KindToolExecutionFailed, err,
		"tool %s on server %s", routing.OriginalName, routing.ServerName)
}
