package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/pkg/logging"
)

const (
	// DefaultConnectTimeout bounds one initialize handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultConnectAttempts is the number of connect tries; back-off
	// between them grows 1s, 2s, 4s.
	DefaultConnectAttempts = 3

	// connectBackoffInitial is the delay after the first failed attempt.
	connectBackoffInitial = time.Second
)

// ClientFactory builds a transport client for a kind and decoded config.
// Injectable so tests can substitute mock clients.
type ClientFactory func(kind registry.TransportKind, config ClientConfig) (MCPClient, error)

// ManagedConnection is one live session owned by the Manager. It is never
// handed out by pointer to other subsystems; callers go through the
// Manager's proxy methods.
type ManagedConnection struct {
	ServerID    string
	Transport   registry.TransportKind
	Client      MCPClient
	SessionID   string
	ConnectedAt time.Time

	// cancel stops the stdio supervisor goroutine; nil for transports
	// whose scope the Manager drives directly.
	cancel context.CancelFunc
	// done is closed when the supervisor has finished teardown.
	done chan struct{}
}

// release frees all transport resources. For supervised connections the
// cancellation is awaited to completion so the transport teardown runs.
func (c *ManagedConnection) release() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		return nil
	}
	return c.Client.Close()
}

// connectAttempt is the cancellation handle for an in-flight Connect, so
// a concurrent Disconnect can abort it instead of being undone by it.
type connectAttempt struct {
	cancel context.CancelFunc
}

// Manager owns the lifecycle of one live session per connected server.
type Manager struct {
	registry registry.Store
	factory  ClientFactory

	mu          sync.RWMutex
	connections map[string]*ManagedConnection
	attempts    map[string]*connectAttempt

	connectTimeout  time.Duration
	connectAttempts uint
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClientFactory replaces the transport client factory.
func WithClientFactory(factory ClientFactory) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

// WithConnectTimeout overrides the per-attempt handshake timeout.
func WithConnectTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = timeout }
}

// WithConnectAttempts overrides the number of connect tries.
func WithConnectAttempts(attempts uint) ManagerOption {
	return func(m *Manager) { m.connectAttempts = attempts }
}

// NewManager creates a session manager that records status transitions in
// the given registry store.
func NewManager(store registry.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:        store,
		factory:         NewClientForTransport,
		connections:     make(map[string]*ManagedConnection),
		attempts:        make(map[string]*connectAttempt),
		connectTimeout:  DefaultConnectTimeout,
		connectAttempts: DefaultConnectAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes a session for the server record, retrying with
// exponential back-off. The registry is moved to connecting first, then
// connected on success or error after the final failure.
func (m *Manager) Connect(ctx context.Context, record *registry.ServerRecord) (*ManagedConnection, error) {
	config, err := ParseClientConfig(record.Transport, record.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = m.connectTimeout
	}

	// Register the attempt before any status transition so a concurrent
	// Disconnect can cancel it.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	attempt := &connectAttempt{cancel: cancelAttempt}
	m.mu.Lock()
	m.attempts[record.ID] = attempt
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.attempts[record.ID] == attempt {
			delete(m.attempts, record.ID)
		}
		m.mu.Unlock()
	}()

	if _, err := m.registry.UpdateStatus(ctx, record.ID, registry.StatusConnecting, ""); err != nil {
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = connectBackoffInitial
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0

	conn, err := backoff.Retry(attemptCtx, func() (*ManagedConnection, error) {
		return m.open(attemptCtx, record, config)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(m.connectAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logging.Warn("SessionManager", "Connect attempt for %s failed: %v. Retrying in %s", record.Name, err, duration)
		}),
	)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, m.abortConnect(ctx, record)
		}
		kind := fault.KindConnectionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fault.KindInitializeTimeout
		}
		wrapped := fault.Wrap(kind, err, "connect to server %s", record.Name)
		if _, statusErr := m.registry.UpdateStatus(ctx, record.ID, registry.StatusError, wrapped.Error()); statusErr != nil {
			logging.Error("SessionManager", statusErr, "Failed to record error status for %s", record.Name)
		}
		return nil, wrapped
	}

	m.mu.Lock()
	if attemptCtx.Err() != nil && ctx.Err() == nil {
		// Disconnect cancelled the attempt after the handshake finished;
		// the session must not be published.
		m.mu.Unlock()
		go func() { _ = conn.release() }()
		return nil, m.abortConnect(ctx, record)
	}
	if stale, exists := m.connections[record.ID]; exists {
		// A concurrent connect won the race; release the older session.
		go func() { _ = stale.release() }()
	}
	m.connections[record.ID] = conn
	m.mu.Unlock()

	if _, err := m.registry.UpdateStatus(ctx, record.ID, registry.StatusConnected, ""); err != nil {
		logging.Error("SessionManager", err, "Failed to record connected status for %s", record.Name)
	}

	logging.Info("SessionManager", "Connected to server %s via %s", record.Name, record.Transport)
	return conn, nil
}

// abortConnect converges the record back to disconnected after a
// concurrent Disconnect cancelled the in-flight attempt, since the
// StatusConnecting transition may have landed after the disconnect.
func (m *Manager) abortConnect(ctx context.Context, record *registry.ServerRecord) error {
	if _, err := m.registry.UpdateStatus(ctx, record.ID, registry.StatusDisconnected, ""); err != nil {
		logging.Error("SessionManager", err, "Failed to record disconnected status for %s", record.Name)
	}
	return fault.New(fault.KindConnectionFailed, "connect to server %s aborted by concurrent disconnect", record.Name)
}

// open performs a single connect attempt.
func (m *Manager) open(ctx context.Context, record *registry.ServerRecord, config ClientConfig) (*ManagedConnection, error) {
	if record.Transport == registry.TransportStdio {
		return m.openSupervised(ctx, record, config)
	}
	return m.openDirect(ctx, record, config)
}

// openDirect drives the transport scope by hand: acquire now, release on
// disconnect. Used for SSE and streamable-http.
func (m *Manager) openDirect(ctx context.Context, record *registry.ServerRecord, config ClientConfig) (*ManagedConnection, error) {
	mcpClient, err := m.factory(record.Transport, config)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	initCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	if err := mcpClient.Initialize(initCtx); err != nil {
		return nil, err
	}

	conn := &ManagedConnection{
		ServerID:    record.ID,
		Transport:   record.Transport,
		Client:      mcpClient,
		ConnectedAt: time.Now(),
	}
	if withSession, ok := mcpClient.(interface{ SessionID() string }); ok {
		conn.SessionID = withSession.SessionID()
	}
	return conn, nil
}

// openSupervised starts a dedicated goroutine that owns the subprocess
// transport end to end: it opens the pipes, initializes the session,
// publishes the live handle through the ready channel, then parks until
// cancelled. Cancellation runs the transport teardown, which reaps the
// child process.
func (m *Manager) openSupervised(ctx context.Context, record *registry.ServerRecord, config ClientConfig) (*ManagedConnection, error) {
	supCtx, cancel := context.WithCancel(context.Background())
	conn := &ManagedConnection{
		ServerID:    record.ID,
		Transport:   record.Transport,
		ConnectedAt: time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	ready := make(chan error, 1)

	go func() {
		defer close(conn.done)

		mcpClient, err := m.factory(record.Transport, config)
		if err != nil {
			ready <- backoff.Permanent(err)
			return
		}

		initCtx, initCancel := context.WithTimeout(supCtx, config.ConnectTimeout)
		err = mcpClient.Initialize(initCtx)
		initCancel()
		if err != nil {
			_ = mcpClient.Close()
			ready <- err
			return
		}

		// Publish the handle before signalling readiness so the caller
		// never observes a ready connection without a client.
		conn.Client = mcpClient
		ready <- nil

		<-supCtx.Done()
		if err := mcpClient.Close(); err != nil {
			logging.Debug("SessionManager", "Error closing stdio client for %s: %v", record.Name, err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-conn.done
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		cancel()
		<-conn.done
		return nil, ctx.Err()
	}
}

// Disconnect releases the server's session and marks it disconnected. An
// in-flight Connect for the same server is cancelled, so its caller gets a
// connection error instead of silently re-establishing the session.
// Idempotent: disconnecting an unknown or already disconnected server only
// refreshes the registry status.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	if attempt, ok := m.attempts[serverID]; ok {
		attempt.cancel()
		delete(m.attempts, serverID)
	}
	conn, exists := m.connections[serverID]
	delete(m.connections, serverID)
	m.mu.Unlock()

	if exists {
		if err := conn.release(); err != nil {
			logging.Warn("SessionManager", "Error releasing connection for %s: %v", serverID, err)
		}
	}

	if _, err := m.registry.UpdateStatus(ctx, serverID, registry.StatusDisconnected, ""); err != nil {
		return err
	}
	logging.Debug("SessionManager", "Disconnected server %s", serverID)
	return nil
}

// Reconnect is disconnect followed by connect.
func (m *Manager) Reconnect(ctx context.Context, record *registry.ServerRecord) (*ManagedConnection, error) {
	if err := m.Disconnect(ctx, record.ID); err != nil {
		return nil, err
	}
	return m.Connect(ctx, record)
}

// GetSession returns the live connection for the server, or false.
func (m *Manager) GetSession(serverID string) (*ManagedConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[serverID]
	return conn, ok
}

// IsConnected is a fast local check without any remote round-trip.
func (m *Manager) IsConnected(serverID string) bool {
	_, ok := m.GetSession(serverID)
	return ok
}

// ListTools proxies tools/list on the named session.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]mcp.Tool, error) {
	conn, ok := m.GetSession(serverID)
	if !ok {
		return nil, fault.New(fault.KindServerUnavailable, "no live session for server %s", serverID)
	}
	tools, err := conn.Client.ListTools(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindToolExecutionFailed, err, "list tools on server %s", serverID)
	}
	return tools, nil
}

// ListAllTools proxies tools/list on every live session. Per-server
// failures are logged and skipped.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]mcp.Tool {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string][]mcp.Tool, len(ids))
	for _, id := range ids {
		tools, err := m.ListTools(ctx, id)
		if err != nil {
			logging.Warn("SessionManager", "Skipping tools for %s: %v", id, err)
			continue
		}
		out[id] = tools
	}
	return out
}

// CallTool proxies a tool invocation to the named session using the
// original (un-namespaced) tool name.
func (m *Manager) CallTool(ctx context.Context, serverID, originalName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn, ok := m.GetSession(serverID)
	if !ok {
		return nil, fault.New(fault.KindServerUnavailable, "no live session for server %s", serverID)
	}
	return conn.Client.CallTool(ctx, originalName, args)
}

// HealthCheck probes the session by issuing tools/list, the lightweight
// liveness round-trip with no side effects.
func (m *Manager) HealthCheck(ctx context.Context, serverID string) bool {
	_, err := m.ListTools(ctx, serverID)
	return err == nil
}

// CloseAll cancels in-flight connects and releases every live session.
// Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	for id, attempt := range m.attempts {
		attempt.cancel()
		delete(m.attempts, id)
	}
	conns := m.connections
	m.connections = make(map[string]*ManagedConnection)
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.release(); err != nil {
			logging.Warn("SessionManager", "Error releasing connection for %s: %v", id, err)
		}
		if _, err := m.registry.UpdateStatus(ctx, id, registry.StatusDisconnected, ""); err != nil {
			logging.Warn("SessionManager", "Error updating status for %s: %v", id, err)
		}
	}
}
