package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/internal/router"
	"mcpfed/internal/session"
	"mcpfed/internal/tools"
)

// fakeBackend is a controllable MCP client shared by facade tests.
type fakeBackend struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	listErr   error
	initCalls int
	lastCall  string
	lastArgs  map[string]interface{}
}

func (b *fakeBackend) Initialize(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	return nil
}

func (b *fakeBackend) Close() error               { return nil }
func (b *fakeBackend) Ping(context.Context) error { return nil }

func (b *fakeBackend) ListTools(context.Context) ([]mcp.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.tools, nil
}

func (b *fakeBackend) CallTool(_ context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCall = name
	b.lastArgs = args
	return mcp.NewToolResultText("done"), nil
}

func (b *fakeBackend) setListErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

func (b *fakeBackend) initCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls
}

type facadeFixture struct {
	registry *registry.MemoryStore
	sessions *session.Manager
	store    *tools.MemoryToolStore
	vectors  *tools.ChromemVectorStore
	backend  *fakeBackend
	facade   *Aggregator
}

func newFacadeFixture(t *testing.T, opts ...Option) *facadeFixture {
	t.Helper()

	reg := registry.NewMemoryStore(nil)
	backend := &fakeBackend{tools: []mcp.Tool{
		{Name: "search", Description: "find"},
		{Name: "get.item", Description: "fetch"},
	}}
	sessions := session.NewManager(reg,
		session.WithClientFactory(func(registry.TransportKind, session.ClientConfig) (session.MCPClient, error) {
			return backend, nil
		}),
		session.WithConnectAttempts(1))
	store := tools.NewMemoryToolStore()
	vectors, err := tools.NewChromemVectorStore("")
	require.NoError(t, err)

	toolAgg := tools.NewAggregator(reg, sessions, store, vectors)
	rtr := router.NewRouter(reg, sessions, store)

	return &facadeFixture{
		registry: reg,
		sessions: sessions,
		store:    store,
		vectors:  vectors,
		backend:  backend,
		facade:   New(reg, sessions, toolAgg, rtr, opts...),
	}
}

func githubConfig() registry.ServerConfig {
	return registry.ServerConfig{
		Name:             "github",
		Transport:        "sse",
		ConnectionConfig: map[string]interface{}{"url": "https://x/y"},
		Global:           true,
	}
}

func TestRegisterServerStartsDisconnected(t *testing.T) {
	fixture := newFacadeFixture(t)

	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, registry.StatusDisconnected, record.Status)
	assert.Zero(t, record.ToolCount)

	servers, err := fixture.facade.ListServers(context.Background(), registry.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestRegisterServerDuplicateName(t *testing.T) {
	fixture := newFacadeFixture(t)

	_, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)

	_, err = fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestConnectServerDiscoversTools(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)

	ok, err := fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	updated, err := fixture.facade.GetServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusConnected, updated.Status)
	assert.Equal(t, 2, updated.ToolCount)

	for _, name := range []string{"github.search", "github.get.item"} {
		tool, err := fixture.store.GetToolByName(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, record.ID, tool.ServerID)
	}
}

func TestConnectServerIsIdempotent(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)

	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, fixture.backend.initCount())
}

func TestRegisterServerAutoConnect(t *testing.T) {
	fixture := newFacadeFixture(t)
	config := githubConfig()
	config.AutoConnect = true

	record, err := fixture.facade.RegisterServer(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusConnected, record.Status)
	assert.Equal(t, 2, record.ToolCount)
}

func TestExecuteToolNamespaceResolved(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	args := map[string]interface{}{"id": 42}
	result := fixture.facade.ExecuteTool(context.Background(), "github.get.item", args, "")

	assert.False(t, result.IsError)
	assert.Equal(t, router.StrategyNamespaceResolved, result.Strategy)
	assert.Equal(t, "github", result.ServerName)
	assert.Equal(t, "get.item", result.OriginalName)
	assert.GreaterOrEqual(t, result.ExecutionTimeMS, int64(0))
	assert.NotEmpty(t, result.Content)

	assert.Equal(t, "get.item", fixture.backend.lastCall)
	assert.Equal(t, args, fixture.backend.lastArgs)
}

func TestExecuteToolFailureEnvelope(t *testing.T) {
	fixture := newFacadeFixture(t)
	_, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)

	// Not connected: same envelope shape, is_error set, message in content.
	result := fixture.facade.ExecuteTool(context.Background(), "github.search", nil, "")
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "not connected")
}

func TestHealthCheckDegradesAfterThreshold(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	fixture.backend.setListErr(errors.New("stream closed"))

	for i := 1; i <= 3; i++ {
		result, err := fixture.facade.HealthCheck(context.Background(), record.ID)
		require.NoError(t, err)
		assert.False(t, result.Healthy)
		assert.Equal(t, i, result.ConsecutiveFailures)
	}

	updated, err := fixture.facade.GetServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDegraded, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "3 consecutive")
}

func TestHealthCheckRecoveryResetsCounter(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	fixture.backend.setListErr(errors.New("blip"))
	_, err = fixture.facade.HealthCheck(context.Background(), record.ID)
	require.NoError(t, err)
	_, err = fixture.facade.HealthCheck(context.Background(), record.ID)
	require.NoError(t, err)

	// Two failures, then recovery: the counter starts over.
	fixture.backend.setListErr(nil)
	result, err := fixture.facade.HealthCheck(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Zero(t, result.ConsecutiveFailures)

	updated, err := fixture.facade.GetServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusConnected, updated.Status)
	assert.NotNil(t, updated.LastHealthCheck)
}

func TestHealthMonitorSweep(t *testing.T) {
	fixture := newFacadeFixture(t, WithHealthInterval(20*time.Millisecond))
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	fixture.backend.setListErr(errors.New("stream closed"))

	monitor := fixture.facade.StartHealthMonitor(context.Background())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		updated, err := fixture.facade.GetServer(context.Background(), record.ID)
		return err == nil && updated.Status == registry.StatusDegraded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveServerCascades(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	// Seed a failure counter so removal provably purges it.
	fixture.backend.setListErr(errors.New("blip"))
	_, err = fixture.facade.HealthCheck(context.Background(), record.ID)
	require.NoError(t, err)

	ok, err := fixture.facade.RemoveServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = fixture.facade.GetServer(context.Background(), record.ID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = fixture.store.GetToolByName(context.Background(), "github.search")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	fixture.facade.mu.Lock()
	_, tracked := fixture.facade.healthFailures[record.ID]
	fixture.facade.mu.Unlock()
	assert.False(t, tracked)

	// The name is free again.
	_, err = fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
}

func TestReconnectUnhealthy(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	fixture.backend.setListErr(errors.New("stream closed"))
	for i := 0; i < 3; i++ {
		_, err = fixture.facade.HealthCheck(context.Background(), record.ID)
		require.NoError(t, err)
	}
	fixture.backend.setListErr(nil)

	results := fixture.facade.ReconnectUnhealthy(context.Background())
	assert.True(t, results[record.ID])

	updated, err := fixture.facade.GetServer(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusConnected, updated.Status)
}

func TestGetStateSnapshot(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	other := githubConfig()
	other.Name = "jira"
	_, err = fixture.facade.RegisterServer(context.Background(), other)
	require.NoError(t, err)

	state, err := fixture.facade.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.TotalServers)
	assert.Equal(t, 1, state.ConnectedServers)
	assert.Equal(t, 2, state.TotalTools)
	require.Len(t, state.Servers, 2)
}

func TestListServersTenantVisibility(t *testing.T) {
	fixture := newFacadeFixture(t)

	global := githubConfig()
	_, err := fixture.facade.RegisterServer(context.Background(), global)
	require.NoError(t, err)

	scoped := githubConfig()
	scoped.Name = "internal-jira"
	scoped.Global = false
	scoped.OrgID = "org-1"
	_, err = fixture.facade.RegisterServer(context.Background(), scoped)
	require.NoError(t, err)

	// Without a tenant filter only globals are visible.
	servers, err := fixture.facade.ListServers(context.Background(), registry.ListFilter{})
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "github", servers[0].Name)

	// The owning tenant sees both.
	servers, err = fixture.facade.ListServers(context.Background(), registry.ListFilter{TenantID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, servers, 2)
}

func TestDiscoverToolsAllConnected(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	records, err := fixture.facade.DiscoverTools(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// Idempotent: re-discovery keeps the same ids.
	again, err := fixture.facade.DiscoverTools(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for i := range records {
		assert.Equal(t, records[i].ID, again[i].ID)
	}
}

func TestShutdownReleasesSessions(t *testing.T) {
	fixture := newFacadeFixture(t)
	record, err := fixture.facade.RegisterServer(context.Background(), githubConfig())
	require.NoError(t, err)
	_, err = fixture.facade.ConnectServer(context.Background(), record.ID)
	require.NoError(t, err)

	fixture.facade.Shutdown(context.Background())
	assert.False(t, fixture.sessions.IsConnected(record.ID))
}
