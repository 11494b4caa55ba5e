package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/internal/session"
)

// listOnlyClient serves a fixed tool list over the session interface.
type listOnlyClient struct {
	tools   []mcp.Tool
	listErr error
}

func (c *listOnlyClient) Initialize(context.Context) error { return nil }
func (c *listOnlyClient) Close() error                     { return nil }
func (c *listOnlyClient) Ping(context.Context) error       { return nil }

func (c *listOnlyClient) ListTools(context.Context) ([]mcp.Tool, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.tools, nil
}

func (c *listOnlyClient) CallTool(_ context.Context, name string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("called " + name), nil
}

// recordingClassifier assigns every tool a fixed skill and remembers the
// batch it saw.
type recordingClassifier struct {
	batches [][]ToolSummary
	err     error
}

func (c *recordingClassifier) ClassifyToolsBatch(_ context.Context, summaries []ToolSummary) ([]SkillAssignment, error) {
	c.batches = append(c.batches, summaries)
	if c.err != nil {
		return nil, c.err
	}
	out := make([]SkillAssignment, len(summaries))
	for i, summary := range summaries {
		out[i] = SkillAssignment{
			ToolID:         summary.ToolID,
			SkillIDs:       []string{"general"},
			PrimarySkillID: "general",
		}
	}
	return out, nil
}

type aggregatorFixture struct {
	registry   *registry.MemoryStore
	sessions   *session.Manager
	store      *MemoryToolStore
	vectors    *ChromemVectorStore
	aggregator *Aggregator
}

func newAggregatorFixture(t *testing.T, client session.MCPClient, opts ...AggregatorOption) *aggregatorFixture {
	t.Helper()

	reg := registry.NewMemoryStore(nil)
	sessions := session.NewManager(reg, session.WithClientFactory(
		func(registry.TransportKind, session.ClientConfig) (session.MCPClient, error) {
			return client, nil
		}))
	store := NewMemoryToolStore()
	vectors, err := NewChromemVectorStore("")
	require.NoError(t, err)

	return &aggregatorFixture{
		registry:   reg,
		sessions:   sessions,
		store:      store,
		vectors:    vectors,
		aggregator: NewAggregator(reg, sessions, store, vectors, opts...),
	}
}

func (f *aggregatorFixture) connectServer(t *testing.T, name string) *registry.ServerRecord {
	t.Helper()
	record, err := f.registry.Add(context.Background(), registry.ServerConfig{
		Name:             name,
		Transport:        "sse",
		ConnectionConfig: map[string]interface{}{"url": "https://example.com/" + name},
		Global:           true,
	})
	require.NoError(t, err)
	_, err = f.sessions.Connect(context.Background(), record)
	require.NoError(t, err)
	return record
}

func TestDiscoverServerToolsIndexesBothStores(t *testing.T) {
	client := &listOnlyClient{tools: []mcp.Tool{
		{Name: "create_issue", Description: "opens an issue"},
		{Name: "search_code", Description: "searches repositories"},
	}}
	fixture := newAggregatorFixture(t, client)
	record := fixture.connectServer(t, "github")

	indexed, err := fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, indexed, 2)

	// Relational side: namespaced names resolve to full records.
	stored, err := fixture.store.GetToolByName(context.Background(), "github.create_issue")
	require.NoError(t, err)
	assert.Equal(t, "create_issue", stored.OriginalName)
	assert.Equal(t, record.ID, stored.ServerID)
	assert.True(t, stored.External)

	// Vector side: identical texts collide, so searching the tool's own
	// text surfaces it first even without a real embedder.
	results, err := fixture.aggregator.SearchTools(context.Background(), "github.search_code: searches repositories", nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "github.search_code", results[0].Payload.ToolName)

	// Tool count tracks the indexed set.
	updated, err := fixture.registry.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ToolCount)
}

func TestDiscoverServerToolsListFailure(t *testing.T) {
	client := &listOnlyClient{listErr: errors.New("stream reset")}
	fixture := newAggregatorFixture(t, client)
	record := fixture.connectServer(t, "github")

	_, err := fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindDiscoveryError, fault.KindOf(err))
}

func TestDiscoverServerToolsWithoutSession(t *testing.T) {
	fixture := newAggregatorFixture(t, &listOnlyClient{})

	record, err := fixture.registry.Add(context.Background(), registry.ServerConfig{
		Name:             "github",
		Transport:        "sse",
		ConnectionConfig: map[string]interface{}{"url": "https://example.com"},
		Global:           true,
	})
	require.NoError(t, err)

	_, err = fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindDiscoveryError, fault.KindOf(err))
}

func TestDiscoverServerToolsRunsClassifier(t *testing.T) {
	classifier := &recordingClassifier{}
	client := &listOnlyClient{tools: []mcp.Tool{
		{Name: "create_issue", Description: "opens an issue"},
	}}
	fixture := newAggregatorFixture(t, client, WithClassifier(classifier))
	record := fixture.connectServer(t, "github")

	_, err := fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, classifier.batches, 1)

	stored, err := fixture.store.GetToolByName(context.Background(), "github.create_issue")
	require.NoError(t, err)
	assert.True(t, stored.Classified)
	assert.Equal(t, []string{"general"}, stored.SkillIDs)
	assert.Equal(t, "general", stored.PrimarySkillID)

	// Already-classified tools are not re-submitted on the next sweep.
	_, err = fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Len(t, classifier.batches, 1)
}

func TestDiscoverServerToolsClassifierFailureDegrades(t *testing.T) {
	classifier := &recordingClassifier{err: errors.New("model offline")}
	client := &listOnlyClient{tools: []mcp.Tool{
		{Name: "create_issue", Description: "opens an issue"},
	}}
	fixture := newAggregatorFixture(t, client, WithClassifier(classifier))
	record := fixture.connectServer(t, "github")

	indexed, err := fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, indexed, 1)

	stored, err := fixture.store.GetToolByName(context.Background(), "github.create_issue")
	require.NoError(t, err)
	assert.False(t, stored.Classified)
}

func TestAggregateAllSweepsConnectedServers(t *testing.T) {
	client := &listOnlyClient{tools: []mcp.Tool{{Name: "ping", Description: "pings"}}}
	fixture := newAggregatorFixture(t, client)
	fixture.connectServer(t, "alpha")
	fixture.connectServer(t, "beta")

	// A registered but never connected server is skipped, not an error.
	_, err := fixture.registry.Add(context.Background(), registry.ServerConfig{
		Name:             "offline",
		Transport:        "sse",
		ConnectionConfig: map[string]interface{}{"url": "https://example.com/offline"},
		Global:           true,
	})
	require.NoError(t, err)

	require.NoError(t, fixture.aggregator.AggregateAll(context.Background()))

	for _, name := range []string{"alpha.ping", "beta.ping"} {
		_, err := fixture.store.GetToolByName(context.Background(), name)
		require.NoError(t, err)
	}
	_, err = fixture.store.GetToolByName(context.Background(), "offline.ping")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestRemoveServerToolsPurgesBothIndexes(t *testing.T) {
	client := &listOnlyClient{tools: []mcp.Tool{
		{Name: "create_issue", Description: "opens an issue"},
		{Name: "search_code", Description: "searches repositories"},
	}}
	fixture := newAggregatorFixture(t, client)
	record := fixture.connectServer(t, "github")

	_, err := fixture.aggregator.DiscoverServerTools(context.Background(), record.ID)
	require.NoError(t, err)

	removed, err := fixture.aggregator.RemoveServerTools(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = fixture.store.GetToolByName(context.Background(), "github.create_issue")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	results, err := fixture.vectors.Search(context.Background(), pseudoEmbedding("anything", defaultDimensions), SearchFilter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchToolsValidatesQuery(t *testing.T) {
	fixture := newAggregatorFixture(t, &listOnlyClient{})

	_, err := fixture.aggregator.SearchTools(context.Background(), "", nil, 5)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
