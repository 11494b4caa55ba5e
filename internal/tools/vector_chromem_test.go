package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexTool(t *testing.T, store *ChromemVectorStore, id int64, serverName, toolName string, embedding []float32) {
	t.Helper()
	err := store.UpsertTool(context.Background(), VectorPayload{
		ToolID:       id,
		ToolName:     serverName + "." + toolName,
		OriginalName: toolName,
		Description:  "tool " + toolName,
		ServerID:     "id-" + serverName,
		ServerName:   serverName,
		External:     true,
		Global:       true,
	}, embedding)
	require.NoError(t, err)
}

func TestVectorStoreSearchRanksBySimilarity(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	indexTool(t, store, 1, "github", "create_issue", []float32{1, 0, 0})
	indexTool(t, store, 2, "github", "search_code", []float32{0, 1, 0})
	indexTool(t, store, 3, "slack", "post_message", []float32{0.9, 0.1, 0})

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchFilter{ExternalOnly: true}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, int64(1), results[0].Payload.ToolID)
	assert.Equal(t, "github.create_issue", results[0].Payload.ToolName)
	assert.Equal(t, int64(3), results[1].Payload.ToolID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestVectorStoreServerFilter(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	indexTool(t, store, 1, "github", "create_issue", []float32{1, 0, 0})
	indexTool(t, store, 2, "slack", "post_message", []float32{0.9, 0.1, 0})
	indexTool(t, store, 3, "jira", "create_ticket", []float32{0.8, 0.2, 0})

	// Single server maps straight onto the metadata filter.
	results, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchFilter{ServerNames: []string{"slack"}}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "slack", results[0].Payload.ServerName)

	// Multiple servers post-filter the over-fetched result set.
	results, err = store.Search(context.Background(), []float32{1, 0, 0}, SearchFilter{ServerNames: []string{"slack", "jira"}}, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.NotEqual(t, "github", result.Payload.ServerName)
	}
}

func TestVectorStoreUpsertReplaces(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	indexTool(t, store, 1, "github", "create_issue", []float32{1, 0, 0})

	// Re-indexing the same tool id replaces the document in place.
	err = store.UpsertTool(context.Background(), VectorPayload{
		ToolID:         1,
		ToolName:       "github.create_issue",
		OriginalName:   "create_issue",
		Description:    "opens an issue",
		ServerID:       "id-github",
		ServerName:     "github",
		External:       true,
		Classified:     true,
		SkillIDs:       []string{"issue-tracking", "github"},
		PrimarySkillID: "issue-tracking",
		Global:         true,
	}, []float32{0, 1, 0})
	require.NoError(t, err)

	results, err := store.Search(context.Background(), []float32{0, 1, 0}, SearchFilter{}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "opens an issue", results[0].Payload.Description)
	assert.True(t, results[0].Payload.Classified)
	assert.Equal(t, []string{"issue-tracking", "github"}, results[0].Payload.SkillIDs)
	assert.Equal(t, "issue-tracking", results[0].Payload.PrimarySkillID)
}

func TestVectorStoreDelete(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	indexTool(t, store, 1, "github", "create_issue", []float32{1, 0, 0})
	indexTool(t, store, 2, "github", "search_code", []float32{0, 1, 0})

	require.NoError(t, store.DeleteTool(context.Background(), 1))

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchFilter{}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].Payload.ToolID)
}

func TestVectorStoreEmptySearch(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchFilter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorStoreValidation(t *testing.T) {
	store, err := NewChromemVectorStore("")
	require.NoError(t, err)

	err = store.UpsertTool(context.Background(), VectorPayload{ToolID: 0}, []float32{1})
	require.Error(t, err)

	err = store.UpsertTool(context.Background(), VectorPayload{ToolID: 1}, nil)
	require.Error(t, err)
}
