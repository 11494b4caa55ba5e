package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingsServer fakes an OpenAI-compatible /embeddings endpoint that
// returns a distinct vector per input.
func embeddingsServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/embeddings", r.URL.Path)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Model)

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, item{
				Embedding: []float32{float32(i + 1), 0, 0},
				Index:     i,
			})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestEmbedderBatchAndCache(t *testing.T) {
	var calls atomic.Int64
	server := embeddingsServer(t, &calls)
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(EmbedderConfig{BaseURL: server.URL, Dimensions: 3})
	require.NoError(t, err)

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0, 0}, vectors[0])
	assert.Equal(t, []float32{2, 0, 0}, vectors[1])
	assert.Equal(t, int64(1), calls.Load())

	// Cached texts never reach the API again.
	cached, err := embedder.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, cached)
	assert.Equal(t, int64(1), calls.Load())

	assert.Equal(t, 3, embedder.Dimensions())
}

func TestEmbedderValidation(t *testing.T) {
	embedder, err := NewOpenAIEmbedder(EmbedderConfig{BaseURL: "http://unused"})
	require.NoError(t, err)

	_, err = embedder.EmbedBatch(context.Background(), nil)
	require.Error(t, err)

	tooMany := make([]string, embedBatchLimit+1)
	for i := range tooMany {
		tooMany[i] = "x"
	}
	_, err = embedder.EmbedBatch(context.Background(), tooMany)
	require.Error(t, err)
}

func TestEmbedderRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{1, 0}, "index": 0},
			},
		})
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(EmbedderConfig{BaseURL: server.URL, Dimensions: 2})
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vector)
	assert.Equal(t, int64(2), calls.Load())
}
