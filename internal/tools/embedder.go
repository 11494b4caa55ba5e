package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mcpfed/internal/fault"
)

const embedBatchLimit = 100

// EmbedderConfig configures the OpenAI-compatible embedder.
type EmbedderConfig struct {
	Model      string // default "text-embedding-3-small"
	APIKey     string
	BaseURL    string // default "https://api.openai.com/v1"
	Dimensions int    // default 1536
	CacheSize  int    // LRU entries, default 10000
}

// OpenAIEmbedder implements Embedder against any OpenAI-compatible
// /embeddings endpoint, with an LRU cache keyed by input text.
type OpenAIEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
}

// NewOpenAIEmbedder creates an embedder from the config, filling defaults.
func NewOpenAIEmbedder(config EmbedderConfig) (*OpenAIEmbedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Dimensions == 0 {
		config.Dimensions = 1536
	}
	if config.CacheSize == 0 {
		config.CacheSize = 10000
	}

	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "create embedding cache")
	}

	return &OpenAIEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch implements Embedder. Cached texts are served locally; the
// remainder goes to the API in one call, retried up to three times.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fault.New(fault.KindValidation, "no texts provided")
	}
	if len(texts) > embedBatchLimit {
		return nil, fault.New(fault.KindValidation, "batch size %d exceeds limit %d", len(texts), embedBatchLimit)
	}

	results := make([][]float32, len(texts))
	var (
		uncachedIndices []int
		uncachedTexts   []string
	)
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	var (
		embeddings [][]float32
		err        error
	)
	for attempt := 0; attempt < 3; attempt++ {
		embeddings, err = e.callAPI(ctx, uncachedTexts)
		if err == nil {
			break
		}
		if attempt < 2 {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindDiscoveryError, err, "embed batch after retries")
	}

	for i, idx := range uncachedIndices {
		e.cache.Add(texts[idx], embeddings[i])
		results[idx] = embeddings[i]
	}
	return results, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

func (e *OpenAIEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": e.config.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fault.New(fault.KindDiscoveryError, "embeddings API status %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, err
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fault.New(fault.KindDiscoveryError, "embeddings API returned index %d for batch of %d", item.Index, len(texts))
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, embedding := range embeddings {
		if embedding == nil {
			return nil, fault.New(fault.KindDiscoveryError, "embeddings API returned no vector for input %d", i)
		}
	}
	return embeddings, nil
}
