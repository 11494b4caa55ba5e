package tools

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"mcpfed/internal/fault"
)

const toolCollection = "tools"

// ChromemVectorStore implements VectorStore on an embedded chromem-go
// collection. Documents are keyed by relational tool id so the two indexes
// stay in lockstep.
type ChromemVectorStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemVectorStore creates a vector store. An empty persistPath keeps
// everything in memory; otherwise the collection is persisted under it.
func NewChromemVectorStore(persistPath string) (*ChromemVectorStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fault.Wrap(fault.KindStoreError, err, "create persistent vector DB")
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always supplied by the caller; the collection must
	// never compute its own.
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fault.New(fault.KindStoreError, "embedding for %q must be precomputed", text)
	}

	collection, err := db.GetOrCreateCollection(toolCollection, nil, embeddingFunc)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "create tools collection")
	}
	return &ChromemVectorStore{db: db, collection: collection}, nil
}

// UpsertTool implements VectorStore. AddDocument replaces any existing
// document with the same id.
func (s *ChromemVectorStore) UpsertTool(ctx context.Context, payload VectorPayload, embedding []float32) error {
	if payload.ToolID == 0 {
		return fault.New(fault.KindValidation, "vector payload needs a tool id")
	}
	if len(embedding) == 0 {
		return fault.New(fault.KindValidation, "vector payload needs an embedding")
	}

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:        strconv.FormatInt(payload.ToolID, 10),
		Content:   payload.ToolName + ": " + payload.Description,
		Embedding: embedding,
		Metadata:  payloadMetadata(payload),
	})
	if err != nil {
		return fault.Wrap(fault.KindStoreError, err, "index tool %d", payload.ToolID)
	}
	return nil
}

// DeleteTool implements VectorStore.
func (s *ChromemVectorStore) DeleteTool(ctx context.Context, toolID int64) error {
	err := s.collection.Delete(ctx, nil, nil, strconv.FormatInt(toolID, 10))
	if err != nil {
		return fault.Wrap(fault.KindStoreError, err, "remove tool %d from index", toolID)
	}
	return nil
}

// Search implements VectorStore.
func (s *ChromemVectorStore) Search(ctx context.Context, queryVector []float32, filter SearchFilter, limit int) ([]ScoredTool, error) {
	if limit <= 0 {
		limit = 10
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if filter.ExternalOnly {
		where["is_external"] = "true"
	}
	// A single server name maps onto the metadata filter directly; multiple
	// names are post-filtered below.
	if len(filter.ServerNames) == 1 {
		where["server_name"] = filter.ServerNames[0]
	}

	nResults := limit
	if len(filter.ServerNames) > 1 {
		// Over-fetch so the post-filter can still fill the limit.
		nResults = count
	}
	if nResults > count {
		nResults = count
	}

	results, err := s.collection.QueryEmbedding(ctx, queryVector, nResults, where, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "query tool index")
	}

	allowed := map[string]bool{}
	for _, name := range filter.ServerNames {
		allowed[name] = true
	}

	out := make([]ScoredTool, 0, limit)
	for _, result := range results {
		if len(allowed) > 0 && !allowed[result.Metadata["server_name"]] {
			continue
		}
		out = append(out, ScoredTool{
			Payload: metadataPayload(result.Metadata),
			Score:   result.Similarity,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements VectorStore. chromem persists on write, so there is
// nothing to flush.
func (s *ChromemVectorStore) Close() error {
	return nil
}

func payloadMetadata(payload VectorPayload) map[string]string {
	return map[string]string{
		"tool_id":          strconv.FormatInt(payload.ToolID, 10),
		"tool_name":        payload.ToolName,
		"original_name":    payload.OriginalName,
		"description":      payload.Description,
		"server_id":        payload.ServerID,
		"server_name":      payload.ServerName,
		"is_external":      strconv.FormatBool(payload.External),
		"is_classified":    strconv.FormatBool(payload.Classified),
		"skill_ids":        strings.Join(payload.SkillIDs, ","),
		"primary_skill_id": payload.PrimarySkillID,
		"org_id":           payload.OrgID,
		"is_global":        strconv.FormatBool(payload.Global),
	}
}

func metadataPayload(metadata map[string]string) VectorPayload {
	payload := VectorPayload{
		ToolName:       metadata["tool_name"],
		OriginalName:   metadata["original_name"],
		Description:    metadata["description"],
		ServerID:       metadata["server_id"],
		ServerName:     metadata["server_name"],
		External:       metadata["is_external"] == "true",
		Classified:     metadata["is_classified"] == "true",
		PrimarySkillID: metadata["primary_skill_id"],
		OrgID:          metadata["org_id"],
		Global:         metadata["is_global"] == "true",
	}
	payload.ToolID, _ = strconv.ParseInt(metadata["tool_id"], 10, 64)
	if metadata["skill_ids"] != "" {
		payload.SkillIDs = strings.Split(metadata["skill_ids"], ",")
	}
	return payload
}
