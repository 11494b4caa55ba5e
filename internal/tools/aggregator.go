package tools

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcpfed/internal/events"
	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/internal/session"
	"mcpfed/pkg/logging"
)

const (
	// defaultDimensions matches text-embedding-3-small, the fallback shape
	// when no embedder is wired.
	defaultDimensions = 1536

	// discoveryConcurrency bounds parallel per-server sweeps.
	discoveryConcurrency = 5
)

// Aggregator maintains the dual tool index: the relational catalog and
// the vector index, kept in lockstep per discovery sweep.
type Aggregator struct {
	registry   registry.Store
	sessions   *session.Manager
	store      ToolStore
	vectors    VectorStore
	embedder   Embedder
	classifier SkillClassifier
	bus        *events.Bus
	dimensions int
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithEmbedder wires a real embedder. Without one, tools are indexed
// under deterministic pseudo-embeddings so the vector index keeps shape.
func WithEmbedder(embedder Embedder) AggregatorOption {
	return func(a *Aggregator) {
		a.embedder = embedder
		a.dimensions = embedder.Dimensions()
	}
}

// WithClassifier wires a skill classifier, enabling the post-discovery
// classification sweep.
func WithClassifier(classifier SkillClassifier) AggregatorOption {
	return func(a *Aggregator) { a.classifier = classifier }
}

// WithBus wires an event bus for discovery notifications.
func WithBus(bus *events.Bus) AggregatorOption {
	return func(a *Aggregator) { a.bus = bus }
}

// NewAggregator creates a tool aggregator over the given stores.
func NewAggregator(reg registry.Store, sessions *session.Manager, store ToolStore, vectors VectorStore, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		registry:   reg,
		sessions:   sessions,
		store:      store,
		vectors:    vectors,
		dimensions: defaultDimensions,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DiscoverServerTools lists the server's tools over its live session and
// upserts each into both indexes under the namespaced name. Individual
// tool failures are logged and skipped so one malformed tool cannot sink
// the sweep. The server's tool count reflects the tools actually indexed.
func (a *Aggregator) DiscoverServerTools(ctx context.Context, serverID string) ([]*ToolRecord, error) {
	record, err := a.registry.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}

	listed, err := a.sessions.ListTools(ctx, serverID)
	if err != nil {
		if a.bus != nil {
			a.bus.Publish(events.Event{
				Reason:   events.ReasonToolsUnavailable,
				ServerID: serverID,
				Payload:  map[string]interface{}{"error": err.Error()},
			})
		}
		return nil, fault.Wrap(fault.KindDiscoveryError, err, "discover tools on server %s", record.Name)
	}

	embeddings := a.embedTools(ctx, record.Name, listed)

	var (
		indexed    []*ToolRecord
		vectorByID = make(map[int64][]float32, len(listed))
	)
	for i, tool := range listed {
		namespaced := NamespacedName(record.Name, tool.Name)

		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			logging.Warn("ToolAggregator", "Skipping tool %s: bad input schema: %v", namespaced, err)
			continue
		}

		id, err := a.store.UpsertExternalTool(ctx, ToolRecord{
			Name:         namespaced,
			OriginalName: tool.Name,
			Description:  tool.Description,
			InputSchema:  schemaJSON,
			ServerID:     serverID,
			External:     true,
			OrgID:        record.Tenant.OrgID,
			Global:       record.Tenant.Global,
		})
		if err != nil {
			logging.Warn("ToolAggregator", "Skipping tool %s: %v", namespaced, err)
			continue
		}

		stored, err := a.store.GetToolByName(ctx, namespaced)
		if err != nil {
			logging.Warn("ToolAggregator", "Indexed tool %s vanished: %v", namespaced, err)
			continue
		}

		vectorByID[id] = embeddings[i]
		if err := a.vectors.UpsertTool(ctx, payloadFor(stored, record.Name), embeddings[i]); err != nil {
			logging.Warn("ToolAggregator", "Vector index for tool %s failed: %v", namespaced, err)
		}
		indexed = append(indexed, stored)
	}

	if _, err := a.registry.UpdateToolCount(ctx, serverID, len(indexed)); err != nil {
		logging.Warn("ToolAggregator", "Failed to update tool count for %s: %v", record.Name, err)
	}

	a.classifySweep(ctx, record.Name, indexed, vectorByID)

	if a.bus != nil {
		a.bus.Publish(events.Event{
			Reason:   events.ReasonToolsDiscovered,
			ServerID: serverID,
			Payload:  map[string]interface{}{"count": len(indexed)},
		})
	}
	logging.Info("ToolAggregator", "Discovered %d tools on server %s", len(indexed), record.Name)
	return indexed, nil
}

// AggregateAll sweeps every connected server concurrently. Per-server
// failures are logged, not returned; a broken server must not block the
// rest of the fleet.
func (a *Aggregator) AggregateAll(ctx context.Context) error {
	connected := registry.StatusConnected
	servers, err := a.registry.List(ctx, registry.ListFilter{Status: &connected, AllTenants: true})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for _, server := range servers {
		server := server
		g.Go(func() error {
			if _, err := a.DiscoverServerTools(gctx, server.ID); err != nil {
				logging.Warn("ToolAggregator", "Sweep failed for server %s: %v", server.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SearchTools embeds the query and returns the top-limit external tools,
// optionally restricted to the named servers.
func (a *Aggregator) SearchTools(ctx context.Context, query string, serverNames []string, limit int) ([]ScoredTool, error) {
	if query == "" {
		return nil, fault.New(fault.KindValidation, "search query must not be empty")
	}

	var (
		queryVector []float32
		err         error
	)
	if a.embedder != nil {
		queryVector, err = a.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fault.Wrap(fault.KindDiscoveryError, err, "embed search query")
		}
	} else {
		queryVector = pseudoEmbedding(query, a.dimensions)
	}

	return a.vectors.Search(ctx, queryVector, SearchFilter{
		ExternalOnly: true,
		ServerNames:  serverNames,
	}, limit)
}

// RemoveServerTools purges both indexes of the server's tools. Vector
// deletions are best effort; the relational delete is the authoritative
// count.
func (a *Aggregator) RemoveServerTools(ctx context.Context, serverID string) (int64, error) {
	ids, err := a.store.GetToolIDsByServer(ctx, serverID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := a.vectors.DeleteTool(ctx, id); err != nil {
			logging.Warn("ToolAggregator", "Vector delete for tool %d failed: %v", id, err)
		}
	}
	return a.store.DeleteToolsByServer(ctx, serverID)
}

// GetTool resolves a namespaced tool name in the relational catalog.
func (a *Aggregator) GetTool(ctx context.Context, name string) (*ToolRecord, error) {
	return a.store.GetToolByName(ctx, name)
}

// embedTools produces one embedding per listed tool, batching real
// embedder calls and falling back to pseudo-embeddings per tool on error.
func (a *Aggregator) embedTools(ctx context.Context, serverName string, listed []mcp.Tool) [][]float32 {
	texts := make([]string, len(listed))
	for i, tool := range listed {
		texts[i] = NamespacedName(serverName, tool.Name) + ": " + tool.Description
	}

	out := make([][]float32, len(listed))
	if a.embedder != nil {
		for start := 0; start < len(texts); start += embedBatchLimit {
			end := start + embedBatchLimit
			if end > len(texts) {
				end = len(texts)
			}
			batch, err := a.embedder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				logging.Warn("ToolAggregator", "Embedding batch for %s failed, using fallback vectors: %v", serverName, err)
				continue
			}
			copy(out[start:end], batch)
		}
	}
	for i := range out {
		if out[i] == nil {
			out[i] = pseudoEmbedding(texts[i], a.dimensions)
		}
	}
	return out
}

// classifySweep runs the batch classifier over the unclassified share of
// a sweep's tools. Classifier failures degrade to unclassified tools, not
// to a failed discovery.
func (a *Aggregator) classifySweep(ctx context.Context, serverName string, indexed []*ToolRecord, vectorByID map[int64][]float32) {
	if a.classifier == nil {
		return
	}

	var summaries []ToolSummary
	byID := make(map[int64]*ToolRecord)
	for _, record := range indexed {
		if record.Classified {
			continue
		}
		summaries = append(summaries, ToolSummary{
			ToolID:      record.ID,
			ToolName:    record.Name,
			Description: record.Description,
		})
		byID[record.ID] = record
	}
	if len(summaries) == 0 {
		return
	}

	assignments, err := a.classifier.ClassifyToolsBatch(ctx, summaries)
	if err != nil {
		wrapped := fault.Wrap(fault.KindClassifierError, err, "classify %d tools on %s", len(summaries), serverName)
		logging.Warn("ToolAggregator", "%v", wrapped)
		return
	}

	for _, assignment := range assignments {
		record, known := byID[assignment.ToolID]
		if !known {
			continue
		}
		if err := a.store.UpdateToolClassification(ctx, assignment.ToolID, assignment.SkillIDs, assignment.PrimarySkillID); err != nil {
			logging.Warn("ToolAggregator", "Classification update for tool %d failed: %v", assignment.ToolID, err)
			continue
		}
		record.Classified = true
		record.SkillIDs = append([]string(nil), assignment.SkillIDs...)
		record.PrimarySkillID = assignment.PrimarySkillID

		// Refresh the vector payload so search hits carry the skills.
		if embedding, ok := vectorByID[assignment.ToolID]; ok {
			if err := a.vectors.UpsertTool(ctx, payloadFor(record, serverName), embedding); err != nil {
				logging.Warn("ToolAggregator", "Vector refresh for tool %d failed: %v", assignment.ToolID, err)
			}
		}
	}
}

func payloadFor(record *ToolRecord, serverName string) VectorPayload {
	return VectorPayload{
		ToolID:         record.ID,
		ToolName:       record.Name,
		OriginalName:   record.OriginalName,
		Description:    record.Description,
		ServerID:       record.ServerID,
		ServerName:     serverName,
		External:       record.External,
		Classified:     record.Classified,
		SkillIDs:       record.SkillIDs,
		PrimarySkillID: record.PrimarySkillID,
		OrgID:          record.OrgID,
		Global:         record.Global,
	}
}

// pseudoEmbedding derives a deterministic unit vector from the text. It
// carries no semantics, but it keeps the vector index shape-consistent
// when no embedder is configured, and identical texts still collide.
func pseudoEmbedding(text string, dimensions int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	if state == 0 {
		state = 1
	}

	out := make([]float32, dimensions)
	var norm float64
	for i := range out {
		// xorshift64
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)) / float64(math.MaxInt64)
		out[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}
