package tools

import (
	"context"
	"encoding/json"
	"time"
)

// ToolRecord is the relational row for one aggregated tool. Name is the
// namespaced form {server_name}.{original_name} and is unique across the
// whole catalog.
type ToolRecord struct {
	ID             int64
	Name           string
	OriginalName   string
	Description    string
	InputSchema    json.RawMessage
	ServerID       string
	External       bool
	Classified     bool
	SkillIDs       []string
	PrimarySkillID string
	OrgID          string
	Global         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolStore is the relational repository for ToolRecords. Upserts are
// idempotent and keyed by the namespaced name.
type ToolStore interface {
	// UpsertExternalTool inserts the tool or, on a name conflict,
	// overwrites description, schema, source server, original name, and
	// tenant scope, bumping the update time. Returns the row id.
	UpsertExternalTool(ctx context.Context, record ToolRecord) (int64, error)

	// GetToolByName returns the active tool with the namespaced name, or
	// a not_found error.
	GetToolByName(ctx context.Context, name string) (*ToolRecord, error)

	// GetToolIDsByServer returns the ids of all active tools sourced from
	// the server.
	GetToolIDsByServer(ctx context.Context, serverID string) ([]int64, error)

	// DeleteToolsByServer removes every tool sourced from the server in
	// one atomic statement and returns the delete count.
	DeleteToolsByServer(ctx context.Context, serverID string) (int64, error)

	// UpdateToolClassification records skill assignments. Idempotent.
	UpdateToolClassification(ctx context.Context, toolID int64, skillIDs []string, primarySkillID string) error

	// Close releases any backing resources.
	Close() error
}

// VectorPayload is the metadata carried alongside each embedding. It
// mirrors the relational row closely enough that search results need no
// second lookup.
type VectorPayload struct {
	ToolID         int64
	ToolName       string
	OriginalName   string
	Description    string
	ServerID       string
	ServerName     string
	External       bool
	Classified     bool
	SkillIDs       []string
	PrimarySkillID string
	OrgID          string
	Global         bool
}

// ScoredTool is one semantic search hit.
type ScoredTool struct {
	Payload VectorPayload
	Score   float32
}

// SearchFilter narrows a vector search.
type SearchFilter struct {
	// ExternalOnly restricts hits to externally sourced tools.
	ExternalOnly bool
	// ServerNames, when non-empty, restricts hits to those servers.
	ServerNames []string
}

// VectorStore is the dense index over tool embeddings, keyed by tool id.
type VectorStore interface {
	// UpsertTool stores or replaces the embedding and payload for a tool.
	UpsertTool(ctx context.Context, payload VectorPayload, embedding []float32) error

	// DeleteTool removes the record for the tool id. Deleting an unknown
	// id is a no-op.
	DeleteTool(ctx context.Context, toolID int64) error

	// Search returns the top-limit payloads by similarity to the query
	// vector, honouring the filter.
	Search(ctx context.Context, queryVector []float32, filter SearchFilter, limit int) ([]ScoredTool, error)

	// Close releases any backing resources.
	Close() error
}

// Embedder generates dense text embeddings. Optional: when absent the
// aggregator indexes zero vectors so search stays shape-consistent.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int
}

// ToolSummary is the classifier input for one tool.
type ToolSummary struct {
	ToolID      int64
	ToolName    string
	Description string
}

// SkillAssignment is the classifier output for one tool. SkillIDs are
// ordered; the primary skill leads.
type SkillAssignment struct {
	ToolID         int64
	SkillIDs       []string
	PrimarySkillID string
}

// SkillClassifier labels tools with skills in one batch call per sweep.
// Optional: when absent, tools stay searchable but unclassified.
type SkillClassifier interface {
	ClassifyToolsBatch(ctx context.Context, summaries []ToolSummary) ([]SkillAssignment, error)
}
