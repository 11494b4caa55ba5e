package tools

import (
	"context"
	"sync"
	"time"

	"mcpfed/internal/fault"
)

// MemoryToolStore is the in-process ToolStore implementation. Useful for
// tests and for deployments that rebuild the catalog on boot.
type MemoryToolStore struct {
	mu     sync.RWMutex
	byID   map[int64]*ToolRecord
	byName map[string]int64
	nextID int64
}

// NewMemoryToolStore creates an empty in-memory tool store.
func NewMemoryToolStore() *MemoryToolStore {
	return &MemoryToolStore{
		byID:   make(map[int64]*ToolRecord),
		byName: make(map[string]int64),
	}
}

func cloneTool(record *ToolRecord) *ToolRecord {
	out := *record
	out.SkillIDs = append([]string(nil), record.SkillIDs...)
	out.InputSchema = append([]byte(nil), record.InputSchema...)
	return &out
}

// UpsertExternalTool implements ToolStore.
func (s *MemoryToolStore) UpsertExternalTool(_ context.Context, record ToolRecord) (int64, error) {
	if record.Name == "" || record.ServerID == "" {
		return 0, fault.New(fault.KindValidation, "tool name and server id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id, exists := s.byName[record.Name]; exists {
		existing := s.byID[id]
		existing.OriginalName = record.OriginalName
		existing.Description = record.Description
		existing.InputSchema = append([]byte(nil), record.InputSchema...)
		existing.ServerID = record.ServerID
		existing.OrgID = record.OrgID
		existing.Global = record.Global
		existing.UpdatedAt = now
		return id, nil
	}

	s.nextID++
	stored := cloneTool(&record)
	stored.ID = s.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = stored
	s.byName[stored.Name] = stored.ID
	return stored.ID, nil
}

// GetToolByName implements ToolStore.
func (s *MemoryToolStore) GetToolByName(_ context.Context, name string) (*ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byName[name]
	if !exists {
		return nil, fault.New(fault.KindNotFound, "tool %q not found", name)
	}
	return cloneTool(s.byID[id]), nil
}

// GetToolIDsByServer implements ToolStore.
func (s *MemoryToolStore) GetToolIDsByServer(_ context.Context, serverID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, record := range s.byID {
		if record.ServerID == serverID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteToolsByServer implements ToolStore.
func (s *MemoryToolStore) DeleteToolsByServer(_ context.Context, serverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, record := range s.byID {
		if record.ServerID != serverID {
			continue
		}
		delete(s.byName, record.Name)
		delete(s.byID, id)
		deleted++
	}
	return deleted, nil
}

// UpdateToolClassification implements ToolStore.
func (s *MemoryToolStore) UpdateToolClassification(_ context.Context, toolID int64, skillIDs []string, primarySkillID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.byID[toolID]
	if !exists {
		return fault.New(fault.KindNotFound, "tool %d not found", toolID)
	}
	record.Classified = true
	record.SkillIDs = append([]string(nil), skillIDs...)
	record.PrimarySkillID = primarySkillID
	record.UpdatedAt = time.Now()
	return nil
}

// Close implements ToolStore.
func (s *MemoryToolStore) Close() error {
	return nil
}
