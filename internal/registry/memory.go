package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpfed/internal/events"
	"mcpfed/internal/fault"
	"mcpfed/pkg/logging"
)

// MemoryStore is the in-process Store used when no database is wired.
// It satisfies the same property suite as SQLiteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*ServerRecord
	bus     *events.Bus
}

// NewMemoryStore creates an empty in-memory store. The bus may be nil.
func NewMemoryStore(bus *events.Bus) *MemoryStore {
	return &MemoryStore{
		servers: make(map[string]*ServerRecord),
		bus:     bus,
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, config ServerConfig) (*ServerRecord, error) {
	transport, err := validateConfig(config)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Names are unique across all scopes: the namespaced tool names they
	// anchor live in one flat namespace.
	for _, existing := range s.servers {
		if existing.Name == config.Name {
			return nil, fault.New(fault.KindValidation, "server %q already registered", config.Name)
		}
	}

	record := &ServerRecord{
		ID:               uuid.NewString(),
		Name:             config.Name,
		Description:      config.Description,
		Transport:        transport,
		ConnectionConfig: cloneConfigMap(config.ConnectionConfig),
		HealthCheckURL:   config.HealthCheckURL,
		Status:           StatusDisconnected,
		Tenant:           TenantScope{OrgID: config.OrgID, Global: config.Global},
		RegisteredAt:     time.Now(),
	}
	s.servers[record.ID] = record

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Reason:   events.ReasonServerRegistered,
			ServerID: record.ID,
			Payload:  map[string]interface{}{"name": record.Name},
		})
	}

	logging.Debug("Registry", "Registered server %s (%s, transport %s)", record.Name, record.ID, transport)
	return record.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.servers[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "server %s not found", id)
	}
	return record.Clone(), nil
}

// GetByName implements Store.
func (s *MemoryStore) GetByName(_ context.Context, name string) (*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.servers {
		if record.Name == name {
			return record.Clone(), nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "server %q not found", name)
}

// List implements Store. Without a tenant id only global records are
// returned; this is the defensive default for the visibility asymmetry.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ServerRecord
	for _, record := range s.servers {
		if filter.Status != nil && record.Status != *filter.Status {
			continue
		}
		if !filter.AllTenants && !record.Tenant.VisibleTo(filter.TenantID) {
			continue
		}
		out = append(out, record.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.servers[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "server %s not found", id)
	}

	if patch.Name != nil && *patch.Name != record.Name {
		if !serverNamePattern.MatchString(*patch.Name) {
			return nil, fault.New(fault.KindValidation, "server name %q must match %s", *patch.Name, serverNamePattern.String())
		}
		for _, existing := range s.servers {
			if existing.ID != id && existing.Name == *patch.Name {
				return nil, fault.New(fault.KindValidation, "server %q already registered", *patch.Name)
			}
		}
		// Indexed tool names embed the server name as their namespace, so
		// a rename would orphan them.
		if record.ToolCount > 0 {
			return nil, fault.New(fault.KindValidation, "cannot rename server %q while %d tools are indexed under its name", record.Name, record.ToolCount)
		}
		record.Name = *patch.Name
	}
	if patch.Description != nil {
		record.Description = *patch.Description
	}
	if patch.ConnectionConfig != nil {
		record.ConnectionConfig = cloneConfigMap(patch.ConnectionConfig)
	}
	if patch.HealthCheckURL != nil {
		record.HealthCheckURL = *patch.HealthCheckURL
	}
	return record.Clone(), nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status ServerStatus, errorMessage string) (bool, error) {
	if _, err := ParseServerStatus(string(status)); err != nil {
		return false, err
	}

	s.mu.Lock()
	record, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	record.Status = status
	record.ErrorMessage = errorMessage
	if status == StatusConnected {
		now := time.Now()
		record.ConnectedAt = &now
	}
	s.mu.Unlock()

	publishStatus(s.bus, id, status)
	return true, nil
}

// UpdateToolCount implements Store.
func (s *MemoryStore) UpdateToolCount(_ context.Context, id string, count int) (bool, error) {
	if count < 0 {
		return false, fault.New(fault.KindValidation, "tool count must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.servers[id]
	if !ok {
		return false, nil
	}
	record.ToolCount = count
	return true, nil
}

// UpdateLastHealthCheck implements Store.
func (s *MemoryStore) UpdateLastHealthCheck(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.servers[id]
	if !ok {
		return false, nil
	}
	now := time.Now()
	record.LastHealthCheck = &now
	return true, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.servers[id]
	delete(s.servers, id)
	s.mu.Unlock()

	if ok && s.bus != nil {
		s.bus.Publish(events.Event{
			Reason:   events.ReasonServerRemoved,
			ServerID: id,
		})
	}
	return ok, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
