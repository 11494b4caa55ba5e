package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"mcpfed/internal/registry"
)

// Config is the top-level configuration structure.
type Config struct {
	Storage   StorageConfig           `yaml:"storage"`
	Embedding EmbeddingConfig         `yaml:"embedding"`
	Health    HealthConfig            `yaml:"health"`
	Servers   []registry.ServerConfig `yaml:"servers"`

	// TenantMode enables per-organisation server scoping. When disabled,
	// every configured server is registered globally and org ids are
	// ignored.
	TenantMode bool `yaml:"tenant_mode,omitempty"`
}

// StorageConfig selects the backing stores. An empty DatabasePath keeps
// everything in memory.
type StorageConfig struct {
	// DatabasePath is the sqlite file shared by server and tool tables.
	DatabasePath string `yaml:"database_path,omitempty"`
	// VectorPath is the directory for the persisted vector collection.
	VectorPath string `yaml:"vector_path,omitempty"`
}

// EmbeddingConfig configures the optional embedding backend. Without a
// BaseURL or APIKey, search falls back to deterministic vectors.
type EmbeddingConfig struct {
	Model      string `yaml:"model,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	CacheSize  int    `yaml:"cache_size,omitempty"`
}

// HealthConfig tunes the background health loop.
type HealthConfig struct {
	Interval         time.Duration `yaml:"-"`
	DegradeThreshold int           `yaml:"degrade_threshold,omitempty"`
}

// UnmarshalYAML accepts the interval as a duration string ("10s").
func (h *HealthConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval         string `yaml:"interval"`
		DegradeThreshold int    `yaml:"degrade_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Interval != "" {
		interval, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("invalid health interval %q: %w", raw.Interval, err)
		}
		h.Interval = interval
	}
	if raw.DegradeThreshold != 0 {
		h.DegradeThreshold = raw.DegradeThreshold
	}
	return nil
}
