package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mcpfed/pkg/logging"
)

const (
	userConfigDir  = ".config/mcpfed"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns ~/.config/mcpfed.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// GetDefaultConfig returns the built-in defaults: in-memory stores, no
// embedder, 30s health sweeps.
func GetDefaultConfig() Config {
	return Config{
		Health: HealthConfig{
			Interval:         30 * time.Second,
			DegradeThreshold: 3,
		},
	}
}

// LoadConfig loads config.yaml from the given directory. A missing file
// is not an error; the defaults apply. A malformed file is.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	if config.Health.Interval <= 0 {
		config.Health.Interval = 30 * time.Second
	}
	if config.Health.DegradeThreshold <= 0 {
		config.Health.DegradeThreshold = 3
	}

	// Without tenant mode there is a single flat scope: every configured
	// server is global and org ids are dropped.
	if !config.TenantMode {
		for i := range config.Servers {
			config.Servers[i].Global = true
			config.Servers[i].OrgID = ""
		}
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}
