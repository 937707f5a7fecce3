// Package config loads plugin and master registration lists from YAML.
// The wire protocol itself has no configuration surface, and nothing else
// in this module calls this package.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PluginEntry registers one plugin binary for on-demand spawning.
type PluginEntry struct {
	Path      string   `yaml:"path"`
	KnownCaps []string `yaml:"known_caps"`
}

// HostConfig is the top-level shape of a host's YAML config file.
type HostConfig struct {
	Plugins []PluginEntry `yaml:"plugins"`
}

// Load reads and parses a HostConfig from path.
func Load(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i, p := range cfg.Plugins {
		if p.Path == "" {
			return nil, fmt.Errorf("plugin entry %d missing path", i)
		}
	}

	return &cfg, nil
}

// MasterEntry registers one upstream master relay connection by address.
type MasterEntry struct {
	Address string `yaml:"address"`
}

// RelayConfig is the top-level shape of a relay switch's YAML config file.
type RelayConfig struct {
	Masters []MasterEntry `yaml:"masters"`
}

// LoadRelay reads and parses a RelayConfig from path.
func LoadRelay(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Masters) == 0 {
		return nil, fmt.Errorf("relay config %s lists no masters", path)
	}
	for i, m := range cfg.Masters {
		if m.Address == "" {
			return nil, fmt.Errorf("master entry %d missing address", i)
		}
	}

	return &cfg, nil
}
