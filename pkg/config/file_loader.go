package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile loads a YAML configuration file on top of Default, then applies
// environment variable overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.Environment = Environment(strings.ToLower(string(cfg.Environment)))

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
