package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the file at path (if any),
// then environment overrides, then validation and path expansion.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.ValidateAndExpandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Locate returns the first existing config file among the usual places, or "".
func Locate() string {
	home, _ := os.UserHomeDir()
	locations := []string{
		"config.yaml",
		"config.yml",
		"config.json",
		filepath.Join(home, ".copilot2api", "config.yaml"),
		"/etc/copilot2api/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("failed to parse config file (tried YAML and JSON)")
			}
		}
	}
	return nil
}
