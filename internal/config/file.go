package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Map returns the settings as nested maps keyed by config key, with
// durations written as strings ("15s") so every file format reads them back.
func (c *Config) Map() map[string]any {
	return map[string]any{
		"db": map[string]any{
			"path": c.DB.Path,
		},
		"remote": map[string]any{
			"kind":       c.Remote.Kind,
			"uri":        c.Remote.URI,
			"database":   c.Remote.Database,
			"collection": c.Remote.Collection,
			"url":        c.Remote.URL,
			"api_key":    c.Remote.APIKey,
			"table":      c.Remote.Table,
			"timeout":    c.Remote.Timeout.String(),
		},
		"connectivity": map[string]any{
			"mode":           c.Connectivity.Mode,
			"state_file":     c.Connectivity.StateFile,
			"probe_interval": c.Connectivity.ProbeInterval.String(),
			"probe_timeout":  c.Connectivity.ProbeTimeout.String(),
		},
		"sync": map[string]any{
			"debounce": c.Sync.Debounce.String(),
			"interval": c.Sync.Interval.String(),
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

// Encode renders the settings as TOML when format is "toml", YAML otherwise.
func (c *Config) Encode(format string) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(c.Map()); err != nil {
			return nil, fmt.Errorf("failed to encode TOML: %w", err)
		}
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c.Map()); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want yaml or toml)", format)
	}
	return buf.Bytes(), nil
}

// Write saves the settings to path, choosing TOML or YAML by extension.
// An existing file is left alone unless force is set.
func (c *Config) Write(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	data, err := c.Encode(format)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
