// Package flagconfig reads the feature flag configuration file. Only the set
// of flag names matters to flagsweep; the per-flag metadata is carried for display.
package flagconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Flag is the metadata attached to a configured flag.
type Flag struct {
	Owner       string `yaml:"owner,omitempty" toml:"owner,omitempty" json:"owner,omitempty"`
	CreatedAt   string `yaml:"created_at,omitempty" toml:"created_at,omitempty" json:"created_at,omitempty"`
	Description string `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
}

// Config is the parsed flag configuration.
type Config struct {
	Flags map[string]Flag `yaml:"flags" toml:"flags" json:"flags"`
}

// Has reports whether name is a configured flag.
func (c *Config) Has(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Flags[name]
	return ok
}

// Names returns the configured flag names, sorted.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Flags))
	for name := range c.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a flag configuration file. The format follows the extension:
// .toml for TOML, anything else is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}
	if cfg.Flags == nil {
		cfg.Flags = map[string]Flag{}
	}
	return &cfg, nil
}

// Source yields the current flag configuration.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// FileSource reads the configuration from a file on every call so edits
// made between tasks are observed.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load(ctx context.Context) (*Config, error) {
	return Load(f.Path)
}
