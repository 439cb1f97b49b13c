// Package config loads flagsweep settings from a YAML file, FLAGSWEEP_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: repo.path is FLAGSWEEP_REPO_PATH.
const EnvPrefix = "FLAGSWEEP"

// ErrMissingToken is returned by RequireToken when no GitHub token is set.
var ErrMissingToken = errors.New("no GitHub token: set FLAGSWEEP_GITHUB_TOKEN or GITHUB_TOKEN")

// Config is the typed view of all settings.
type Config struct {
	Repo      RepoConfig      `mapstructure:"repo"`
	Flags     FlagsConfig     `mapstructure:"flags"`
	Store     StoreConfig     `mapstructure:"store"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Proposal  ProposalConfig  `mapstructure:"proposal"`
	AI        AIConfig        `mapstructure:"ai"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// GitHubToken is read from the environment only.
	GitHubToken string `mapstructure:"-"`
	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type RepoConfig struct {
	Path          string `mapstructure:"path"`
	Remote        string `mapstructure:"remote"`
	DefaultBranch string `mapstructure:"default_branch"`
	Slug          string `mapstructure:"slug"` // owner/repo on GitHub
}

type FlagsConfig struct {
	// File is relative to the repository checkout.
	File string `mapstructure:"file"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or yaml
	Path   string `mapstructure:"path"`
}

type WatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

type RunnerConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type ProposalConfig struct {
	Driver    string `mapstructure:"driver"` // github or gh
	APIURL    string `mapstructure:"api_url"`
	Summarize bool   `mapstructure:"summarize"`
}

type AIConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Stdout       bool   `mapstructure:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Defaults.
const (
	DefaultListen = "127.0.0.1:7466"
	DefaultDir    = ".flagsweep"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo.path", ".")
	v.SetDefault("repo.remote", "origin")
	v.SetDefault("repo.default_branch", "main")
	v.SetDefault("repo.slug", "")
	v.SetDefault("flags.file", "feature_flags.yaml")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("watcher.poll_interval", 30*time.Second)
	v.SetDefault("watcher.max_backoff", 5*time.Minute)
	v.SetDefault("runner.step_timeout", time.Duration(0))
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("proposal.driver", "github")
	v.SetDefault("proposal.api_url", "https://api.github.com")
	v.SetDefault("proposal.summarize", false)
	v.SetDefault("ai.model", "claude-haiku-4-5")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration. An explicit path must exist; otherwise
// ./flagsweep.yaml and ~/.flagsweep/config.yaml are tried and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = discover()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.GitHubToken = firstNonEmpty(os.Getenv(EnvPrefix+"_GITHUB_TOKEN"), os.Getenv("GITHUB_TOKEN"))
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = cfg.defaultStorePath()
	}
	return cfg, nil
}

// discover returns the first existing default config file, or "".
func discover() string {
	candidates := []string{"flagsweep.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultDir, "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) defaultStorePath() string {
	if c.Store.Driver == "yaml" {
		return filepath.Join(c.StateDir(), "tasks")
	}
	return filepath.Join(c.StateDir(), "flagsweep.db")
}

// StateDir is where the default store and the daemon log live: a per-checkout
// directory under the user config dir. It must stay outside the checkout,
// because syncing the default branch stashes untracked files.
func (c *Config) StateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	repo := c.repoAbs()
	sum := sha256.Sum256([]byte(repo))
	name := filepath.Base(repo) + "-" + hex.EncodeToString(sum[:])[:12]
	return filepath.Join(base, "flagsweep", name)
}

func (c *Config) repoAbs() string {
	if abs, err := filepath.Abs(c.Repo.Path); err == nil {
		return abs
	}
	return filepath.Clean(c.Repo.Path)
}

// insideRepo reports whether path is the checkout or lies under it.
func (c *Config) insideRepo(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(c.repoAbs(), abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// FlagsPath is the absolute-or-repo-joined path of the flag configuration file.
func (c *Config) FlagsPath() string {
	if filepath.IsAbs(c.Flags.File) {
		return c.Flags.File
	}
	return filepath.Join(c.Repo.Path, c.Flags.File)
}

// Validate checks settings that every command needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Repo.Path == "" {
		errs = append(errs, errors.New("repo.path is required"))
	}
	if c.Flags.File == "" {
		errs = append(errs, errors.New("flags.file is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "yaml":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or yaml", c.Store.Driver))
	}
	switch c.Proposal.Driver {
	case "github", "gh":
	default:
		errs = append(errs, fmt.Errorf("proposal.driver %q: want github or gh", c.Proposal.Driver))
	}
	if c.Proposal.Driver == "github" && c.Repo.Slug != "" && strings.Count(c.Repo.Slug, "/") != 1 {
		errs = append(errs, fmt.Errorf("repo.slug %q: want owner/repo", c.Repo.Slug))
	}
	if c.Repo.Path != "" && c.Store.Path != "" && c.insideRepo(c.Store.Path) {
		errs = append(errs, fmt.Errorf("store.path %s is inside repo.path; the store must live outside the checkout", c.Store.Path))
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, errors.New("watcher.poll_interval must be positive"))
	}
	if c.Watcher.MaxBackoff < 0 || c.Runner.StepTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RequireToken fails when the GitHub token is missing. Commands that push
// or open proposals call it at startup.
func (c *Config) RequireToken() error {
	if c.GitHubToken == "" {
		return ErrMissingToken
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
