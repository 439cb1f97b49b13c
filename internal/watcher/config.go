package watcher

import "time"

// Config defines the watcher configuration.
type Config struct {
	// PollInterval is the wait between passes when nothing wakes the watcher.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxBackoff caps the retry delay after the store fails to list tasks.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Debounce coalesces bursts of store directory events into one wake-up.
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 30 * time.Second,
		MaxBackoff:   5 * time.Minute,
		Debounce:     500 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = d.MaxBackoff
	}
	if out.Debounce <= 0 {
		out.Debounce = d.Debounce
	}
	return &out
}
