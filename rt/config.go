package rt

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds runtime configuration, loaded from a tether.toml file
// and/or environment variables.
type Config struct {
	// Workers is the number of pool workers to start.
	Workers int `toml:"workers"`

	// Slots is the per-worker concurrency: the number of pre-allocated
	// frame slots concurrent tasks are multiplexed over.
	Slots int `toml:"slots"`

	// SlotFrameCapacity is the root capacity of each slot frame.
	SlotFrameCapacity int `toml:"slot-frame-capacity"`

	// ChannelCapacity bounds the task channel; a full channel pushes back
	// on dispatchers.
	ChannelCapacity int `toml:"channel-capacity"`

	// RecvTimeoutMS is how long a worker waits for a message before
	// returning control to the engine's own scheduler and collector.
	RecvTimeoutMS int `toml:"recv-timeout-ms"`

	// JournalPath is the SQLite file for the task journal. Empty disables
	// journaling.
	JournalPath string `toml:"journal"`
}

// DefaultConfig returns a configuration with default values, applying
// TETHER_* environment overrides.
func DefaultConfig() *Config {
	cfg := &Config{
		Workers:           1,
		Slots:             16,
		SlotFrameCapacity: 64,
		ChannelCapacity:   128,
		RecvTimeoutMS:     10,
	}
	cfg.applyEnv()
	return cfg
}

// LoadConfig parses a tether.toml file and applies environment overrides
// on top of it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Workers:           1,
		Slots:             16,
		SlotFrameCapacity: 64,
		ChannelCapacity:   128,
		RecvTimeoutMS:     10,
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if s := os.Getenv("TETHER_WORKERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			c.Workers = n
		}
	}
	if s := os.Getenv("TETHER_SLOTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			c.Slots = n
		}
	}
	if s := os.Getenv("TETHER_JOURNAL"); s != "" {
		c.JournalPath = s
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	if c.Slots < 1 {
		return fmt.Errorf("config: slots must be >= 1, got %d", c.Slots)
	}
	if c.ChannelCapacity < 1 {
		return fmt.Errorf("config: channel-capacity must be >= 1, got %d", c.ChannelCapacity)
	}
	if c.RecvTimeoutMS < 1 {
		return fmt.Errorf("config: recv-timeout-ms must be >= 1, got %d", c.RecvTimeoutMS)
	}
	return nil
}

// RecvTimeout returns the worker receive timeout as a duration.
func (c *Config) RecvTimeout() time.Duration {
	return time.Duration(c.RecvTimeoutMS) * time.Millisecond
}
