package edge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinerConfig addresses one miner on the site network
type MinerConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the edge agent's YAML configuration. Intervals are plain
// seconds.
type Config struct {
	SiteID        string        `yaml:"site_id"`
	ServerURL     string        `yaml:"server_url"`
	CollectorKey  string        `yaml:"collector_key"`
	DeviceID      string        `yaml:"device_id"`
	DeviceSecret  string        `yaml:"device_secret"` // base64
	StatePath     string        `yaml:"state_path"`
	PollIntervalS int           `yaml:"poll_interval_s"`
	PollJitterS   int           `yaml:"poll_jitter_s"`
	Workers       int           `yaml:"workers"`
	Miners        []MinerConfig `yaml:"miners"`
}

// PollInterval returns the sweep cadence
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// PollJitter returns the sweep jitter
func (c *Config) PollJitter() time.Duration {
	return time.Duration(c.PollJitterS) * time.Second
}

// LoadConfig reads and validates the agent configuration
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		PollIntervalS: 60,
		PollJitterS:   10,
		Workers:       20,
		StatePath:     "edge-state.db",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.CollectorKey == "" {
		return fmt.Errorf("collector_key is required")
	}
	if len(c.Miners) == 0 {
		return fmt.Errorf("at least one miner is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}

	seen := make(map[string]struct{}, len(c.Miners))
	for i, m := range c.Miners {
		if m.ID == "" || m.Host == "" {
			return fmt.Errorf("miner %d needs id and host", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate miner id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
