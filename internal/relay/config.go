package relay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes page WebSocket traffic to republish as a named feed.
type FeedConfig struct {
	Name       string   `yaml:"name"`
	URLPattern string   `yaml:"url_pattern"`
	Contains   []string `yaml:"contains,omitempty"`
}

// RelayConfig is the top-level YAML configuration.
type RelayConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// LoadConfig reads and validates a relay YAML config file.
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RelayConfig) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		if f.Name == FeedConsole || f.Name == FeedNetwork {
			return fmt.Errorf("relay config: feed[%d] name %q is reserved", i, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("relay config: feed[%d] duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		if f.URLPattern == "" {
			return fmt.Errorf("relay config: feed[%d] (%s) missing url_pattern", i, f.Name)
		}
	}
	return nil
}
