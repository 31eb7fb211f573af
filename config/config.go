package config

import (
	"fmt"
	"os"
	"time"

	"github.com/plumemq/plume/internal/observability"
	"github.com/plumemq/plume/server/plume"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

type Config struct {
	Plume         plume.ServerConfig   `yaml:"plume"`
	Observability observability.Config `yaml:"observability"`
	Log           LogConfig            `yaml:"log"`
}

func (c *Config) SetDefaults() {
	if c.Plume.Addr == "" {
		c.Plume.Addr = ":4222"
	}

	if c.Plume.WriteDeadline == 0 {
		c.Plume.WriteDeadline = 10 * time.Second
	}

	if c.Plume.DispatchPoolSize == 0 {
		c.Plume.DispatchPoolSize = 256
	}
}

// Load reads a yaml config file and applies defaults.
func Load(path string) (Config, error) {
	var c Config

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal config: %w", err)
	}

	c.SetDefaults()
	return c, nil
}
