package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".parley"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "PARLEY"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("PARLEY_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// Load reads the config file (if present), applies environment overrides
// and defaults. A missing config file is not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Env and defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Override with environment variables per section. Each section is
	// processed against the root prefix so the tag names (MAX_TURNS,
	// AGENT_PROVIDER, ...) bind as PARLEY_MAX_TURNS, PARLEY_AGENT_PROVIDER.
	for _, section := range []any{
		&cfg.Paths,
		&cfg.Store,
		&cfg.Negotiation,
		&cfg.Agents,
		&cfg.Events,
		&cfg.Events.Kafka,
		&cfg.Gateway,
	} {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("apply env overrides: %w", err)
		}
	}

	if cfg.Paths.DataDir == "" {
		home, err := resolveHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.Paths.DataDir = filepath.Join(home, ConfigDir)
	}
	cfg.ApplyDefaults()
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Paths.DataDir, "parley.db")
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Negotiation.MaxTurns < 1 {
		return fmt.Errorf("negotiation.maxTurns must be positive, got %d", c.Negotiation.MaxTurns)
	}
	if c.Negotiation.CheckpointEveryTurns < 1 {
		return fmt.Errorf("negotiation.checkpointEveryTurns must be positive, got %d", c.Negotiation.CheckpointEveryTurns)
	}
	switch c.Agents.Provider {
	case "scripted", "openai":
	default:
		return fmt.Errorf("agents.provider must be scripted or openai, got %q", c.Agents.Provider)
	}
	if c.Agents.Provider == "openai" && c.Agents.BaseURL == "" {
		return errors.New("agents.baseUrl is required for the openai provider")
	}
	return nil
}
