package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/cropcast/cropcast.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cropcast", "cropcast.yaml"))
	}

	paths = append(paths, "cropcast.yaml")

	if envPath := os.Getenv("CROPCAST_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/cropcast/cropcast.yaml < ~/.config/cropcast/cropcast.yaml < ./cropcast.yaml < $CROPCAST_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables have higher priority than YAML
// config values.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("CROPCAST_CHANNEL_URL"); url != "" {
		cfg.Channel.URL = url
	}
	if address := os.Getenv("CROPCAST_VIEWER_ADDRESS"); address != "" {
		cfg.Viewer.Address = address
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !strings.HasPrefix(cfg.Channel.URL, "ws://") && !strings.HasPrefix(cfg.Channel.URL, "wss://") {
		return fmt.Errorf("channel.url must be a ws:// or wss:// URL, got %q", cfg.Channel.URL)
	}

	if cfg.Channel.BaseDelay <= 0 {
		return fmt.Errorf("channel.base_delay must be positive, got %s", cfg.Channel.BaseDelay)
	}

	if cfg.Channel.MaxAttempts < 1 {
		return fmt.Errorf("channel.max_attempts must be at least 1, got %d", cfg.Channel.MaxAttempts)
	}

	return nil
}
