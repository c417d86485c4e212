package config

import "time"

// Config is the root configuration for cropcast.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Channel ChannelConfig `yaml:"channel"`
	Viewer  ViewerConfig  `yaml:"viewer"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// ChannelConfig holds the push-channel constructor inputs. They reach
// the channel through the composition root, never through globals.
type ChannelConfig struct {
	URL              string        `yaml:"url"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ViewerConfig identifies the viewing party, used for ledger event
// filtering and server-side per-address routing.
type ViewerConfig struct {
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8001,
			LogLevel: "info",
		},
		Channel: ChannelConfig{
			URL:              "ws://localhost:8001/ws",
			BaseDelay:        time.Second,
			MaxAttempts:      5,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}
