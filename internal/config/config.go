package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the forgecache configuration file
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Cache   CacheConfig   `toml:"cache"`
	P2P     P2PConfig     `toml:"p2p"`
	Logging LoggingConfig `toml:"logging"`
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	APIPort int `toml:"api_port"`
}

// CacheConfig contains local artifact store settings
type CacheConfig struct {
	Dir string `toml:"dir"`
}

// P2PConfig contains peer discovery and sharing settings
type P2PConfig struct {
	Discovery bool `toml:"discovery"`
	Advertise bool `toml:"advertise"`
	BindPort  int  `toml:"bind_port"`

	// SharedSecret set here takes precedence over the system keyring.
	SharedSecret string `toml:"shared_secret"`

	LivenessWindowSeconds int `toml:"liveness_window_seconds"`
	ReplayWindowSeconds   int `toml:"replay_window_seconds"`
	FetchTimeoutSeconds   int `toml:"fetch_timeout_seconds"`
	ConsentTimeoutSeconds int `toml:"consent_timeout_seconds"`
	ConsentTTLSeconds     int `toml:"consent_ttl_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			APIPort: 7868,
		},
		Cache: CacheConfig{
			Dir: "",
		},
		P2P: P2PConfig{
			Discovery:             true,
			Advertise:             true,
			BindPort:              7869,
			LivenessWindowSeconds: 30,
			ReplayWindowSeconds:   300,
			FetchTimeoutSeconds:   5,
			ConsentTimeoutSeconds: 60,
			ConsentTTLSeconds:     0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Daemon.APIPort < 1 || c.Daemon.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.Daemon.APIPort)
	}

	// Bind port 0 asks the OS for an ephemeral port.
	if c.P2P.BindPort < 0 || c.P2P.BindPort > 65535 {
		return fmt.Errorf("invalid P2P bind port: %d", c.P2P.BindPort)
	}

	if c.P2P.LivenessWindowSeconds < 1 {
		return fmt.Errorf("invalid liveness window: %d", c.P2P.LivenessWindowSeconds)
	}
	if c.P2P.ReplayWindowSeconds < 1 {
		return fmt.Errorf("invalid replay window: %d", c.P2P.ReplayWindowSeconds)
	}
	if c.P2P.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("invalid fetch timeout: %d", c.P2P.FetchTimeoutSeconds)
	}
	if c.P2P.ConsentTimeoutSeconds < 1 {
		return fmt.Errorf("invalid consent timeout: %d", c.P2P.ConsentTimeoutSeconds)
	}
	if c.P2P.ConsentTTLSeconds < 0 {
		return fmt.Errorf("invalid consent TTL: %d", c.P2P.ConsentTTLSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// LivenessWindow returns the configured peer liveness window.
func (c *Config) LivenessWindow() time.Duration {
	return time.Duration(c.P2P.LivenessWindowSeconds) * time.Second
}

// ReplayWindow returns the configured signature replay window.
func (c *Config) ReplayWindow() time.Duration {
	return time.Duration(c.P2P.ReplayWindowSeconds) * time.Second
}

// FetchTimeout returns the configured per-peer fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.P2P.FetchTimeoutSeconds) * time.Second
}

// ConsentTimeout returns the configured consent prompt timeout.
func (c *Config) ConsentTimeout() time.Duration {
	return time.Duration(c.P2P.ConsentTimeoutSeconds) * time.Second
}

// ConsentTTL returns the configured consent decision lifetime.
// Zero means decisions last for the daemon's lifetime.
func (c *Config) ConsentTTL() time.Duration {
	return time.Duration(c.P2P.ConsentTTLSeconds) * time.Second
}
