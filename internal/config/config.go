// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:8790"
	Host   string `yaml:"host"`   // Bind host
	Port   int    `yaml:"port"`   // Bind port (alternative to listen)
}

// PersistenceConfig configures SQLite persistence.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path"`
}

// OracleConfig configures the local decryption oracle.
type OracleConfig struct {
	DeliveryDelayMs int `yaml:"delivery_delay_ms"` // Simulated off-path decryption latency
}

// AnalyticsConfig holds default anomaly-detection thresholds and the
// critical-facility watch list, used when a request does not supply its own.
type AnalyticsConfig struct {
	VoltageThreshold   int64    `yaml:"voltage_threshold"`
	FrequencyThreshold int64    `yaml:"frequency_threshold"`
	CriticalFacilities []string `yaml:"critical_facilities"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for API access
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "localhost:8790",
		},
		Persistence: PersistenceConfig{
			DBPath: "", // Set in Load based on platform
		},
		Oracle: OracleConfig{
			DeliveryDelayMs: 250,
		},
		Analytics: AnalyticsConfig{
			VoltageThreshold:   230000,
			FrequencyThreshold: 5100,
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "gridveil"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "gridveil"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gridveil.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Persistence.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults and generate token
			cfg.applyEnvOverrides()
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = generateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Owner read/write only - the file holds the bearer token
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GRIDVEIL_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("GRIDVEIL_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
	if v := os.Getenv("GRIDVEIL_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "gridveil_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ServerConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 8790
	}
	return fmt.Sprintf("%s:%d", host, port)
}
