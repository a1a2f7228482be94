// Package config loads the daemon configuration: defaults, then an
// optional YAML file, then environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables honored by the daemon.
const (
	EnvSocketDir = "SHELLCOMPOSE_SOCKET_DIR"
	EnvLogLevel  = "SHELLCOMPOSE_LOG"
	EnvLogFile   = "SHELLCOMPOSE_LOG_FILE"
)

type Config struct {
	// SocketDir overrides the runtime directory the IPC socket is bound
	// in. Empty selects the per-user default.
	SocketDir string `yaml:"socket_dir"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// MetricsAddr enables the Prometheus listener when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// Log buffer bounds. Zero selects the built-in defaults.
	MaxJobLines int `yaml:"max_job_lines"`
	MaxLogBytes int `yaml:"max_log_bytes"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment variables. An empty path skips the file; a missing file at
// an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSocketDir); v != "" {
		c.SocketDir = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}

	if v := os.Getenv(EnvLogFile); v != "" {
		c.LogFile = v
	}
}
