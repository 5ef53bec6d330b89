// Package config loads sqslocal's runtime configuration from a YAML file,
// with flag and environment overrides layered on top.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob sqslocal's components need at startup.
type Config struct {
	Listen struct {
		Address string `yaml:"address"`
	} `yaml:"listen"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Reaper struct {
		IntervalSeconds int `yaml:"intervalSeconds"`
	} `yaml:"reaper"`

	Defaults struct {
		VisibilityTimeoutSeconds int `yaml:"visibilityTimeoutSeconds"`
	} `yaml:"defaults"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.Listen.Address = ":9324"
	cfg.Storage.Path = "sqslocal.db"
	cfg.Reaper.IntervalSeconds = 1
	cfg.Defaults.VisibilityTimeoutSeconds = 30
	cfg.LogLevel = "info"
	return cfg
}

// ReaperInterval returns the configured reaper tick as a time.Duration.
func (c *Config) ReaperInterval() time.Duration {
	if c.Reaper.IntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// Load reads a YAML config file on top of Default (path, or the CFG_PATH
// environment variable when path is empty; no file when both are empty),
// then applies SQSLOCAL_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CFG_PATH")
	}
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQSLOCAL_LISTEN_ADDRESS"); v != "" {
		cfg.Listen.Address = v
	}
	if v := os.Getenv("SQSLOCAL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SQSLOCAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// RegisterFlags binds command-line flags that override the loaded config.
// Call Parse() after RegisterFlags, then ApplyFlags to fold the results in.
func RegisterFlags(fs *flag.FlagSet) (addr, storagePath, cfgPath *string) {
	addr = fs.String("listen", "", "listen address, overrides config file")
	storagePath = fs.String("db", "", "sqlite database path, overrides config file")
	cfgPath = fs.String("config", "", "path to a YAML config file")
	return
}

// ApplyFlags folds non-empty flag values into cfg, taking precedence over
// the file and environment.
func ApplyFlags(cfg *Config, addr, storagePath *string) {
	if addr != nil && *addr != "" {
		cfg.Listen.Address = *addr
	}
	if storagePath != nil && *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
}
