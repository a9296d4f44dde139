// Package config provides HCL configuration handling for the daemon.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Interface is the network interface the registrar binds to.
	Interface string `hcl:"interface"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `hcl:"log_level,optional"`

	// MetricsListen is the host:port for the prometheus endpoint.
	// Empty disables the endpoint.
	MetricsListen string `hcl:"metrics_listen,optional"`

	// SearchIntervalSeconds is how often an SSDP M-SEARCH is re-issued
	// to pick up access points that came up after startup.
	SearchIntervalSeconds int `hcl:"search_interval_seconds,optional"`

	Registrar *RegistrarConfig `hcl:"registrar,block"`
}

// RegistrarConfig controls the SetSelectedRegistrar broadcast sent to
// discovered access points on startup.
type RegistrarConfig struct {
	Selected         bool `hcl:"selected,optional"`
	DevicePasswordID int  `hcl:"device_password_id,optional"`
	ConfigMethods    int  `hcl:"config_methods,optional"`
}

// Default returns a configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		LogLevel:              "info",
		SearchIntervalSeconds: 120,
	}
}

// Load reads and decodes an HCL config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Decode(path, data)
}

// Decode parses HCL config bytes. The filename is used for diagnostics only.
func Decode(filename string, data []byte) (*Config, error) {
	cfg := Default()
	if err := hclsimple.Decode(filename, data, nil, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the decoded configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface must be set")
	}
	if c.SearchIntervalSeconds < 0 {
		return fmt.Errorf("config: search_interval_seconds must not be negative")
	}
	if r := c.Registrar; r != nil {
		if r.DevicePasswordID < 0 || r.DevicePasswordID > 0xffff {
			return fmt.Errorf("config: registrar.device_password_id out of range")
		}
		if r.ConfigMethods < 0 || r.ConfigMethods > 0xffff {
			return fmt.Errorf("config: registrar.config_methods out of range")
		}
	}
	return nil
}
