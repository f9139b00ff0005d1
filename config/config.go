// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the host daemon configuration.
//
// Config file locations (priority order):
//  1. $OWHOSTD_CONFIG
//  2. ./owhostd.yaml
//  3. /etc/owhostd/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Duration wraps time.Duration for YAML unmarshaling of values like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// AdapterConfig selects and configures the local bus adapter.
type AdapterConfig struct {
	// Kind is "sim" or "ds2482".
	Kind string `yaml:"kind"`
	// I2C is the bus name for the ds2482 adapter; empty picks the first
	// available bus.
	I2C string `yaml:"i2c,omitempty"`
	// I2CAddr is the 7-bit device address. Defaults to 0x18.
	I2CAddr uint16 `yaml:"i2c_addr,omitempty"`
}

// NetworkConfig configures the TCP host and its discovery announcer.
type NetworkConfig struct {
	// Listen is the TCP listen address, e.g. ":6161". Empty disables the
	// network host entirely.
	Listen string `yaml:"listen,omitempty"`
	// Secret is the shared authentication secret.
	Secret string `yaml:"secret,omitempty"`
	// Announce joins the multicast discovery group.
	Announce bool `yaml:"announce,omitempty"`
}

// MonitorConfig configures device presence polling.
type MonitorConfig struct {
	Interval           Duration `yaml:"interval,omitempty"`
	DepartureThreshold int      `yaml:"departure_threshold,omitempty"`
	FaultThreshold     int      `yaml:"fault_threshold,omitempty"`
	// Families restricts polling to these family codes, as hex strings
	// ("28", "10"). Empty means all families.
	Families []string `yaml:"families,omitempty"`
}

// DatabaseConfig configures the device registry.
type DatabaseConfig struct {
	// Path of the SQLite file; empty keeps the registry in memory only.
	Path string `yaml:"path,omitempty"`
}

// Config is the root of the daemon configuration.
type Config struct {
	Adapter  AdapterConfig  `yaml:"adapter"`
	Network  NetworkConfig  `yaml:"network"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Database DatabaseConfig `yaml:"database"`
}

// FindConfigPath returns the first config file that exists, or "".
func FindConfigPath() string {
	if p := os.Getenv("OWHOSTD_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"./owhostd.yaml", "/etc/owhostd/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

// DefaultConfig returns a simulated bus with no network exposure.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills in missing values with defaults.
func (c *Config) applyDefaults() {
	if c.Adapter.Kind == "" {
		c.Adapter.Kind = "sim"
	}
	if c.Adapter.I2CAddr == 0 {
		c.Adapter.I2CAddr = 0x18
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = Duration(500 * time.Millisecond)
	}
	if c.Monitor.DepartureThreshold <= 0 {
		c.Monitor.DepartureThreshold = 3
	}
	if c.Monitor.FaultThreshold <= 0 {
		c.Monitor.FaultThreshold = 6
	}
}

func (c *Config) validate() error {
	switch c.Adapter.Kind {
	case "sim", "ds2482":
	default:
		return fmt.Errorf("config: unknown adapter kind %q", c.Adapter.Kind)
	}
	if c.Network.Listen != "" && c.Network.Secret == "" {
		return fmt.Errorf("config: network.listen set without network.secret")
	}
	if _, err := c.Monitor.FamilyCodes(); err != nil {
		return err
	}
	return nil
}

// FamilyCodes parses the configured family hex strings.
func (m *MonitorConfig) FamilyCodes() ([]byte, error) {
	out := make([]byte, 0, len(m.Families))
	for _, s := range m.Families {
		var b byte
		if _, err := fmt.Sscanf(s, "%2x", &b); err != nil || len(s) != 2 {
			return nil, fmt.Errorf("config: bad family code %q", s)
		}
		out = append(out, b)
	}
	return out, nil
}

// Filter builds a family filter from the configured codes.
func (m *MonitorConfig) Filter() (*onewire.FamilyFilter, error) {
	codes, err := m.FamilyCodes()
	if err != nil {
		return nil, err
	}
	f := &onewire.FamilyFilter{}
	if len(codes) > 0 {
		f.Target(codes...)
	}
	return f, nil
}
