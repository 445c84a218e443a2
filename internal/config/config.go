// Package config loads the broker configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for the configuration file.
const DefaultPath = "configs/broker.yaml"

// Config represents the complete broker configuration.
// Maps config file fields through YAML tags
type Config struct {
	Broker struct {
		Address          string        `yaml:"address"`             // gRPC listen address, also the monitor flush address
		RPCTimeout       time.Duration `yaml:"rpc_timeout"`         // per remote call deadline
		MaxConcurrency   int           `yaml:"max_concurrency"`     // fan-out bound, 0 = unbounded
		StopEventsOnStop bool          `yaml:"stop_events_on_stop"` // cancel background events on stop
	} `yaml:"broker"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"http"`

	Reports struct {
		Dir string `yaml:"dir"` // empty disables persistence
	} `yaml:"reports"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Broker.Address = "0.0.0.0:8989"
	cfg.Broker.RPCTimeout = 30 * time.Second
	cfg.Broker.StopEventsOnStop = true
	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = ":9090"
	cfg.Reports.Dir = "./reports"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the broker relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.Address == "" {
		errs = append(errs, errors.New("broker.address must not be empty"))
	}
	if c.Broker.RPCTimeout < 0 {
		errs = append(errs, errors.New("broker.rpc_timeout must not be negative"))
	}
	if c.Broker.MaxConcurrency < 0 {
		errs = append(errs, errors.New("broker.max_concurrency must not be negative"))
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, errors.New("http.address must not be empty when http is enabled"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
