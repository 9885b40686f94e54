// Package config loads the hubsync configuration file.
//
// A configuration file is YAML with ${VAR} and ${VAR:-default}
// substitution applied before parsing:
//
//	scheduler:
//	  repo_id: my-org/chat-feedback
//	  every: 5m
//	  token: ${HF_TOKEN}
//	destination:
//	  type: hub
//	logging:
//	  level: info
//
// Scheduler token and revision are copied to the destination when the
// destination does not set its own.
package config

import (
	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"github.com/ajitpratap0/hubsync/pkg/observability"
	"github.com/ajitpratap0/hubsync/pkg/scheduler"
)

// Config is the root of the configuration file
type Config struct {
	Scheduler   scheduler.Config            `yaml:"scheduler" json:"scheduler"`
	Destination destination.Config          `yaml:"destination" json:"destination"`
	Logging     logger.Config               `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics" json:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing" json:"tracing"`
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns a configuration writing to a local directory
func Default() *Config {
	return &Config{
		Scheduler:   *scheduler.DefaultConfig(),
		Destination: destination.Config{Type: "local", Root: "./hubsync-data"},
		Logging:     logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Listen: ":9090",
			Path:   "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// ApplyDefaults fills zero values and shares scheduler settings with the
// destination
func (c *Config) ApplyDefaults() {
	c.Scheduler.ApplyDefaults()
	if c.Destination.Token == "" {
		c.Destination.Token = c.Scheduler.Token
	}
	if c.Destination.Revision == "" {
		c.Destination.Revision = c.Scheduler.Revision
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "hubsync"
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid scheduler section")
	}
	if err := c.Destination.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid destination section")
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported log encoding %q", c.Logging.Encoding)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New(errors.ErrorTypeConfig, "metrics.listen is required when metrics are enabled")
	}
	switch c.Tracing.ExporterType {
	case "", "stdout", "none":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported tracing exporter %q", c.Tracing.ExporterType)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sampling_rate must be within [0, 1]")
	}
	return nil
}

// LoadFile reads a configuration file over the defaults, then applies
// defaults and validates
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := Load(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
