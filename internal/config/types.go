// Package config loads the turntable YAML configuration and watches it
// for changes. Only dynamically safe settings (logging) are re-applied on
// a live process; databases and the listen address need a restart.
package config

import (
	"fmt"
	"strings"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/pkg/logx"
)

type Config struct {
	// Listen is the HTTP bind address, e.g. ":8080".
	Listen string `yaml:"listen"`

	Logging   LoggingConfig             `yaml:"logging"`
	Registry  RegistryConfig            `yaml:"registry"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Stage     StageConfig               `yaml:"stage"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console,omitempty"`
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

type RegistryConfig struct {
	// Path is the durable snapshot file for registered query definitions.
	Path string `yaml:"path"`
	// ResultsWindow bounds the in-memory recent-results ring per query.
	ResultsWindow int `yaml:"results_window"`
}

type SchedulerConfig struct {
	// Timezone is an IANA TZ name; empty means Local.
	Timezone string `yaml:"timezone"`
	// DefaultPeriod is the recurrence substituted for queries registered
	// with an empty period, e.g. "@every 1m".
	DefaultPeriod string `yaml:"default_period"`
}

type StageConfig struct {
	// RatePerSec throttles the ad-hoc preview endpoint; each preview
	// opens a database session.
	RatePerSec int `yaml:"rate_per_sec"`
}

// DatabaseConfig describes one named database. Durations are Go duration
// strings (e.g. "5m").
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"`
}

// Defaults fills in the zero-value gaps after parsing.
func (c *Config) Defaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		c.Registry.Path = "./turntable.json"
	}
	if c.Registry.ResultsWindow <= 0 {
		c.Registry.ResultsWindow = 50
	}
	if strings.TrimSpace(c.Scheduler.DefaultPeriod) == "" {
		c.Scheduler.DefaultPeriod = "@every 1m"
	}
	if c.Stage.RatePerSec <= 0 {
		c.Stage.RatePerSec = 2
	}
}

// Validate rejects configs that cannot possibly run.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("config: at least one database is required")
	}
	for name, d := range c.Databases {
		if strings.TrimSpace(d.DSN) == "" {
			return fmt.Errorf("config: database %q: dsn is required", name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("databases.%s.conn_max_lifetime", name), d.ConnMaxLifetime); err != nil {
			return err
		}
	}
	return nil
}

// LogxConfig translates the logging section for pkg/logx. Console output
// defaults to on.
func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// DatabaseOptions translates the databases section for the connection
// registry.
func (c *Config) DatabaseOptions() (map[string]db.Options, error) {
	out := make(map[string]db.Options, len(c.Databases))
	for name, d := range c.Databases {
		life, err := ParseDurationField(fmt.Sprintf("databases.%s.conn_max_lifetime", name), d.ConnMaxLifetime)
		if err != nil {
			return nil, err
		}
		out[name] = db.Options{
			Driver:          d.Driver,
			DSN:             d.DSN,
			MaxOpenConns:    d.MaxOpenConns,
			MaxIdleConns:    d.MaxIdleConns,
			ConnMaxLifetime: life,
		}
	}
	return out, nil
}
