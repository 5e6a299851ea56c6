// Package config loads engine configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Store struct {
		// Driver selects the store backend: memory, sqlite, or mysql.
		Driver string `yaml:"driver"`

		// Path is the database file for the sqlite driver.
		Path string `yaml:"path"`

		MySQL struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
		} `yaml:"mysql"`
	} `yaml:"store"`

	Queue struct {
		// Driver selects the queue backend: memory or redis.
		Driver string `yaml:"driver"`

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`

		LeaseTimeout Duration `yaml:"lease_timeout"`
	} `yaml:"queue"`

	Sweeper struct {
		Sweepers          int      `yaml:"sweepers"`
		FullSweepSchedule string   `yaml:"full_sweep_schedule"`
		RequeueDelay      Duration `yaml:"requeue_delay"`
	} `yaml:"sweeper"`

	Tracing struct {
		// Exporter selects the span exporter: none, stdout, or otlp.
		Exporter string `yaml:"exporter"`

		// Endpoint is the OTLP collector endpoint for the otlp exporter.
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`
}

func Default() *Config {
	c := &Config{}
	c.Store.Driver = "memory"
	c.Queue.Driver = "memory"
	c.Queue.LeaseTimeout = Duration(time.Minute)
	c.Sweeper.Sweepers = 2
	c.Sweeper.FullSweepSchedule = "@every 1m"
	c.Sweeper.RequeueDelay = Duration(time.Second)
	c.Tracing.Exporter = "none"

	return c
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return c, nil
}
