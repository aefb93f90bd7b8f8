package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Checks   ChecksConfig   `yaml:"checks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// DispatchConfig bounds the notification dispatch engine: worker count per
// channel and the per-adapter send timeout.
type DispatchConfig struct {
	WorkersPerChannel int           `yaml:"workers_per_channel"`
	AdapterTimeout    time.Duration `yaml:"adapter_timeout"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ChecksConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// UnmarshalYAML accepts "15s" style duration strings, which the yaml package
// does not decode into time.Duration on its own.
func (c *DispatchConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		WorkersPerChannel int    `yaml:"workers_per_channel"`
		AdapterTimeout    string `yaml:"adapter_timeout"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.WorkersPerChannel = raw.WorkersPerChannel

	if raw.AdapterTimeout != "" {
		d, err := time.ParseDuration(raw.AdapterTimeout)
		if err != nil {
			return fmt.Errorf("invalid adapter_timeout %q: %w", raw.AdapterTimeout, err)
		}
		c.AdapterTimeout = d
	}

	return nil
}

func (c *ChecksConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultTimeout string `yaml:"default_timeout"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DefaultTimeout != "" {
		d, err := time.ParseDuration(raw.DefaultTimeout)
		if err != nil {
			return fmt.Errorf("invalid default_timeout %q: %w", raw.DefaultTimeout, err)
		}
		c.DefaultTimeout = d
	}

	return nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: "3000"},
		Dispatch: DispatchConfig{
			WorkersPerChannel: 4,
			AdapterTimeout:    15 * time.Second,
		},
		SMTP:   SMTPConfig{Host: "localhost", Port: 25, From: "lookout@localhost"},
		Checks: ChecksConfig{DefaultTimeout: 10 * time.Second},
	}
}

// Load reads the YAML config file, falling back to defaults when the path is
// empty or the file is absent. Secrets (DSN, JWT secret) stay in the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Dispatch.WorkersPerChannel <= 0 {
		cfg.Dispatch.WorkersPerChannel = Default().Dispatch.WorkersPerChannel
	}
	if cfg.Dispatch.AdapterTimeout <= 0 {
		cfg.Dispatch.AdapterTimeout = Default().Dispatch.AdapterTimeout
	}
	if cfg.Checks.DefaultTimeout <= 0 {
		cfg.Checks.DefaultTimeout = Default().Checks.DefaultTimeout
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = Default().Server.Port
	}

	return cfg, nil
}
