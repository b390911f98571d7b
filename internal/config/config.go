package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	WindmillURL string `yaml:"windmill_url"`
	Workspace   string `yaml:"workspace"`
	Token       string `yaml:"token"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`

	// MaxInFlight bounds concurrent proxy calls served over HTTP.
	MaxInFlight int64 `yaml:"max_in_flight"`
	// WorkerCount bounds concurrent jobs within one batch.
	WorkerCount int `yaml:"worker_count"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		WindmillURL:  "http://localhost:8000",
		Workspace:    "blueprint",
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  120,
		HTTPTimeout:  10 * time.Second,
		MaxInFlight:  64,
		WorkerCount:  4,
	}
}

// LoadFromEnv starts from Default, overlays the YAML file named by
// PROXY_CONFIG_FILE if set, then applies individual environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("PROXY_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the fields present in a YAML file onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.Parse(data)
}

func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PROXY_LISTEN_ADDR":  &c.ListenAddr,
		"WINDMILL_URL":       &c.WindmillURL,
		"WINDMILL_WORKSPACE": &c.Workspace,
		"WINDMILL_API_TOKEN": &c.Token,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PROXY_POLL_INTERVAL": &c.PollInterval,
		"PROXY_HTTP_TIMEOUT":  &c.HTTPTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("PROXY_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXY_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}
	if v, ok := lookup("PROXY_MAX_IN_FLIGHT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROXY_MAX_IN_FLIGHT: %w", err)
		}
		c.MaxInFlight = n
	}
	if v, ok := lookup("PROXY_BATCH_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXY_BATCH_CONCURRENCY: %w", err)
		}
		c.WorkerCount = n
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.WindmillURL == "":
		return fmt.Errorf("windmill url is required")
	case c.Workspace == "":
		return fmt.Errorf("workspace is required")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	case c.MaxInFlight <= 0:
		return fmt.Errorf("max in flight must be positive, got %d", c.MaxInFlight)
	case c.WorkerCount <= 0:
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	return nil
}

// PollBudget is the longest a single call can spend polling.
func (c *Config) PollBudget() time.Duration {
	return c.PollInterval * time.Duration(c.MaxAttempts)
}
