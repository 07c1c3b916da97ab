// Package config loads the oire YAML configuration.
//
// Resolution order: the explicit path, else ~/.config/oire/config.yaml.
// A missing file yields defaults; unknown keys are an error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/oire/config.yaml"
	defaultCachePath  = "~/.local/share/oire/cache.db"
	defaultBackendURL = "ws://127.0.0.1:8787/v1/ws"
)

// Config is the full configuration.
type Config struct {
	UserID       string             `yaml:"user_id"`
	Backend      BackendConfig      `yaml:"backend"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Engine       EngineConfig       `yaml:"engine"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type BackendConfig struct {
	URL string `yaml:"url"`
	// HealthURL defaults to /healthz on the backend host.
	HealthURL string `yaml:"health_url"`
}

type CacheConfig struct {
	Path          string        `yaml:"path"`
	HydrationWait time.Duration `yaml:"hydration_wait"`
	HydrationPoll time.Duration `yaml:"hydration_poll"`
}

type ConnectivityConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type EngineConfig struct {
	// InFlightTimeout of 0 disables the bound.
	InFlightTimeout time.Duration `yaml:"in_flight_timeout"`
	// Policies is an optional CUE file replacing the built-in kind table.
	Policies string `yaml:"policies"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Backend: BackendConfig{URL: defaultBackendURL},
		Cache: CacheConfig{
			Path:          defaultCachePath,
			HydrationWait: 3 * time.Second,
			HydrationPoll: 20 * time.Millisecond,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:    5 * time.Second,
			FailureThreshold: 2,
		},
		Engine: EngineConfig{
			InFlightTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path uses the default
// location. Paths inside the file are expanded.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.finish()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	return cfg.finish()
}

// finish expands paths and derives unset values.
func (c Config) finish() (Config, error) {
	c.UserID = strings.TrimSpace(c.UserID)

	if c.Cache.Path != "" && c.Cache.Path != ":memory:" {
		p, err := expandPath(c.Cache.Path)
		if err != nil {
			return Config{}, fmt.Errorf("cache.path: %w", err)
		}
		c.Cache.Path = p
	}
	if c.Engine.Policies != "" {
		p, err := expandPath(c.Engine.Policies)
		if err != nil {
			return Config{}, fmt.Errorf("engine.policies: %w", err)
		}
		c.Engine.Policies = p
	}
	if c.Backend.HealthURL == "" && c.Backend.URL != "" {
		if h, err := HealthURLFor(c.Backend.URL); err == nil {
			c.Backend.HealthURL = h
		}
	}
	return c, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("backend.url: scheme must be ws or wss, got %q", u.Scheme)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"cache.hydration_wait", c.Cache.HydrationWait},
		{"cache.hydration_poll", c.Cache.HydrationPoll},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
		{"engine.in_flight_timeout", c.Engine.InFlightTimeout},
	}
	for _, f := range durations {
		if f.d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	if c.Connectivity.FailureThreshold < 1 {
		return fmt.Errorf("connectivity.failure_threshold must be at least 1")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// HealthURLFor maps a ws(s)://host/... backend URL to http(s)://host/healthz.
func HealthURLFor(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
