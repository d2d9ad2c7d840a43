package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Prefix of the environment variables read by Load.
const Prefix = "ASKS"

// Config holds the settings of a session. Environment variables are named
// after the field path, e.g. ASKS_POOL_MAX_CONNS_PER_HOST.
type Config struct {
	// BaseURL resolves relative request URLs.
	BaseURL string            `split_words:"true" yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`

	Pool     PoolConfig     `yaml:"pool"`
	Redirect RedirectConfig `yaml:"redirect"`
	Retry    RetryConfig    `yaml:"retry"`

	// Timeout bounds a whole call including redirects and, for streamed
	// responses, reading the body. Zero means no timeout.
	Timeout            time.Duration `default:"0s" yaml:"timeout"`
	PersistCookies     bool          `split_words:"true" default:"true" yaml:"persist_cookies"`
	DisableCompression bool          `split_words:"true" default:"false" yaml:"disable_compression"`

	RateLimit RateLimitConfig `split_words:"true" yaml:"rate_limit"`
	Dial      DialConfig      `yaml:"dial"`
	Logging   LogConfig       `yaml:"logging"`
}

// PoolConfig sizes the per host connection pools.
type PoolConfig struct {
	MaxConnsPerHost int           `split_words:"true" default:"10" yaml:"max_conns_per_host"`
	MaxIdlePerHost  int           `split_words:"true" default:"10" yaml:"max_idle_per_host"`
	IdleTimeout     time.Duration `split_words:"true" default:"90s" yaml:"idle_timeout"`
	WaitTimeout     time.Duration `split_words:"true" default:"0s" yaml:"wait_timeout"`
}

type RedirectConfig struct {
	Follow bool `default:"true" yaml:"follow"`
	Max    int  `default:"20" yaml:"max"`
}

// RetryConfig controls the single retry of a request that failed on a
// stale keep-alive connection.
type RetryConfig struct {
	Disabled bool     `default:"false" yaml:"disabled"`
	Methods  []string `default:"GET,HEAD,OPTIONS,TRACE" yaml:"methods"`
}

// RateLimitConfig throttles requests issued by a session, zero disables
// the limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `split_words:"true" default:"0" yaml:"requests_per_second"`
	Burst             int     `default:"1" yaml:"burst"`
}

type DialConfig struct {
	Timeout            time.Duration     `default:"30s" yaml:"timeout"`
	Proxy              string            `yaml:"proxy"`
	ProxyFromEnv       bool              `split_words:"true" default:"false" yaml:"proxy_from_env"`
	DNSServer          string            `split_words:"true" yaml:"dns_server"`
	Network            string            `yaml:"network"`
	StaticHosts        map[string]string `split_words:"true" yaml:"static_hosts"`
	InsecureSkipVerify bool              `split_words:"true" default:"false" yaml:"insecure_skip_verify"`
}

type LogConfig struct {
	Level       string `default:"info" yaml:"level"`
	Development bool   `default:"false" yaml:"development"`
}

// Load loads configuration from ASKS_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML file. Keys missing from the file keep their
// default values.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnsPerHost: 10,
			MaxIdlePerHost:  10,
			IdleTimeout:     90 * time.Second,
		},
		Redirect: RedirectConfig{
			Follow: true,
			Max:    20,
		},
		Retry: RetryConfig{
			Methods: []string{"GET", "HEAD", "OPTIONS", "TRACE"},
		},
		PersistCookies: true,
		RateLimit: RateLimitConfig{
			Burst: 1,
		},
		Dial: DialConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate reports configuration errors. A zero connection limit is
// rejected here already, the pool would refuse every acquisition.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("base url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("base url: unsupported scheme %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("base url: missing host"))
		}
	}
	if c.Pool.MaxConnsPerHost == 0 {
		errs = append(errs, errors.New("pool: max_conns_per_host must not be zero, use a negative value for no limit"))
	}
	if c.Redirect.Max < 0 {
		errs = append(errs, errors.New("redirect: max must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit: requests_per_second must not be negative"))
	}
	switch c.Dial.Network {
	case "", "ip", "ip4", "ip6":
	default:
		errs = append(errs, fmt.Errorf("dial: unknown network %q", c.Dial.Network))
	}
	for i, m := range c.Retry.Methods {
		c.Retry.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return errors.Join(errs...)
}
