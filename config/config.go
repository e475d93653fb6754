// Package config provides configuration loading for the ZRM runtime.
//
// Configuration is resolved from three layers, later layers overriding
// earlier ones: compiled-in defaults, an optional zrm.yaml config file
// (searched in the working directory and $HOME), and ZRM_* environment
// variables. The same Config value is accepted by zrm.NewContext, so a
// process can also construct its configuration programmatically.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values compiled into the runtime.
const (
	DefaultDomainID       = 0
	DefaultTransport      = "memory"
	DefaultRedisURL       = "redis://localhost:6379/0"
	DefaultServiceWorkers = 4
	DefaultResultWorkers  = 16
	DefaultLivelinessTTL  = 5 * time.Second
)

// Config holds the runtime configuration for a ZRM context.
type Config struct {
	// DomainID selects the discovery domain. Endpoints in different
	// domains are invisible to each other.
	DomainID int `mapstructure:"domain_id"`

	// Transport selects the session implementation: "memory" for the
	// in-process broker, "redis" for the Redis-backed session.
	Transport string `mapstructure:"transport"`

	// RedisURL is the connection URL for the redis transport.
	RedisURL string `mapstructure:"redis_url"`

	// ServiceWorkers is the pool size used to dispatch inbound service
	// queries off the transport delivery goroutine.
	ServiceWorkers int `mapstructure:"service_workers"`

	// ResultWorkers is the pool size for the action get-result service,
	// whose handlers park until a goal reaches a terminal state.
	ResultWorkers int `mapstructure:"result_workers"`

	// LivelinessTTL is the freshness window for broker-backed liveliness
	// tokens. The memory transport ignores it.
	LivelinessTTL time.Duration `mapstructure:"liveliness_ttl"`
}

// Default returns a Config populated with the compiled-in defaults.
func Default() *Config {
	return &Config{
		DomainID:       DefaultDomainID,
		Transport:      DefaultTransport,
		RedisURL:       DefaultRedisURL,
		ServiceWorkers: DefaultServiceWorkers,
		ResultWorkers:  DefaultResultWorkers,
		LivelinessTTL:  DefaultLivelinessTTL,
	}
}

// Load resolves the configuration from defaults, an optional zrm.yaml file
// and ZRM_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("domain_id", DefaultDomainID)
	v.SetDefault("transport", DefaultTransport)
	v.SetDefault("redis_url", DefaultRedisURL)
	v.SetDefault("service_workers", DefaultServiceWorkers)
	v.SetDefault("result_workers", DefaultResultWorkers)
	v.SetDefault("liveliness_ttl", DefaultLivelinessTTL)

	v.SetConfigName("zrm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetEnvPrefix("ZRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DomainID < 0 {
		return fmt.Errorf("domain_id must be non-negative, got %d", c.DomainID)
	}
	switch c.Transport {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown transport %q (want \"memory\" or \"redis\")", c.Transport)
	}
	if c.ServiceWorkers <= 0 {
		c.ServiceWorkers = DefaultServiceWorkers
	}
	if c.ResultWorkers <= 0 {
		c.ResultWorkers = DefaultResultWorkers
	}
	if c.LivelinessTTL <= 0 {
		c.LivelinessTTL = DefaultLivelinessTTL
	}
	return nil
}
