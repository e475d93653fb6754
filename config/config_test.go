package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0, cfg.DomainID)
	assert.Equal(t, "memory", cfg.Transport)
	assert.Equal(t, DefaultRedisURL, cfg.RedisURL)
	assert.Equal(t, DefaultServiceWorkers, cfg.ServiceWorkers)
	assert.Equal(t, DefaultResultWorkers, cfg.ResultWorkers)
	assert.Equal(t, DefaultLivelinessTTL, cfg.LivelinessTTL)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.DomainID)
	assert.Equal(t, "memory", cfg.Transport)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ZRM_DOMAIN_ID", "7")
	t.Setenv("ZRM_TRANSPORT", "redis")
	t.Setenv("ZRM_REDIS_URL", "redis://example:6379/1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.DomainID)
	assert.Equal(t, "redis", cfg.Transport)
	assert.Equal(t, "redis://example:6379/1", cfg.RedisURL)
}

func TestLoadRejectsBadTransport(t *testing.T) {
	t.Setenv("ZRM_TRANSPORT", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "Defaults", mutate: func(c *Config) {}, expectError: false},
		{name: "NegativeDomain", mutate: func(c *Config) { c.DomainID = -1 }, expectError: true},
		{name: "BadTransport", mutate: func(c *Config) { c.Transport = "smoke-signals" }, expectError: true},
		{name: "ZeroWorkersNormalized", mutate: func(c *Config) { c.ServiceWorkers = 0 }, expectError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateNormalizesZeroes(t *testing.T) {
	cfg := Default()
	cfg.ServiceWorkers = 0
	cfg.ResultWorkers = 0
	cfg.LivelinessTTL = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultServiceWorkers, cfg.ServiceWorkers)
	assert.Equal(t, DefaultResultWorkers, cfg.ResultWorkers)
	assert.Equal(t, DefaultLivelinessTTL, cfg.LivelinessTTL)
}

func TestLivelinessTTLFromEnv(t *testing.T) {
	t.Setenv("ZRM_LIVELINESS_TTL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.LivelinessTTL)
}
