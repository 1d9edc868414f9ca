package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{"empty host", func(c *AppConfig) { c.Redis.Host = "" }, "redis: host is required"},
		{"bad port", func(c *AppConfig) { c.Redis.Port = 70000 }, "redis: port must be 1..65535"},
		{"negative retries", func(c *AppConfig) { c.Redis.MaxRetriesPerRequest = -1 }, "redis: maxRetriesPerRequest must be >= 0"},
		{"zero connect timeout", func(c *AppConfig) { c.Redis.ConnectTimeout = 0 }, "redis: connectTimeout must be > 0"},
		{"max delay below base", func(c *AppConfig) { c.Redis.Retry.MaxDelay = time.Millisecond }, "redis: retry.maxDelay must be >= retry.baseDelay"},
		{"no connect attempts", func(c *AppConfig) { c.Redis.Retry.ConnectAttempts = 0 }, "redis: retry.connectAttempts must be > 0"},
		{"near cache bad cost", func(c *AppConfig) {
			c.NearCache.Enabled = true
			c.NearCache.MaxCost = "lots"
		}, "nearCache: invalid maxCost 'lots'"},
		{"near cache no channel", func(c *AppConfig) {
			c.NearCache.Enabled = true
			c.NearCache.InvalidationChannel = ""
		}, "nearCache: invalidationChannel is required"},
		{"same ports", func(c *AppConfig) { c.Server.MetricsPort = c.Server.Port }, "server: port and metricsPort must differ"},
		{"bad body size", func(c *AppConfig) { c.Server.MaxBodySize = "0" }, "server: invalid maxBodySize '0'"},
		{"no rate window", func(c *AppConfig) { c.Server.RateLimit.Window = 0 }, "server: rateLimit.window must be > 0"},
		{"relay without url", func(c *AppConfig) {
			c.Relay.Enabled = true
			c.Relay.Channels = []string{"a"}
		}, "relay: natsUrl is required"},
		{"relay bad scheme", func(c *AppConfig) {
			c.Relay.Enabled = true
			c.Relay.NatsURL = "http://localhost:4222"
			c.Relay.Channels = []string{"a"}
		}, "relay: unsupported scheme 'http' in natsUrl"},
		{"relay duplicate channel", func(c *AppConfig) {
			c.Relay.Enabled = true
			c.Relay.NatsURL = "nats://localhost:4222"
			c.Relay.Channels = []string{"a", "a"}
		}, "relay: duplicate channel 'a'"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging: unknown level 'verbose'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.EqualError(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestDisabledSectionsSkipValidation(t *testing.T) {
	cfg := Default()
	cfg.NearCache.MaxCost = ""
	cfg.Relay.Channels = nil
	assert.NoError(t, cfg.Validate())
}

func TestByteSizes(t *testing.T) {
	cfg := Default()

	maxCost, err := cfg.NearCache.MaxCostBytes()
	assert.NoError(t, err)
	assert.Equal(t, uint64(64_000_000), maxCost)

	body, err := cfg.Server.MaxBodySizeBytes()
	assert.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), body)

	_, err = ParseBytesStr("nope", "x -> y")
	assert.ErrorContains(t, err, "invalid config -> x -> y: nope has wrong value")
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "localhost:6379", Default().Redis.Addr())
}
