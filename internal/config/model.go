package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type AppConfig struct {
	Redis     Redis     `yaml:"redis"`
	NearCache NearCache `yaml:"nearCache"`
	Server    Server    `yaml:"server"`
	Relay     Relay     `yaml:"relay"`
	Logging   Logging   `yaml:"logging"`
}

func (c *AppConfig) Validate() error {
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateNearCache(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateRelay(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *AppConfig) validateRedis() error {
	r := c.Redis
	if r.Host == "" {
		return fmt.Errorf("redis: host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("redis: port must be 1..65535")
	}
	if r.DB < 0 {
		return fmt.Errorf("redis: db must be >= 0")
	}
	if r.PoolSize <= 0 {
		return fmt.Errorf("redis: poolSize must be > 0")
	}
	if r.MaxRetriesPerRequest < 0 {
		return fmt.Errorf("redis: maxRetriesPerRequest must be >= 0")
	}
	if r.ConnectTimeout <= 0 {
		return fmt.Errorf("redis: connectTimeout must be > 0")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("redis: timeout must be > 0")
	}
	if r.Retry.BaseDelay <= 0 {
		return fmt.Errorf("redis: retry.baseDelay must be > 0")
	}
	if r.Retry.MaxDelay < r.Retry.BaseDelay {
		return fmt.Errorf("redis: retry.maxDelay must be >= retry.baseDelay")
	}
	if r.Retry.ConnectAttempts <= 0 {
		return fmt.Errorf("redis: retry.connectAttempts must be > 0")
	}
	return nil
}

func (c *AppConfig) validateNearCache() error {
	n := c.NearCache
	if !n.Enabled {
		return nil
	}
	if n.NumCounters <= 0 {
		return fmt.Errorf("nearCache: numCounters must be > 0")
	}
	if n.BufferItems <= 0 {
		return fmt.Errorf("nearCache: bufferItems must be > 0")
	}
	if bytes, err := ParseByteSize(n.MaxCost); err != nil || bytes == 0 {
		return fmt.Errorf("nearCache: invalid maxCost '%s'", n.MaxCost)
	}
	if n.TTL <= 0 {
		return fmt.Errorf("nearCache: ttl must be > 0")
	}
	if n.InvalidationChannel == "" {
		return fmt.Errorf("nearCache: invalidationChannel is required")
	}
	return nil
}

func (c *AppConfig) validateServer() error {
	s := c.Server
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server: port must be 1..65535")
	}
	if s.MetricsPort <= 0 || s.MetricsPort > 65535 {
		return fmt.Errorf("server: metricsPort must be 1..65535")
	}
	if s.Port == s.MetricsPort {
		return fmt.Errorf("server: port and metricsPort must differ")
	}
	if bytes, err := ParseByteSize(s.MaxBodySize); err != nil || bytes == 0 {
		return fmt.Errorf("server: invalid maxBodySize '%s'", s.MaxBodySize)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("server: shutdownTimeout must be > 0")
	}
	if s.RateLimit.Window <= 0 {
		return fmt.Errorf("server: rateLimit.window must be > 0")
	}
	if s.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("server: rateLimit.maxRequests must be > 0")
	}
	return nil
}

func (c *AppConfig) validateRelay() error {
	r := c.Relay
	if !r.Enabled {
		return nil
	}
	if r.NatsURL == "" {
		return fmt.Errorf("relay: natsUrl is required")
	}
	u, err := url.Parse(r.NatsURL)
	if err != nil {
		return fmt.Errorf("relay: invalid natsUrl '%s': %v", r.NatsURL, err)
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return fmt.Errorf("relay: unsupported scheme '%s' in natsUrl", u.Scheme)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("relay: at least one channel is required")
	}
	seen := make(map[string]bool)
	for i, ch := range r.Channels {
		if ch == "" {
			return fmt.Errorf("relay: channels[%d] is empty", i)
		}
		if seen[ch] {
			return fmt.Errorf("relay: duplicate channel '%s'", ch)
		}
		seen[ch] = true
	}
	return nil
}

func (c *AppConfig) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging: unknown level '%s'", c.Logging.Level)
	}
}

///////////////////////////////////////////////////////////
/// Sections
///////////////////////////////////////////////////////////

type Retry struct {
	BaseDelay       time.Duration `yaml:"baseDelay"`
	MaxDelay        time.Duration `yaml:"maxDelay"`
	ConnectAttempts int           `yaml:"connectAttempts"`
}

type Redis struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Password             string        `yaml:"password"`
	DB                   int           `yaml:"db"`
	PoolSize             int           `yaml:"poolSize"`
	MaxRetriesPerRequest int           `yaml:"maxRetriesPerRequest"`
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	Timeout              time.Duration `yaml:"timeout"`
	Retry                Retry         `yaml:"retry"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type NearCache struct {
	Enabled             bool          `yaml:"enabled"`
	NumCounters         int64         `yaml:"numCounters"`
	BufferItems         int64         `yaml:"bufferItems"`
	MaxCost             string        `yaml:"maxCost"`
	TTL                 time.Duration `yaml:"ttl"`
	InvalidationChannel string        `yaml:"invalidationChannel"`
}

func (n NearCache) MaxCostBytes() (uint64, error) {
	return ParseBytesStr(n.MaxCost, "nearCache -> maxCost")
}

type RateLimit struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"maxRequests"`
}

type Server struct {
	Port            int           `yaml:"port"`
	MetricsPort     int           `yaml:"metricsPort"`
	MaxBodySize     string        `yaml:"maxBodySize"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimit       RateLimit     `yaml:"rateLimit"`
}

func (s Server) MaxBodySizeBytes() (uint64, error) {
	return ParseBytesStr(s.MaxBodySize, "server -> maxBodySize")
}

type Relay struct {
	Enabled       bool     `yaml:"enabled"`
	NatsURL       string   `yaml:"natsUrl"`
	Channels      []string `yaml:"channels"`
	SubjectPrefix string   `yaml:"subjectPrefix"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

///////////////////////////////////////////////////////////
/// UTILS
///////////////////////////////////////////////////////////

func ParseByteSize(s string) (uint64, error) {
	return humanize.ParseBytes(strings.TrimSpace(s))
}

func ParseBytesStr(bytesString string, errorPath string) (uint64, error) {
	bytes, err := ParseByteSize(bytesString)
	if err != nil {
		return 0, fmt.Errorf("invalid config -> %v: %v has wrong value (%v)", errorPath, bytesString, err)
	}
	return bytes, nil
}
