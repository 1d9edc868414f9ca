package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envFile          = ".env"
	envRedisURL      = "REDIS_URL"
	envRedisHost     = "REDIS_HOST"
	envRedisPort     = "REDIS_PORT"
	envRedisPassword = "REDIS_PASSWORD"
	envHTTPPort      = "HTTP_PORT"
	envLogLevel      = "LOG_LEVEL"
)

// Default returns the configuration used when a key is absent from the file.
func Default() *AppConfig {
	return &AppConfig{
		Redis: Redis{
			Host:                 "localhost",
			Port:                 6379,
			PoolSize:             10,
			MaxRetriesPerRequest: 2,
			ConnectTimeout:       10 * time.Second,
			Timeout:              3 * time.Second,
			Retry: Retry{
				BaseDelay:       100 * time.Millisecond,
				MaxDelay:        5 * time.Second,
				ConnectAttempts: 5,
			},
		},
		NearCache: NearCache{
			NumCounters:         100_000,
			BufferItems:         64,
			MaxCost:             "64MB",
			TTL:                 30 * time.Second,
			InvalidationChannel: "kvcache:invalidate",
		},
		Server: Server{
			Port:            8080,
			MetricsPort:     9080,
			MaxBodySize:     "5MB",
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimit{
				Window:      time.Minute,
				MaxRequests: 50,
			},
		},
		Relay: Relay{
			SubjectPrefix: "kvcache.",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// LoadAppConfig reads the YAML file over the defaults, applies environment
// overrides (a local .env is loaded first when present) and validates.
// An empty path skips the file.
func LoadAppConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(envRedisURL); ok && v != "" {
		if err := applyRedisURL(&cfg.Redis, v); err != nil {
			return err
		}
	}
	if v, ok := lookup(envRedisHost); ok && v != "" {
		cfg.Redis.Host = v
	}
	if v, ok := lookup(envRedisPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", envRedisPort, err)
		}
		cfg.Redis.Port = port
	}
	if v, ok := lookup(envRedisPassword); ok {
		cfg.Redis.Password = v
	}
	if v, ok := lookup(envHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", envHTTPPort, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(envLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// applyRedisURL accepts either a bare host or a redis:// URL.
func applyRedisURL(r *Redis, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		r.Host = raw
		return nil
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("env %s: unsupported scheme '%s'", envRedisURL, u.Scheme)
	}
	r.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("env %s: %w", envRedisURL, err)
		}
		r.Port = port
	}
	if pw, ok := u.User.Password(); ok {
		r.Password = pw
	}
	return nil
}
