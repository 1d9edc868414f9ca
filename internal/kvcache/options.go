package kvcache

import (
	"time"

	"kv-cache-service/internal/config"
	"kv-cache-service/internal/nearcache"
)

// Типовые TTL для вызывающих сторон.
const (
	DefaultTTL = 24 * time.Hour
	ShortTTL   = time.Hour
)

// RetryPolicy задаёт линейную задержку с потолком MaxDelay: попытка n ждёт
// min(n*BaseDelay, MaxDelay).
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Options содержит параметры, общие для всех трёх соединений.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// MaxRetries ограничивает число повторов одной команды; 0 отключает повторы.
	MaxRetries      int
	ConnectTimeout  time.Duration
	Timeout         time.Duration
	Retry           RetryPolicy
	ConnectAttempts int
}

func OptionsFromConfig(cfg config.Redis) Options {
	return Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      cfg.MaxRetriesPerRequest,
		ConnectTimeout:  cfg.ConnectTimeout,
		Timeout:         cfg.Timeout,
		Retry:           RetryPolicy{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay},
		ConnectAttempts: cfg.Retry.ConnectAttempts,
	}
}

type Option func(*Service)

// WithCodec заменяет JSON-кодек по умолчанию.
func WithCodec(c Codec) Option {
	return func(s *Service) {
		s.codec = c
	}
}

// WithNearCache включает локальный кэш nc перед хранилищем. Копии на других
// экземплярах сбрасываются сообщениями инвалидации в channel.
func WithNearCache(nc *nearcache.Cache, channel string) Option {
	return func(s *Service) {
		s.near = nc
		s.invalidationChannel = channel
	}
}

// WithInstanceID задаёт идентификатор, по которому экземпляр узнаёт свои
// собственные сообщения инвалидации.
func WithInstanceID(id string) Option {
	return func(s *Service) {
		s.instanceID = id
	}
}
