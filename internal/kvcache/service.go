// Package kvcache реализует сервис поверх Redis-совместимого хранилища:
// операции над ключами с JSON-значениями, TTL и pub/sub с локальной
// раздачей сообщений обработчикам.
//
// Service владеет тремя соединениями с одинаковыми Options:
//   - operational: операции над ключами;
//   - publisher: публикация;
//   - subscriber: только подписки.
//
// Команды одного соединения выполняются в порядке отправки; между
// соединениями порядок не гарантирован.
package kvcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"kv-cache-service/internal/metrics"
	"kv-cache-service/internal/nearcache"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Service struct {
	client     *redis.Client
	publisher  *redis.Client
	subscriber *redis.Client

	codec           Codec
	retry           RetryPolicy
	connectAttempts int
	ackTimeout      time.Duration
	addr            string

	near                *nearcache.Cache
	invalidationChannel string
	instanceID          string
	invalidationMu      sync.Mutex
	invalidationID      HandlerID

	subscriptions *subscriptionTable

	closed    atomic.Bool
	closeOnce sync.Once
}

// New создаёт три соединения. Сеть не используется до первой команды;
// доступность хранилища проверяет Connect.
func New(opts Options, options ...Option) *Service {
	s := &Service{
		codec:           JSONCodec{},
		retry:           opts.Retry,
		connectAttempts: max(opts.ConnectAttempts, 1),
		ackTimeout:      opts.ConnectTimeout + opts.Timeout,
		addr:            opts.Addr,
		instanceID:      uuid.NewString(),
	}
	for _, o := range options {
		o(s)
	}

	s.client = newClient(opts, roleOperational)
	s.publisher = newClient(opts, rolePublisher)
	s.subscriber = newClient(opts, roleSubscriber)
	s.subscriptions = newSubscriptionTable(s.subscriber, s.retry, s.ackTimeout)
	return s
}

func newClient(opts Options, role string) *redis.Client {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		// go-redis считает 0 как «по умолчанию 3».
		maxRetries = -1
	}
	c := redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		Password:        opts.Password,
		DB:              opts.DB,
		PoolSize:        opts.PoolSize,
		MaxRetries:      maxRetries,
		MinRetryBackoff: opts.Retry.BaseDelay,
		MaxRetryBackoff: opts.Retry.MaxDelay,
		DialTimeout:     opts.ConnectTimeout,
		ReadTimeout:     opts.Timeout,
		WriteTimeout:    opts.Timeout,
		OnConnect:       onReady(role),
	})
	c.AddHook(observerHook{role: role})
	return c
}

// Connect проверяет PING все три соединения с повторами по RetryPolicy и,
// если включён локальный кэш, подписывается на канал инвалидации.
func (s *Service) Connect(ctx context.Context) (err error) {
	defer s.observe("connect", time.Now(), &err)
	if err = s.checkOpen("connect", ""); err != nil {
		return err
	}

	roles := []struct {
		name   string
		client *redis.Client
	}{
		{roleOperational, s.client},
		{rolePublisher, s.publisher},
		{roleSubscriber, s.subscriber},
	}
	for _, r := range roles {
		if err = s.pingWithRetry(ctx, r.name, r.client); err != nil {
			return s.storeErr("connect", r.name, err)
		}
	}

	if s.near != nil {
		if err = s.listenInvalidations(ctx); err != nil {
			return err
		}
	}

	zap.S().Infow("connected to key-value store", "addr", s.addr)
	return nil
}

func (s *Service) pingWithRetry(ctx context.Context, role string, c *redis.Client) error {
	for attempt := 1; ; attempt++ {
		err := c.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		if attempt >= s.connectAttempts {
			return err
		}
		delay := s.retry.Backoff(attempt)
		zap.S().Warnw("store ping failed, retrying", "connection", role, "attempt", attempt, "retryIn", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ping один раз проверяет operational-соединение.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.checkOpen("ping", ""); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.storeErr("ping", "", err)
	}
	return nil
}

// Disconnect закрывает все соединения. Повторный вызов и вызов без
// успешного Connect безопасны; последующие операции завершаются ErrClosed.
func (s *Service) Disconnect(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.subscriptions.close(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, c := range []*redis.Client{s.client, s.publisher, s.subscriber} {
			if err := c.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.near != nil {
			_ = s.near.Close()
		}
	})
	if err := errors.Join(errs...); err != nil {
		zap.S().Errorw("failed to disconnect store clients", "error", err)
		return &OpError{Op: "disconnect", Kind: ErrStoreOperationFailed, Err: err}
	}
	zap.S().Infow("all store clients disconnected")
	return nil
}

// Set сохраняет value под key. Положительный ttl передаётся той же командой,
// поэтому ключ никогда не виден без срока жизни.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) (err error) {
	defer s.observe("set", time.Now(), &err)
	if err = s.checkOpen("set", key); err != nil {
		return err
	}

	raw, err := encodeValue(s.codec, value)
	if err != nil {
		return s.invalidValue("set", key, err)
	}

	ttl = max(ttl, 0)
	if err = s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return s.storeErr("set", key, err)
	}

	if s.near != nil {
		s.near.Set(key, raw, ttl)
		s.invalidate(ctx, key)
	}
	zap.S().Infow("set key", "key", key, "ttl", ttl, "size", humanize.Bytes(uint64(len(raw))))
	return nil
}

// Pair описывает одну запись пакета MSet.
type Pair struct {
	Key   string
	Value any
}

// MSet сохраняет пакет пар.
//
// Параметры:
//   - pairs: записи пакета; все проверяются до первой записи, одна
//     некорректная отклоняет весь пакет с ErrInvalidValue;
//   - ttl: при ttl > 0 MSET и EXPIRE для каждого ключа выполняются в одной
//     транзакции MULTI/EXEC, так что TTL получают либо все ключи, либо пакет
//     не применяется.
func (s *Service) MSet(ctx context.Context, pairs []Pair, ttl time.Duration) (err error) {
	defer s.observe("mset", time.Now(), &err)
	if err = s.checkOpen("mset", ""); err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}

	raws := make([][]byte, len(pairs))
	args := make([]any, 0, 2*len(pairs))
	for i, p := range pairs {
		raw, encErr := encodeValue(s.codec, p.Value)
		if encErr != nil {
			return s.invalidValue("mset", p.Key, encErr)
		}
		raws[i] = raw
		args = append(args, p.Key, raw)
	}

	if ttl > 0 {
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.MSet(ctx, args...)
			for _, p := range pairs {
				pipe.Expire(ctx, p.Key, ttl)
			}
			return nil
		})
	} else {
		ttl = 0
		err = s.client.MSet(ctx, args...).Err()
	}
	if err != nil {
		zap.S().Errorw("failed to mset keys", "count", len(pairs), "error", err)
		return &OpError{Op: "mset", Kind: ErrStoreOperationFailed, Err: err}
	}

	if s.near != nil {
		keys := make([]string, len(pairs))
		for i, p := range pairs {
			s.near.Set(p.Key, raws[i], ttl)
			keys[i] = p.Key
		}
		s.invalidate(ctx, keys...)
	}
	zap.S().Infow("set keys", "count", len(pairs), "ttl", ttl)
	return nil
}

// Get возвращает декодированное JSON-значение key. Отсутствие ключа
// сообщается через found, а не ошибкой.
func (s *Service) Get(ctx context.Context, key string) (any, bool, error) {
	return GetAs[any](ctx, s, key)
}

// MGet возвращает по Lookup на каждый ключ в порядке входа.
func (s *Service) MGet(ctx context.Context, keys []string) ([]Lookup[any], error) {
	return MGetAs[any](ctx, s, keys)
}

// Delete удаляет keys. Отсутствующие ключи игнорируются.
func (s *Service) Delete(ctx context.Context, keys ...string) (err error) {
	defer s.observe("delete", time.Now(), &err)
	if err = s.checkOpen("delete", ""); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err = s.client.Del(ctx, keys...).Err(); err != nil {
		zap.S().Errorw("failed to delete keys", "count", len(keys), "error", err)
		return &OpError{Op: "delete", Kind: ErrStoreOperationFailed, Err: err}
	}

	if s.near != nil {
		s.near.Delete(keys...)
		s.invalidate(ctx, keys...)
	}
	zap.S().Infow("deleted keys", "count", len(keys))
	return nil
}

// Exists сообщает, есть ли key и не истёк ли он.
func (s *Service) Exists(ctx context.Context, key string) (exists bool, err error) {
	defer s.observe("exists", time.Now(), &err)
	if err = s.checkOpen("exists", key); err != nil {
		return false, err
	}

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, s.storeErr("exists", key, err)
	}
	zap.S().Debugw("checked key existence", "key", key, "exists", n == 1)
	return n == 1, nil
}

const keysScanCount = 1000

// Keys возвращает имена ключей, подходящих под glob-шаблон pattern.
//
// Особенности:
//   - обходит всё пространство ключей через SCAN, стоимость O(N) от общего
//     числа ключей; не для горячих путей;
//   - результат без дубликатов, порядок не гарантирован.
func (s *Service) Keys(ctx context.Context, pattern string) (keys []string, err error) {
	defer s.observe("keys", time.Now(), &err)
	if err = s.checkOpen("keys", pattern); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	keys = make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, keysScanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err = iter.Err(); err != nil {
		return nil, s.storeErr("keys", pattern, err)
	}

	zap.S().Infow("retrieved keys for pattern", "pattern", pattern, "count", len(keys))
	return keys, nil
}

// getRaw читает закодированное значение key, сначала из локального кэша.
func (s *Service) getRaw(ctx context.Context, key string) ([]byte, bool, error) {
	if s.near == nil {
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return raw, true, nil
	}

	if raw, ok := s.near.Get(key); ok {
		metrics.RecordNearCache(1, 0)
		return raw, true, nil
	}
	metrics.RecordNearCache(0, 1)

	// Поколение берётся до чтения: запись или инвалидация, пришедшая пока
	// ответ в пути, не даст положить в кэш устаревшее значение.
	gen := s.near.Generation(key)
	var getCmd *redis.StringCmd
	var ttlCmd *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, key)
		ttlCmd = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}
	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.near.Fill(key, raw, max(ttlCmd.Val(), 0), gen)
	return raw, true, nil
}

// mgetRaw возвращает закодированные значения keys; nil означает отсутствие.
func (s *Service) mgetRaw(ctx context.Context, keys []string) ([][]byte, error) {
	raws := make([][]byte, len(keys))
	missing := make([]int, 0, len(keys))
	for i, key := range keys {
		if s.near != nil {
			if raw, ok := s.near.Get(key); ok {
				raws[i] = raw
				continue
			}
		}
		missing = append(missing, i)
	}
	if s.near != nil {
		metrics.RecordNearCache(len(keys)-len(missing), len(missing))
	}
	if len(missing) == 0 {
		return raws, nil
	}

	fetch := make([]string, len(missing))
	for j, i := range missing {
		fetch[j] = keys[i]
	}
	vals, err := s.client.MGet(ctx, fetch...).Result()
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		if j >= len(vals) || vals[j] == nil {
			continue
		}
		if str, ok := vals[j].(string); ok {
			raws[i] = []byte(str)
		}
	}
	return raws, nil
}

func (s *Service) checkOpen(op, key string) error {
	if s.closed.Load() {
		return &OpError{Op: op, Key: key, Kind: ErrStoreOperationFailed, Err: ErrClosed}
	}
	return nil
}

func (s *Service) storeErr(op, key string, err error) error {
	zap.S().Errorw("store operation failed", "op", op, "key", key, "error", err)
	return &OpError{Op: op, Key: key, Kind: ErrStoreOperationFailed, Err: err}
}

func (s *Service) invalidValue(op, key string, err error) error {
	zap.S().Errorw("invalid value", "op", op, "key", key, "error", err)
	return &OpError{Op: op, Key: key, Kind: ErrInvalidValue, Err: err}
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	metrics.RecordCacheOp(op, *errp, time.Since(start).Seconds())
}
