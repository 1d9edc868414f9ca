package kvcache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Lookup хранит результат пакетного чтения для одного ключа.
type Lookup[T any] struct {
	Key   string
	Value T
	Found bool
}

// GetAs читает key и декодирует значение в T.
//
// Возвращает:
//   - нулевое T и found=false, если ключа нет;
//   - ErrStoreOperationFailed, если данные не декодируются в T.
func GetAs[T any](ctx context.Context, s *Service, key string) (value T, found bool, err error) {
	defer s.observe("get", time.Now(), &err)
	if err = s.checkOpen("get", key); err != nil {
		return value, false, err
	}

	raw, found, err := s.getRaw(ctx, key)
	if err != nil {
		return value, false, s.storeErr("get", key, err)
	}
	zap.S().Debugw("fetched key", "key", key, "found", found)
	if !found {
		return value, false, nil
	}

	if err = s.codec.Unmarshal(raw, &value); err != nil {
		var zero T
		return zero, false, s.storeErr("get", key, err)
	}
	return value, true, nil
}

// GetRequiredAs работает как GetAs для обязательных ключей: отсутствие ключа даёт ErrNotFound.
func GetRequiredAs[T any](ctx context.Context, s *Service, key string) (T, error) {
	value, found, err := GetAs[T](ctx, s, key)
	if err != nil {
		return value, err
	}
	if !found {
		return value, &OpError{Op: "get", Key: key, Kind: ErrNotFound}
	}
	return value, nil
}

// MGetAs читает keys за один запрос к хранилищу. Результат содержит по одному
// Lookup на каждый входной ключ в том же порядке; у отсутствующих Found=false.
func MGetAs[T any](ctx context.Context, s *Service, keys []string) (results []Lookup[T], err error) {
	defer s.observe("mget", time.Now(), &err)
	if err = s.checkOpen("mget", ""); err != nil {
		return nil, err
	}

	results = make([]Lookup[T], len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	raws, err := s.mgetRaw(ctx, keys)
	if err != nil {
		zap.S().Errorw("failed to mget keys", "count", len(keys), "error", err)
		return nil, &OpError{Op: "mget", Kind: ErrStoreOperationFailed, Err: err}
	}

	hits := 0
	for i, key := range keys {
		results[i].Key = key
		if raws[i] == nil {
			continue
		}
		if err = s.codec.Unmarshal(raws[i], &results[i].Value); err != nil {
			return nil, s.storeErr("mget", key, err)
		}
		results[i].Found = true
		hits++
	}

	zap.S().Debugw("fetched keys", "count", len(keys), "found", hits)
	return results, nil
}
