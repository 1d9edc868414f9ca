package kvcache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// invalidation публикуется в канал инвалидации после каждой записи, чтобы
// остальные экземпляры удалили ключи из своих локальных кэшей.
type invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys"`
}

// invalidate сообщает остальным экземплярам об изменении keys. Ошибка лишь
// оставляет их копии устаревшими до истечения TTL, поэтому только логируется.
func (s *Service) invalidate(ctx context.Context, keys ...string) {
	payload, err := json.Marshal(invalidation{Origin: s.instanceID, Keys: keys})
	if err != nil {
		zap.S().Errorw("failed to encode invalidation", "keys", keys, "error", err)
		return
	}
	if err = s.publisher.Publish(ctx, s.invalidationChannel, payload).Err(); err != nil {
		zap.S().Warnw("failed to publish invalidation", "channel", s.invalidationChannel, "count", len(keys), "error", err)
	}
}

// listenInvalidations подписывает onInvalidation на канал инвалидации один
// раз за время жизни сервиса, сколько бы раз ни вызывался Connect.
func (s *Service) listenInvalidations(ctx context.Context) error {
	s.invalidationMu.Lock()
	defer s.invalidationMu.Unlock()
	if s.invalidationID != 0 {
		return nil
	}
	id, err := s.Subscribe(ctx, s.invalidationChannel, s.onInvalidation)
	if err != nil {
		return err
	}
	s.invalidationID = id
	return nil
}

func (s *Service) onInvalidation(message string) error {
	var msg invalidation
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return fmt.Errorf("decode invalidation: %w", err)
	}
	if msg.Origin == s.instanceID {
		return nil
	}
	s.near.Delete(msg.Keys...)
	zap.S().Debugw("invalidated near cache entries", "origin", msg.Origin, "count", len(msg.Keys))
	return nil
}
