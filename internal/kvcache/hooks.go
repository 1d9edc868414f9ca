package kvcache

import (
	"context"
	"errors"
	"net"

	"kv-cache-service/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Роли соединений, они же метки метрик.
const (
	roleOperational = "operational"
	rolePublisher   = "publisher"
	roleSubscriber  = "subscriber"
)

// observerHook логирует жизненный цикл соединения и ошибки команд для одной
// роли. Результат команды не меняет.
type observerHook struct {
	role string
}

var _ redis.Hook = observerHook{}

func (h observerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		metrics.RecordDial(h.role, err)
		if err != nil {
			zap.S().Errorw("store connection error", "connection", h.role, "addr", addr, "error", err)
			return nil, err
		}
		zap.S().Debugw("store connection established TCP connection", "connection", h.role, "addr", addr)
		return conn, nil
	}
}

func (h observerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.record(cmd.Name(), err)
		return err
	}
}

func (h observerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		for _, cmd := range cmds {
			h.record(cmd.Name(), cmd.Err())
		}
		return err
	}
}

func (h observerHook) record(name string, err error) {
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.RecordStoreCommand(h.role, name, err)
	if err != nil {
		zap.S().Errorw("store command error", "connection", h.role, "command", name, "error", err)
	}
}

// onReady ставится в redis.Options.OnConnect и вызывается, когда новое
// соединение прошло аутентификацию и готово принимать команды.
func onReady(role string) func(ctx context.Context, cn *redis.Conn) error {
	return func(ctx context.Context, cn *redis.Conn) error {
		zap.S().Infow("store connection is ready", "connection", role)
		return nil
	}
}
