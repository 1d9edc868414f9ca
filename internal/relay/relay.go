// Package relay пересылает сообщения из каналов хранилища в subject'ы NATS,
// чтобы потребители, работающие только с NATS, видели этот трафик.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kv-cache-service/internal/config"
	"kv-cache-service/internal/kvcache"
	"kv-cache-service/internal/metrics"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscriber описывает pub/sub-часть сервиса кэша.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler kvcache.Handler) (kvcache.HandlerID, error)
	Unsubscribe(ctx context.Context, channel string, ids ...kvcache.HandlerID) error
}

type Relay struct {
	sub      Subscriber
	nc       *nats.Conn
	prefix   string
	channels []string

	mu  sync.Mutex
	ids map[string]kvcache.HandlerID
}

// Connect открывает соединение с NATS с бесконечным переподключением и
// логированием смены состояния.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("kv-cache-service relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.S().Warnw("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.S().Infow("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			zap.S().Infow("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return nc, nil
}

func New(sub Subscriber, nc *nats.Conn, cfg config.Relay) *Relay {
	return &Relay{
		sub:      sub,
		nc:       nc,
		prefix:   cfg.SubjectPrefix,
		channels: cfg.Channels,
		ids:      make(map[string]kvcache.HandlerID),
	}
}

// Subject возвращает subject NATS, в который пересылаются сообщения channel.
func Subject(prefix, channel string) string {
	return prefix + channel
}

// Start подписывается на все настроенные каналы. Если одна подписка не
// удалась, уже сделанные отменяются.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		if _, ok := r.ids[ch]; ok {
			continue
		}
		id, err := r.sub.Subscribe(ctx, ch, r.forward(ch))
		if err != nil {
			_ = r.unsubscribeAll(ctx)
			return fmt.Errorf("relay channel %s: %w", ch, err)
		}
		r.ids[ch] = id
	}
	zap.S().Infow("relay started", "channels", r.channels, "subjectPrefix", r.prefix)
	return nil
}

func (r *Relay) forward(channel string) kvcache.Handler {
	subject := Subject(r.prefix, channel)
	return func(message string) error {
		err := r.nc.Publish(subject, []byte(message))
		metrics.RecordRelayForward(err)
		if err != nil {
			return fmt.Errorf("forward to %s: %w", subject, err)
		}
		return nil
	}
}

// Stop снимает обработчики relay и выполняет Drain соединения NATS.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.unsubscribeAll(ctx)
	if drainErr := r.nc.Drain(); drainErr != nil && !errors.Is(drainErr, nats.ErrConnectionClosed) {
		err = errors.Join(err, drainErr)
	}
	zap.S().Infow("relay stopped")
	return err
}

func (r *Relay) unsubscribeAll(ctx context.Context) error {
	var errs []error
	for ch, id := range r.ids {
		if err := r.sub.Unsubscribe(ctx, ch, id); err != nil {
			errs = append(errs, err)
		}
		delete(r.ids, ch)
	}
	return errors.Join(errs...)
}
