package kvcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"kv-cache-service/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler получает содержимое сообщения из подписанного канала. Ошибка или
// паника логируется и не мешает доставке остальным обработчикам канала.
type Handler func(message string) error

// HandlerID идентифицирует одну регистрацию, сделанную Subscribe.
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
}

// subscriptionTable хранит соответствие каналов и их обработчиков и держит
// подписочное соединение подписанным ровно на каналы из таблицы.
//
// Блокировки:
//   - opMu сериализует Subscribe/Unsubscribe, чтобы изменение таблицы и
//     соответствующая команда хранилища наблюдались вместе;
//   - mu защищает саму map и никогда не удерживается на время обращения к хранилищу;
//   - ackMu защищает ожидающих подтверждения SUBSCRIBE.
//
// Сообщения читает один goroutine (receive), а обработчики вызывает другой
// (deliver). Поэтому обработчик может вызывать Subscribe/Unsubscribe: пока он
// ждёт opMu, подтверждения подписок продолжают доходить до ожидающих.
type subscriptionTable struct {
	client     *redis.Client
	retry      RetryPolicy
	ackTimeout time.Duration

	opMu     sync.Mutex
	pubsub   *redis.PubSub
	loopStop context.CancelFunc
	loopDone chan struct{}
	nextID   HandlerID
	closed   bool

	mu       sync.RWMutex
	channels map[string][]registration

	ackMu sync.Mutex
	acks  map[string]chan struct{}
}

func newSubscriptionTable(client *redis.Client, retry RetryPolicy, ackTimeout time.Duration) *subscriptionTable {
	return &subscriptionTable{
		client:     client,
		retry:      retry,
		ackTimeout: ackTimeout,
		channels:   make(map[string][]registration),
		acks:       make(map[string]chan struct{}),
	}
}

// Publish отправляет message в channel через соединение публикации.
// Хранилище не подтверждает доставку подписчикам.
func (s *Service) Publish(ctx context.Context, channel, message string) (err error) {
	defer s.observe("publish", time.Now(), &err)
	if err = s.checkOpen("publish", channel); err != nil {
		return err
	}

	if err = s.publisher.Publish(ctx, channel, message).Err(); err != nil {
		return s.storeErr("publish", channel, err)
	}
	zap.S().Infow("published message", "channel", channel, "size", len(message))
	return nil
}

// Subscribe регистрирует handler на channel.
//
// Особенности:
//   - первая регистрация на канале подписывает соединение и возвращается
//     только после подтверждения от хранилища;
//   - последующие лишь добавляются в список обработчиков канала;
//   - обработчики вызываются последовательно в порядке регистрации.
func (s *Service) Subscribe(ctx context.Context, channel string, handler Handler) (id HandlerID, err error) {
	defer s.observe("subscribe", time.Now(), &err)
	if err = s.checkOpen("subscribe", channel); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, s.invalidValue("subscribe", channel, errors.New("handler must not be nil"))
	}

	id, err = s.subscriptions.add(ctx, channel, handler)
	if err != nil {
		return 0, s.storeErr("subscribe", channel, err)
	}
	return id, nil
}

// Unsubscribe удаляет указанные обработчики из channel. Когда обработчиков не
// остаётся, канал удаляется из таблицы и подписка в хранилище отменяется.
//
// Без ids отменяет только канал без обработчиков; зарегистрированные
// обработчики не удаляет.
func (s *Service) Unsubscribe(ctx context.Context, channel string, ids ...HandlerID) (err error) {
	defer s.observe("unsubscribe", time.Now(), &err)
	if err = s.checkOpen("unsubscribe", channel); err != nil {
		return err
	}

	if err = s.subscriptions.remove(ctx, channel, ids); err != nil {
		return s.storeErr("unsubscribe", channel, err)
	}
	return nil
}

// Channels возвращает отсортированный список каналов с обработчиками.
func (s *Service) Channels() []string {
	return s.subscriptions.list()
}

// HandlerCount возвращает число обработчиков на channel.
func (s *Service) HandlerCount(channel string) int {
	return s.subscriptions.count(channel)
}

func (t *subscriptionTable) add(ctx context.Context, channel string, handler Handler) (HandlerID, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	if t.count(channel) == 0 {
		if err := t.subscribe(ctx, channel); err != nil {
			return 0, err
		}
		zap.S().Infow("subscribed to channel", "channel", channel)
	}

	t.nextID++
	id := t.nextID

	t.mu.Lock()
	t.channels[channel] = append(t.channels[channel], registration{id: id, handler: handler})
	metrics.PubSubChannels.Set(float64(len(t.channels)))
	t.mu.Unlock()
	return id, nil
}

func (t *subscriptionTable) remove(ctx context.Context, channel string, ids []HandlerID) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	current := t.channels[channel]
	t.mu.RUnlock()

	remaining := current
	if len(ids) > 0 {
		// Новый slice: deliver может ещё итерироваться по current.
		remaining = slices.DeleteFunc(slices.Clone(current), func(r registration) bool {
			return slices.Contains(ids, r.id)
		})
		zap.S().Debugw("removed handlers from channel", "channel", channel, "removed", len(current)-len(remaining))
	}

	if len(remaining) > 0 {
		t.mu.Lock()
		t.channels[channel] = remaining
		t.mu.Unlock()
		return nil
	}

	// go-redis забывает канал до записи UNSUBSCRIBE, поэтому запись удаляется
	// и при ошибке: после переподключения соединение на канал уже не подписано.
	var err error
	if t.pubsub != nil {
		err = t.pubsub.Unsubscribe(ctx, channel)
	}

	t.mu.Lock()
	delete(t.channels, channel)
	metrics.PubSubChannels.Set(float64(len(t.channels)))
	t.mu.Unlock()

	if err != nil {
		return err
	}
	zap.S().Infow("unsubscribed from channel", "channel", channel)
	return nil
}

// subscribe отправляет SUBSCRIBE и ждёт подтверждения, которое доставляет
// receive. При ошибке подписка в хранилище откатывается.
func (t *subscriptionTable) subscribe(ctx context.Context, channel string) error {
	t.startLoop()

	ack := make(chan struct{})
	t.ackMu.Lock()
	t.acks[channel] = ack
	t.ackMu.Unlock()
	defer func() {
		t.ackMu.Lock()
		delete(t.acks, channel)
		t.ackMu.Unlock()
	}()

	// go-redis запоминает канал даже если SUBSCRIBE не удалось записать и
	// подписался бы на него снова после переподключения.
	rollback := func() {
		_ = t.pubsub.Unsubscribe(context.WithoutCancel(ctx), channel)
	}

	if err := t.pubsub.Subscribe(ctx, channel); err != nil {
		rollback()
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()
	select {
	case <-ack:
		return nil
	case <-waitCtx.Done():
		rollback()
		return fmt.Errorf("waiting for subscription confirmation: %w", waitCtx.Err())
	}
}

func (t *subscriptionTable) confirm(channel string) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	if ack, ok := t.acks[channel]; ok {
		close(ack)
		delete(t.acks, channel)
	}
}

// startLoop лениво открывает подписочную сессию; вызывающий держит opMu.
func (t *subscriptionTable) startLoop() {
	if t.pubsub != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := t.client.Subscribe(ctx)
	t.pubsub = ps
	t.loopStop = cancel
	t.loopDone = make(chan struct{})

	box := newMailbox()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.receive(ctx, ps, box)
	}()
	go func() {
		defer wg.Done()
		t.deliver(ctx, box)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(t.loopDone)
}

// receive читает подписочное соединение: подтверждения обрабатывает сам,
// сообщения кладёт в box и никогда не ждёт обработчиков.
func (t *subscriptionTable) receive(ctx context.Context, ps *redis.PubSub, box *mailbox) {
	attempt := 0
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// go-redis переподключается и переподписывается при следующем Receive.
			attempt++
			delay := t.retry.Backoff(attempt)
			zap.S().Warnw("subscriber receive failed", "attempt", attempt, "retryIn", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				t.confirm(m.Channel)
			}
		case *redis.Message:
			box.push(m)
		}
	}
}

// deliver вызывает обработчики в порядке поступления сообщений.
func (t *subscriptionTable) deliver(ctx context.Context, box *mailbox) {
	for {
		batch := box.take()
		if len(batch) == 0 {
			select {
			case <-box.ready:
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, m := range batch {
			if ctx.Err() != nil {
				return
			}
			t.dispatch(m.Channel, m.Payload)
		}
	}
}

func (t *subscriptionTable) dispatch(channel, payload string) {
	metrics.PubSubMessages.Inc()

	t.mu.RLock()
	regs := t.channels[channel]
	t.mu.RUnlock()

	for _, r := range regs {
		invoke(channel, r, payload)
	}
	zap.S().Debugw("received message", "channel", channel, "handlers", len(regs))
}

// mailbox хранит неограниченную очередь сообщений между receive и deliver.
// Медленный обработчик не должен задерживать чтение подтверждений.
type mailbox struct {
	mu    sync.Mutex
	items []*redis.Message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) push(m *redis.Message) {
	b.mu.Lock()
	b.items = append(b.items, m)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []*redis.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func invoke(channel string, r registration, payload string) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PubSubHandlerFailures.Inc()
			zap.S().Errorw("pubsub handler panicked", "channel", channel, "handler", r.id, "panic", rec)
		}
	}()
	if err := r.handler(payload); err != nil {
		metrics.PubSubHandlerFailures.Inc()
		zap.S().Errorw("pubsub handler failed", "channel", channel, "handler", r.id, "error", err)
	}
}

func (t *subscriptionTable) count(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}

func (t *subscriptionTable) list() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.channels))
	for ch := range t.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// close останавливает чтение и доставку и удаляет все регистрации.
// opMu отпускается до ожидания loopDone: обработчик, который сейчас ждёт
// opMu внутри Unsubscribe, должен суметь завершиться.
func (t *subscriptionTable) close(ctx context.Context) error {
	t.opMu.Lock()
	t.closed = true
	ps, stop, done := t.pubsub, t.loopStop, t.loopDone
	t.pubsub, t.loopStop, t.loopDone = nil, nil, nil
	t.mu.Lock()
	clear(t.channels)
	metrics.PubSubChannels.Set(0)
	t.mu.Unlock()
	t.opMu.Unlock()

	if ps == nil {
		return nil
	}
	stop()
	var err error
	if cerr := ps.Close(); cerr != nil && !errors.Is(cerr, redis.ErrClosed) {
		err = cerr
	}
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}
