package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"kv-cache-service/internal/config"
	"kv-cache-service/internal/kvcache"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")

	nc, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func startService(t *testing.T) *kvcache.Service {
	t.Helper()
	srv := miniredis.RunT(t)
	svc := kvcache.New(kvcache.Options{Addr: srv.Addr(), PoolSize: 2, ConnectTimeout: time.Second, Timeout: time.Second})
	require.NoError(t, svc.Connect(context.Background()))
	t.Cleanup(func() { _ = svc.Disconnect(context.Background()) })
	return svc
}

func TestRelay_ForwardsChannelMessages(t *testing.T) {
	nc := startNATS(t)
	svc := startService(t)
	ctx := context.Background()

	consumer, err := nc.SubscribeSync("kvcache.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r := New(svc, nc, config.Relay{Enabled: true, Channels: []string{"orders", "users"}, SubjectPrefix: "kvcache."})
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, svc.HandlerCount("orders"))
	assert.Equal(t, 1, svc.HandlerCount("users"))

	require.NoError(t, svc.Publish(ctx, "orders", `{"id":1}`))
	msg, err := consumer.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kvcache.orders", msg.Subject)
	assert.Equal(t, `{"id":1}`, string(msg.Data))

	require.NoError(t, svc.Publish(ctx, "users", "u1"))
	msg, err = consumer.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kvcache.users", msg.Subject)
}

func TestRelay_SharesChannelWithOtherHandlers(t *testing.T) {
	nc := startNATS(t)
	svc := startService(t)
	ctx := context.Background()

	local := make(chan string, 1)
	_, err := svc.Subscribe(ctx, "orders", func(m string) error {
		local <- m
		return nil
	})
	require.NoError(t, err)

	r := New(svc, nc, config.Relay{Channels: []string{"orders"}, SubjectPrefix: "x."})
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 2, svc.HandlerCount("orders"))

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, 1, svc.HandlerCount("orders"))

	require.NoError(t, svc.Publish(ctx, "orders", "still delivered"))
	select {
	case m := <-local:
		assert.Equal(t, "still delivered", m)
	case <-time.After(2 * time.Second):
		t.Fatal("local handler did not receive the message")
	}
}

type failingSubscriber struct {
	failOn       string
	subscribed   []string
	unsubscribed []string
}

func (f *failingSubscriber) Subscribe(_ context.Context, channel string, _ kvcache.Handler) (kvcache.HandlerID, error) {
	if channel == f.failOn {
		return 0, errors.New("store unavailable")
	}
	f.subscribed = append(f.subscribed, channel)
	return kvcache.HandlerID(len(f.subscribed)), nil
}

func (f *failingSubscriber) Unsubscribe(_ context.Context, channel string, _ ...kvcache.HandlerID) error {
	f.unsubscribed = append(f.unsubscribed, channel)
	return nil
}

func TestRelay_StartRollsBack(t *testing.T) {
	nc := startNATS(t)
	sub := &failingSubscriber{failOn: "b"}

	r := New(sub, nc, config.Relay{Channels: []string{"a", "b"}, SubjectPrefix: "kvcache."})
	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "relay channel b")
	assert.Equal(t, []string{"a"}, sub.subscribed)
	assert.Equal(t, []string{"a"}, sub.unsubscribed)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "kvcache.orders", Subject("kvcache.", "orders"))
	assert.Equal(t, "orders", Subject("", "orders"))
}
