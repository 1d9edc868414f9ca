package kvcache

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"kv-cache-service/internal/config"
	"kv-cache-service/internal/nearcache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInvalidationChannel = "kvcache:invalidate"

func newNearCache(t *testing.T) *nearcache.Cache {
	nc, err := nearcache.New(config.NearCache{
		Enabled:     true,
		NumCounters: 1000,
		BufferItems: 64,
		MaxCost:     "1MB",
		TTL:         time.Minute,
	})
	require.NoError(t, err)
	return nc
}

func connectWithNearCache(t *testing.T, srv *miniredis.Miniredis, id string) (*Service, *nearcache.Cache) {
	nc := newNearCache(t)
	s := New(testOptions(srv), WithNearCache(nc, testInvalidationChannel), WithInstanceID(id))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s, nc
}

func TestNearCache_ServesReadsLocally(t *testing.T) {
	srv := miniredis.RunT(t)
	s, nc := connectWithNearCache(t, srv, "a")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user:1", "Alice", 0))
	raw, ok := nc.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, `"Alice"`, string(raw))

	// A change behind the service's back is not visible until the entry goes.
	require.NoError(t, srv.Set("user:1", `"Mallory"`))
	got, _, err := s.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got)

	require.NoError(t, s.Delete(ctx, "user:1"))
	_, found, err := s.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNearCache_FillsFromStoreWithTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	s, nc := connectWithNearCache(t, srv, "a")
	ctx := context.Background()

	require.NoError(t, srv.Set("user:2", `"Bob"`))
	results, err := s.MGet(ctx, []string{"user:2", "user:404"})
	require.NoError(t, err)
	assert.True(t, results[0].Found)
	assert.False(t, results[1].Found)

	require.NoError(t, srv.Set("user:3", `"Carol"`))
	srv.SetTTL("user:3", 5*time.Second)
	_, found, err := s.Get(ctx, "user:3")
	require.NoError(t, err)
	assert.True(t, found)
	_, ok := nc.Get("user:3")
	assert.True(t, ok)
}

func TestNearCache_InvalidatesPeers(t *testing.T) {
	srv := miniredis.RunT(t)
	writer, _ := connectWithNearCache(t, srv, "writer")
	reader, readerNear := connectWithNearCache(t, srv, "reader")
	ctx := context.Background()

	require.NoError(t, writer.Set(ctx, "config", "v1", 0))
	got, found, err := reader.Get(ctx, "config")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", got)
	_, cached := readerNear.Get("config")
	require.True(t, cached)

	require.NoError(t, writer.Set(ctx, "config", "v2", 0))
	assert.Eventually(t, func() bool {
		got, _, err := reader.Get(ctx, "config")
		return err == nil && got == "v2"
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, writer.Delete(ctx, "config"))
	assert.Eventually(t, func() bool {
		_, found, err := reader.Get(ctx, "config")
		return err == nil && !found
	}, waitFor, 10*time.Millisecond)
}

func TestNearCache_IgnoresOwnInvalidations(t *testing.T) {
	srv := miniredis.RunT(t)
	s, nc := connectWithNearCache(t, srv, "self")

	nc.Set("k", []byte(`1`), 0)
	require.NoError(t, s.onInvalidation(`{"origin":"self","keys":["k"]}`))
	_, ok := nc.Get("k")
	assert.True(t, ok)

	require.NoError(t, s.onInvalidation(`{"origin":"peer","keys":["k"]}`))
	_, ok = nc.Get("k")
	assert.False(t, ok)

	assert.Error(t, s.onInvalidation(`not json`))
}

// afterGetHook runs after once, right after the next pipelined GET got its
// reply and before the service looks at it.
type afterGetHook struct {
	armed atomic.Bool
	after func()
}

func (h *afterGetHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *afterGetHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *afterGetHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if len(cmds) > 0 && cmds[0].Name() == "get" && h.armed.CompareAndSwap(true, false) {
			h.after()
		}
		return err
	}
}

func TestNearCache_WriteDuringReadIsNotOverwritten(t *testing.T) {
	tests := []struct {
		name      string
		write     func(ctx context.Context, s *Service, srv *miniredis.Miniredis) error
		want      any
		wantFound bool
	}{
		{
			name: "local delete",
			write: func(ctx context.Context, s *Service, _ *miniredis.Miniredis) error {
				return s.Delete(ctx, "k")
			},
		},
		{
			name: "local overwrite",
			write: func(ctx context.Context, s *Service, _ *miniredis.Miniredis) error {
				return s.Set(ctx, "k", "v2", 0)
			},
			want:      "v2",
			wantFound: true,
		},
		{
			name: "peer invalidation",
			write: func(_ context.Context, s *Service, srv *miniredis.Miniredis) error {
				if err := srv.Set("k", `"v3"`); err != nil {
					return err
				}
				return s.onInvalidation(`{"origin":"peer","keys":["k"]}`)
			},
			want:      "v3",
			wantFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := miniredis.RunT(t)
			s, nc := connectWithNearCache(t, srv, "a")
			ctx := context.Background()
			require.NoError(t, srv.Set("k", `"v1"`))

			hook := &afterGetHook{after: func() { require.NoError(t, tt.write(ctx, s, srv)) }}
			hook.armed.Store(true)
			s.client.AddHook(hook)

			// The read itself was answered before the write.
			got, found, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "v1", got)
			assert.False(t, hook.armed.Load())

			if raw, ok := nc.Get("k"); ok {
				assert.NotEqual(t, `"v1"`, string(raw))
			}
			got, found, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNearCache_ConnectTwiceSubscribesOnce(t *testing.T) {
	srv := miniredis.RunT(t)
	s, _ := connectWithNearCache(t, srv, "a")

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, s.HandlerCount(testInvalidationChannel))
	assert.Equal(t, 1, numSub(srv, testInvalidationChannel))
}
