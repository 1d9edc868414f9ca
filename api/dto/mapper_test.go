package dto

import (
	"encoding/json"
	"testing"
	"time"

	"kv-cache-service/internal/kvcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTTL(t *testing.T) {
	ttl, err := ParseTTL("")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	ttl, err = ParseTTL("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, ttl)

	for _, bad := range []string{"-1", "1.5", "soon", "99999999999999999999"} {
		_, err = ParseTTL(bad)
		assert.ErrorIs(t, err, ErrInvalidTTL, bad)
	}
}

func TestMapPairs(t *testing.T) {
	pairs, err := MapPairs([]CacheEntry{
		{Key: "user:1", Value: json.RawMessage(`"Alice"`)},
		{Key: "user:2", Value: json.RawMessage(`{"age":7}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []kvcache.Pair{
		{Key: "user:1", Value: json.RawMessage(`"Alice"`)},
		{Key: "user:2", Value: json.RawMessage(`{"age":7}`)},
	}, pairs)

	_, err = MapPairs([]CacheEntry{{Key: "", Value: json.RawMessage(`1`)}})
	assert.ErrorContains(t, err, "entries[0]: key must not be empty")

	_, err = MapPairs([]CacheEntry{{Key: "k"}})
	assert.ErrorContains(t, err, "value is required")
}

func TestMapHits(t *testing.T) {
	hits := MapHits([]kvcache.Lookup[any]{
		{Key: "a", Value: "x", Found: true},
		{Key: "b"},
	})
	assert.Equal(t, []CacheEntryHit{
		{Key: "a", Value: "x", Found: true},
		{Key: "b"},
	}, hits)

	raw, err := json.Marshal(hits)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"key":"a","value":"x","found":true},{"key":"b","found":false}]`, string(raw))
}
