package dto

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"kv-cache-service/internal/kvcache"
)

var ErrInvalidTTL = errors.New("ttl must be a non-negative number of seconds")

// ParseTTL reads a TTL given in whole seconds. An empty string means no expiry.
func ParseTTL(seconds string) (time.Duration, error) {
	if seconds == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, seconds)
	}
	return TTLFromSeconds(n)
}

func TTLFromSeconds(n int64) (time.Duration, error) {
	if n < 0 || n > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTTL, n)
	}
	return time.Duration(n) * time.Second, nil
}

// MapPairs converts API entries into service pairs. Empty keys are rejected.
func MapPairs(entries []CacheEntry) ([]kvcache.Pair, error) {
	pairs := make([]kvcache.Pair, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("entries[%d]: key must not be empty", i)
		}
		if len(e.Value) == 0 {
			return nil, fmt.Errorf("entries[%d]: value is required", i)
		}
		pairs[i] = kvcache.Pair{Key: e.Key, Value: e.Value}
	}
	return pairs, nil
}

func MapHits(lookups []kvcache.Lookup[any]) []CacheEntryHit {
	hits := make([]CacheEntryHit, len(lookups))
	for i, l := range lookups {
		hits[i] = CacheEntryHit{Key: l.Key, Value: l.Value, Found: l.Found}
	}
	return hits
}
