// Package nearcache хранит недавно прочитанные закодированные значения в
// памяти процесса перед общим key-value хранилищем.
//
// Чтение из хранилища и последующее заполнение кэша не атомарны: между ними
// ключ может быть изменён или удалён. Поэтому каждая запись и инвалидация
// увеличивает поколение ключа, а Fill кладёт значение только если поколение
// не изменилось с момента, когда читатель вызвал Generation.
package nearcache

import (
	"fmt"
	"sync"
	"time"

	"kv-cache-service/internal/config"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
)

// generationSlots задаёт число счётчиков поколений. Ключи с общим слотом лишь
// чаще пропускают заполнение, корректность от этого не страдает.
const generationSlots = 1024

type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	mu   sync.Mutex
	gens [generationSlots]uint64
}

func New(cfg config.NearCache) (*Cache, error) {
	maxCostBytes, err := cfg.MaxCostBytes()
	if err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     int64(maxCostBytes),
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create near cache: %w", err)
	}
	return &Cache{cache: cache, ttl: cfg.TTL}, nil
}

func (c *Cache) Get(key string) ([]byte, bool) {
	val, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	raw, ok := val.([]byte)
	return raw, ok
}

// Generation возвращает текущее поколение key. Его нужно получить до чтения
// из хранилища и передать в Fill.
func (c *Cache) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[slot(key)]
}

// Set сохраняет raw, записанное этим процессом, на меньший из TTL кэша и
// storeTTL (0 означает, что хранилище держит ключ бессрочно). Запись видна
// Get сразу после возврата, если её не отбросила admission-политика ristretto.
func (c *Cache) Set(key string, raw []byte, storeTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[slot(key)]++
	c.store(key, raw, storeTTL)
}

// Fill сохраняет прочитанное из хранилища значение, только если с момента
// вызова Generation ключ не менялся. Возвращает false, если заполнение пропущено.
func (c *Cache) Fill(key string, raw []byte, storeTTL time.Duration, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[slot(key)] != gen {
		return false
	}
	c.store(key, raw, storeTTL)
	return true
}

func (c *Cache) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.gens[slot(key)]++
		c.cache.Del(key)
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.gens {
		c.gens[i]++
	}
	c.cache.Clear()
}

// Close освобождает goroutine'ы ristretto. После него вызовы ведут себя как промахи.
func (c *Cache) Close() error {
	c.cache.Close()
	return nil
}

func (c *Cache) store(key string, raw []byte, storeTTL time.Duration) {
	ttl := c.ttl
	if storeTTL > 0 && storeTTL < ttl {
		ttl = storeTTL
	}
	c.cache.SetWithTTL(key, raw, int64(len(raw)), ttl)
	c.cache.Wait()
}

func slot(key string) uint64 {
	return z.MemHashString(key) % generationSlots
}
