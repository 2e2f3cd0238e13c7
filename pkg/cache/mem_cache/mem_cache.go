package mem_cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bgpkit/monocle-sub001/pkg/concurrent_lru"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
)

// MemCache is an in-process cache.Backend.
type MemCache struct {
	closed           atomic.Bool
	closeCleanerChan chan struct{}
	lru              *concurrent_lru.ShardedLRU[[]byte]
}

// NewMemCache returns a MemCache holding about size entries. Expired entries
// are removed every cleanerInterval; a negative interval disables the
// cleaner and a zero one uses the default.
func NewMemCache(size int, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		lru:              concurrent_lru.NewShardedLRU[[]byte](shardSize, sizePerShard, nil),
	}
	if cleanerInterval == 0 {
		cleanerInterval = defaultCleanerInterval
	}
	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) ([]byte, bool) {
	if c.closed.Load() {
		return nil, false
	}
	return c.lru.Get(key, time.Now().UnixNano())
}

func (c *MemCache) Store(_ context.Context, key string, v []byte, ttl time.Duration) {
	if c.closed.Load() || ttl <= 0 {
		return
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	c.lru.Add(key, buf, time.Now().Add(ttl).UnixNano())
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCleanerChan:
			return
		case now := <-ticker.C:
			c.lru.RemoveExpired(now.UnixNano())
		}
	}
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
