package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/bgpkit/monocle-sub001/pkg/lru"
)

// ShardedLRU spreads string keys over independently locked LRUs.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*shard[V]
	mask uint64
}

type shard[V any] struct {
	sync.Mutex
	lru *lru.LRU[string, V]
}

// NewShardedLRU panics if shardNum is not a power of 2.
func NewShardedLRU[V any](shardNum, maxSizePerShard int, onEvict func(key string, v V)) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}
	c := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*shard[V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range c.l {
		c.l[i] = &shard[V]{lru: lru.NewLRU[string, V](maxSizePerShard, onEvict)}
	}
	return c
}

func (c *ShardedLRU[V]) shard(key string) *shard[V] {
	return c.l[maphash.String(c.seed, key)&c.mask]
}

func (c *ShardedLRU[V]) Add(key string, v V, expire int64) {
	s := c.shard(key)
	s.Lock()
	s.lru.Add(key, v, expire)
	s.Unlock()
}

func (c *ShardedLRU[V]) Get(key string, now int64) (v V, ok bool) {
	s := c.shard(key)
	s.Lock()
	v, ok = s.lru.Get(key, now)
	s.Unlock()
	return
}

func (c *ShardedLRU[V]) Del(key string) {
	s := c.shard(key)
	s.Lock()
	s.lru.Del(key)
	s.Unlock()
}

// RemoveExpired drops every entry that expired at or before now.
func (c *ShardedLRU[V]) RemoveExpired(now int64) (removed int) {
	for _, s := range c.l {
		s.Lock()
		removed += s.lru.Clean(func(_ string, _ V, expire int64) bool {
			return expire != 0 && expire <= now
		})
		s.Unlock()
	}
	return removed
}

func (c *ShardedLRU[V]) Len() int {
	n := 0
	for _, s := range c.l {
		s.Lock()
		n += s.lru.Len()
		s.Unlock()
	}
	return n
}
