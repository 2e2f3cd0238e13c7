// Package lru is a size bounded least-recently-used map whose entries may
// also carry an expiry. It is not safe for concurrent use; see
// concurrent_lru for a locked, sharded variant.
package lru

import "fmt"

type entry[K comparable, V any] struct {
	key        K
	v          V
	expire     int64 // unix nano, 0 never expires
	prev, next *entry[K, V]
}

type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	// front is the oldest entry, back the most recently used.
	front, back *entry[K, V]
	m           map[K]*entry[K, V]
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*entry[K, V], maxSize),
	}
}

// Add inserts or replaces key. expire is a unix nano timestamp, 0 means the
// entry only leaves the LRU by eviction.
func (q *LRU[K, V]) Add(key K, v V, expire int64) {
	if e, ok := q.m[key]; ok {
		e.v, e.expire = v, expire
		q.moveToBack(e)
		return
	}

	if len(q.m) >= q.maxSize {
		// Recycle the oldest entry.
		e := q.front
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		delete(q.m, e.key)
		e.key, e.v, e.expire = key, v, expire
		q.m[key] = e
		q.moveToBack(e)
		return
	}

	e := &entry[K, V]{key: key, v: v, expire: expire}
	q.m[key] = e
	q.pushBack(e)
}

// Get returns the value of key if it exists and has not expired at now.
// An expired entry is removed.
func (q *LRU[K, V]) Get(key K, now int64) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return v, false
	}
	if e.expire != 0 && e.expire <= now {
		q.del(e)
		return v, false
	}
	q.moveToBack(e)
	return e.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e := q.m[key]; e != nil {
		q.del(e)
	}
}

// PopOldest removes and returns the least recently used entry.
func (q *LRU[K, V]) PopOldest() (key K, v V, ok bool) {
	e := q.front
	if e == nil {
		return
	}
	q.unlink(e)
	delete(q.m, e.key)
	return e.key, e.v, true
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V, expire int64) bool) (removed int) {
	for e := q.front; e != nil; {
		next := e.next
		if f(e.key, e.v, e.expire) {
			q.del(e)
			removed++
		}
		e = next
	}
	return removed
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) del(e *entry[K, V]) {
	q.unlink(e)
	delete(q.m, e.key)
	if q.onEvict != nil {
		q.onEvict(e.key, e.v)
	}
}

func (q *LRU[K, V]) pushBack(e *entry[K, V]) {
	e.prev, e.next = q.back, nil
	if q.back != nil {
		q.back.next = e
	} else {
		q.front = e
	}
	q.back = e
}

func (q *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.back = e.prev
	}
	e.prev, e.next = nil, nil
}

func (q *LRU[K, V]) moveToBack(e *entry[K, V]) {
	if q.back == e {
		return
	}
	q.unlink(e)
	q.pushBack(e)
}
