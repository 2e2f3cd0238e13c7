package mem_cache

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func Test_memCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()
	for i := 0; i < 128; i++ {
		key := strconv.Itoa(i)
		c.Store(ctx, key, []byte{byte(i)}, time.Minute)
		v, ok := c.Get(ctx, key)
		if !ok || v[0] != byte(i) {
			t.Fatal("cache kv mismatched")
		}
	}

	for i := 0; i < 1024*4; i++ {
		c.Store(ctx, strconv.Itoa(i), []byte{}, time.Minute)
	}
	if c.Len() > 2048 {
		t.Fatal("cache overflow")
	}
}

func Test_memCache_ownsValue(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(16, -1)
	defer c.Close()

	b := []byte("AS13335")
	c.Store(ctx, "k", b, time.Minute)
	b[0] = 'x'
	v, _ := c.Get(ctx, "k")
	if string(v) != "AS13335" {
		t.Fatalf("stored value changed with caller buffer: %q", v)
	}
}

func Test_memCache_cleaner(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, time.Millisecond*10)
	defer c.Close()
	for i := 0; i < 64; i++ {
		c.Store(ctx, strconv.Itoa(i), make([]byte, 0), time.Millisecond)
	}

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatalf("%d expired entries left", c.Len())
	}
}

func Test_memCache_closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(16, -1)
	c.Close()
	c.Store(ctx, "k", []byte{1}, time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("closed cache returned a value")
	}
}

func Test_memCache_race(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := strconv.Itoa(i)
				c.Store(ctx, key, []byte{}, time.Minute)
				_, _ = c.Get(ctx, key)
				c.lru.RemoveExpired(time.Now().UnixNano())
			}
		}()
	}
	wg.Wait()
}
