// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	c.Set("k", "v", time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	c.Set("short", 42, 10*time.Millisecond)
	_, ok := c.Get("short")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok, "expired entry must not be served")
}

func TestMemoryCacheNoTTL(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	c.Set("forever", "v", 0)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("forever")
	assert.True(t, ok, "zero TTL means no expiry")
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().CurrentSize)
}

func TestMemoryCacheStats(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	c.Set("a", 1, time.Minute)
	c.Get("a")
	c.Get("a")
	c.Get("nope")

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, 1, st.CurrentSize)
}

func TestMemoryCacheJanitor(t *testing.T) {
	c := NewMemory(10 * time.Millisecond)
	defer c.(*memoryCache).Stop()

	c.Set("gone", 1, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Stats().CurrentSize == 0
	}, time.Second, 10*time.Millisecond, "janitor should evict expired entries")
	assert.Positive(t, c.Stats().Evictions)
}

func TestMemoryCacheConcurrent(t *testing.T) {
	c := NewMemory(0)
	defer c.(*memoryCache).Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", n, j%8)
				c.Set(key, j, time.Minute)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestJanitorStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewMemory(5 * time.Millisecond)
	c.Set("k", "v", time.Minute)
	time.Sleep(20 * time.Millisecond)
	c.(*memoryCache).Stop()
}

func TestNoOpCache(t *testing.T) {
	c := NewNoOp()
	c.Set("k", "v", time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, c.Stats())
}
