package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAcknowledgeCountsDown(t *testing.T) {
	cache := NewResourceCache(4, PolicyReject)

	id, fut, err := cache.Put(context.Background(), []byte("payload"), 3)
	require.NoError(t, err)

	for want := 2; want >= 0; want-- {
		assert.False(t, fut.IsDone())
		remaining, err := cache.Acknowledge(id)
		require.NoError(t, err)
		assert.Equal(t, want, remaining)
	}

	require.True(t, fut.IsDone())
	ok, err := fut.Result()
	assert.True(t, ok)
	assert.NoError(t, err)

	_, err = cache.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Acknowledge(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, cache.Len())
}

func TestCacheIdsAreFresh(t *testing.T) {
	cache := NewResourceCache(4, PolicyReject)
	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		id, _, err := cache.Put(context.Background(), []byte{byte(i)}, 1)
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
		_, err = cache.Acknowledge(id)
		require.NoError(t, err)
	}
}

func TestCachePutRejectsZeroTargets(t *testing.T) {
	cache := NewResourceCache(1, PolicyReject)
	_, _, err := cache.Put(context.Background(), []byte("x"), 0)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestCacheRejectWhenFull(t *testing.T) {
	cache := NewResourceCache(2, PolicyReject)
	for i := 0; i < 2; i++ {
		_, _, err := cache.Put(context.Background(), []byte("x"), 1)
		require.NoError(t, err)
	}

	_, _, err := cache.Put(context.Background(), []byte("x"), 1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, cache.Len())
}

func TestCacheEvictOldest(t *testing.T) {
	cache := NewResourceCache(2, PolicyEvictOldest)
	first, firstFut, err := cache.Put(context.Background(), []byte("a"), 1)
	require.NoError(t, err)
	second, _, err := cache.Put(context.Background(), []byte("b"), 1)
	require.NoError(t, err)

	third, _, err := cache.Put(context.Background(), []byte("c"), 1)
	require.NoError(t, err)

	require.True(t, firstFut.IsDone())
	ok, err := firstFut.Result()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEvicted)

	_, err = cache.Get(first)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Get(second)
	assert.NoError(t, err)
	_, err = cache.Get(third)
	assert.NoError(t, err)
}

func TestCacheBlockWaitsForSpace(t *testing.T) {
	cache := NewResourceCache(1, PolicyBlock)
	id, _, err := cache.Put(context.Background(), []byte("a"), 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := cache.Put(context.Background(), []byte("b"), 1)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Put should block while the cache is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = cache.Acknowledge(id)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Put did not resume after space freed")
	}
}

func TestCacheBlockHonorsContext(t *testing.T) {
	cache := NewResourceCache(1, PolicyBlock)
	_, _, err := cache.Put(context.Background(), []byte("a"), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = cache.Put(ctx, []byte("b"), 1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCacheExpire(t *testing.T) {
	cache := NewResourceCache(2, PolicyReject)
	id, fut, err := cache.Put(context.Background(), []byte("a"), 2)
	require.NoError(t, err)

	assert.True(t, cache.Expire(id, newError(KindTimeout, "test")))
	assert.False(t, cache.Expire(id, newError(KindTimeout, "test")))

	ok, err := fut.Result()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = cache.Acknowledge(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheRemoveLeavesFutureUnresolved(t *testing.T) {
	cache := NewResourceCache(2, PolicyReject)
	id, fut, err := cache.Put(context.Background(), []byte("payload"), 2)
	require.NoError(t, err)

	assert.True(t, cache.Remove(id))
	_, err = cache.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Acknowledge(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, fut.IsDone())
	assert.Zero(t, cache.Len())

	assert.False(t, cache.Remove(id))
	assert.False(t, cache.Expire(id, ErrTimeout))
	assert.False(t, fut.IsDone())
}

func TestCacheOnEvictReportsEvictedID(t *testing.T) {
	cache := NewResourceCache(1, PolicyEvictOldest)
	assert.Equal(t, 1, cache.Capacity())
	assert.Equal(t, PolicyEvictOldest, cache.Policy())

	var evicted []uint64
	cache.OnEvict(func(id uint64) { evicted = append(evicted, id) })

	first, _, err := cache.Put(context.Background(), []byte("a"), 1)
	require.NoError(t, err)
	second, _, err := cache.Put(context.Background(), []byte("b"), 1)
	require.NoError(t, err)
	_, err = cache.Acknowledge(second)
	require.NoError(t, err)
	_, _, err = cache.Put(context.Background(), []byte("c"), 1)
	require.NoError(t, err)

	assert.Equal(t, []uint64{first}, evicted)
}

func TestCacheDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCacheCapacity, NewResourceCache(0, PolicyReject).Capacity())
}

func TestCacheClearResolvesAll(t *testing.T) {
	cache := NewResourceCache(4, PolicyReject)
	var futures []*Future
	for i := 0; i < 3; i++ {
		_, fut, err := cache.Put(context.Background(), []byte("x"), 2)
		require.NoError(t, err)
		futures = append(futures, fut)
	}

	cache.Clear(newError(KindClosed, "test"))
	assert.Zero(t, cache.Len())
	for _, fut := range futures {
		_, err := fut.Result()
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestCacheConcurrentAcknowledgeCompletesOnce(t *testing.T) {
	const targets = 50
	cache := NewResourceCache(1, PolicyReject)
	id, fut, err := cache.Put(context.Background(), []byte("x"), targets)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		zeros int
	)
	for i := 0; i < targets; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := cache.Acknowledge(id)
			if err == nil && remaining == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, zeros)
	ok, err := fut.Wait(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Zero(t, cache.Len())
}

func TestParseCachePolicy(t *testing.T) {
	for in, want := range map[string]CachePolicy{
		"":             PolicyReject,
		"reject":       PolicyReject,
		"Evict-Oldest": PolicyEvictOldest,
		"block":        PolicyBlock,
	} {
		got, err := ParseCachePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCachePolicy("lru")
	assert.ErrorIs(t, err, ErrArgument)
}
