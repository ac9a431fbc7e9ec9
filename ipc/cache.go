package ipc

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CachePolicy decides what Put does when the cache is full
type CachePolicy int

const (
	// PolicyReject fails Put with ErrCapacityExceeded
	PolicyReject CachePolicy = iota
	// PolicyEvictOldest removes the oldest entry; its future resolves with ErrEvicted
	PolicyEvictOldest
	// PolicyBlock waits for space until the Put context is done
	PolicyBlock
)

func (p CachePolicy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyEvictOldest:
		return "evict-oldest"
	case PolicyBlock:
		return "block"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseCachePolicy parses "reject", "evict-oldest" or "block"
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "evict-oldest", "evict_oldest", "evict":
		return PolicyEvictOldest, nil
	case "block":
		return PolicyBlock, nil
	default:
		return 0, newError(KindArgument, fmt.Sprintf("unknown cache policy %q", s))
	}
}

// DefaultCacheCapacity bounds in-flight streamed messages per Sender
const DefaultCacheCapacity = 64

// CacheEntry is a snapshot of an in-flight streamed message
type CacheEntry struct {
	ID        uint64
	Payload   []byte
	Remaining int
	Future    *Future
}

type cacheEntry struct {
	payload   []byte
	remaining int
	future    *Future
}

// ResourceCache tracks in-flight streamed messages keyed by resource id.
// One entry serves every target of a message and is removed once the
// last target acknowledges.
type ResourceCache struct {
	capacity int
	policy   CachePolicy

	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*cacheEntry
	order   []uint64      // insertion order, oldest first
	space   chan struct{} // closed and replaced whenever an entry leaves
	onEvict func(id uint64)
}

// NewResourceCache creates a cache holding at most capacity entries
func NewResourceCache(capacity int, policy CachePolicy) *ResourceCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ResourceCache{
		capacity: capacity,
		policy:   policy,
		entries:  make(map[uint64]*cacheEntry),
		space:    make(chan struct{}),
	}
}

// Capacity returns the configured maximum number of entries
func (c *ResourceCache) Capacity() int { return c.capacity }

// OnEvict registers fn to run, outside the cache lock, after an entry is
// evicted to make room under PolicyEvictOldest
func (c *ResourceCache) OnEvict(fn func(id uint64)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Policy returns the configured full-cache policy
func (c *ResourceCache) Policy() CachePolicy { return c.policy }

// Put stores payload for targetCount targets and returns its fresh id and completion future
func (c *ResourceCache) Put(ctx context.Context, payload []byte, targetCount int) (uint64, *Future, error) {
	if targetCount <= 0 {
		return 0, nil, newError(KindArgument, "target count must be positive")
	}

	for {
		c.mu.Lock()
		if len(c.entries) < c.capacity {
			id, fut := c.insertLocked(payload, targetCount)
			c.mu.Unlock()
			return id, fut, nil
		}

		switch c.policy {
		case PolicyEvictOldest:
			oldest := c.order[0]
			evicted := c.entries[oldest]
			c.removeLocked(oldest)
			id, fut := c.insertLocked(payload, targetCount)
			onEvict := c.onEvict
			c.mu.Unlock()
			evicted.future.resolve(false, newError(KindEvicted, fmt.Sprintf("resource %d", oldest)))
			if onEvict != nil {
				onEvict(oldest)
			}
			return id, fut, nil

		case PolicyBlock:
			space := c.space
			c.mu.Unlock()
			select {
			case <-space:
				continue
			case <-ctx.Done():
				return 0, nil, wrapError(KindCapacityExceeded, fmt.Sprintf("waited for space in cache of %d", c.capacity), ctx.Err())
			}

		default:
			c.mu.Unlock()
			return 0, nil, newError(KindCapacityExceeded, fmt.Sprintf("%d entries in flight", c.capacity))
		}
	}
}

func (c *ResourceCache) insertLocked(payload []byte, targetCount int) (uint64, *Future) {
	c.nextID++
	id := c.nextID
	fut := newFuture()
	c.entries[id] = &cacheEntry{payload: payload, remaining: targetCount, future: fut}
	c.order = append(c.order, id)
	return id, fut
}

func (c *ResourceCache) removeLocked(id uint64) bool {
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	close(c.space)
	c.space = make(chan struct{})
	return true
}

// Get returns a snapshot of the entry, or ErrNotFound
func (c *ResourceCache) Get(id uint64) (CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return CacheEntry{}, newError(KindNotFound, fmt.Sprintf("resource %d", id))
	}
	return CacheEntry{ID: id, Payload: e.payload, Remaining: e.remaining, Future: e.future}, nil
}

// Acknowledge records one target's acknowledgment. When the last target
// acknowledges, the entry is removed and its future resolves to true.
func (c *ResourceCache) Acknowledge(id uint64) (int, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return 0, newError(KindNotFound, fmt.Sprintf("resource %d", id))
	}
	e.remaining--
	remaining := e.remaining
	if remaining == 0 {
		c.removeLocked(id)
	}
	c.mu.Unlock()

	if remaining == 0 {
		e.future.resolve(true, nil)
	}
	return remaining, nil
}

// Expire removes the entry and resolves its future with err.
// It reports false if the entry was already gone.
func (c *ResourceCache) Expire(id uint64, err error) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		c.removeLocked(id)
	}
	c.mu.Unlock()
	if ok {
		e.future.resolve(false, err)
	}
	return ok
}

func (c *ResourceCache) contains(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Remove drops the entry without resolving its future
func (c *ResourceCache) Remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

// Len returns the number of in-flight entries
func (c *ResourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear expires every entry with err
func (c *ResourceCache) Clear(err error) {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[uint64]*cacheEntry)
	c.order = nil
	close(c.space)
	c.space = make(chan struct{})
	c.mu.Unlock()

	for _, e := range entries {
		e.future.resolve(false, err)
	}
}
