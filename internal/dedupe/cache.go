package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key     K
	touched time.Time
}

// Cache is a thread-safe, TTL-bounded, size-bounded set of seen keys.
// Insertion order is kept in a list so eviction of the oldest key is O(1).
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	c := &Cache[K]{
		seen:    make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it had already been seen.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen, evicting the oldest key when full.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) liveLocked(key K) bool {
	el, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K]).touched) < c.ttl
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()
	if el, ok := c.seen[key]; ok {
		el.Value.(*entry[K]).touched = now
		c.order.MoveToBack(el)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(*entry[K]).key)
		}
	}
	c.seen[key] = c.order.PushBack(&entry[K]{key: key, touched: now})
}

func (c *Cache[K]) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. The list is ordered by touch time, so it stops
// at the first live entry.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry[K])
		if now.Sub(e.touched) < c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.seen, e.key)
		el = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
