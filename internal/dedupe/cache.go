// ABOUTME: TTL window of recently handled transport event IDs.
// ABOUTME: Drops sync redeliveries so a message never starts or feeds a session twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers event IDs for a fixed window. Entries are kept in the order
// they were last seen, so expired ones are always at the front of the list.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize IDs for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether key was already recorded inside the window, and
// records it if not. Check and record happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry).seen = now
		c.order.MoveToBack(elem)
		return true
	}

	if c.maxSize > 0 && len(c.index) >= c.maxSize {
		c.remove(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(c.now())
	return len(c.index)
}

// expire drops entries older than the ttl. Must be called with mu held.
func (c *Cache) expire(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < c.ttl {
			return
		}
		c.remove(front)
	}
}

func (c *Cache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.index, elem.Value.(*entry).key)
}
