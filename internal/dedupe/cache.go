// ABOUTME: Thread-safe TTL cache that runs keyed operations at most once per window
// ABOUTME: Used by the gateway so retried submissions return the original request

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrAborted is returned to waiters when the operation they were waiting on
// panicked.
var ErrAborted = errors.New("deduplicated operation aborted")

// entry is one key's operation. ready closes once value and err are final.
type entry struct {
	key      string
	storedAt time.Time
	element  *list.Element
	ready    chan struct{}
	value    string
	err      error
}

func (e *entry) done() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Cache remembers the result of keyed operations for a TTL, bounded in size.
// Failed operations are forgotten so a retry runs again. Entries live in a
// doubly-linked list in insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Do runs fn unless key was seen within the TTL, in which case it returns the
// first run's value with replayed set. Concurrent calls for the same key wait
// for the first one to finish. An error from fn is returned to every waiter
// and is not remembered.
func (c *Cache) Do(key string, fn func() (string, error)) (value string, replayed bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.done() || c.now().Sub(e.storedAt) < c.ttl {
			c.mu.Unlock()
			<-e.ready
			if e.err != nil {
				return "", false, e.err
			}
			return e.value, true, nil
		}
		c.removeLocked(e)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e := &entry{key: key, storedAt: c.now(), ready: make(chan struct{})}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	c.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			c.finish(e, "", ErrAborted)
		}
	}()

	value, err = fn()
	finished = true
	c.finish(e, value, err)
	return value, false, err
}

// finish publishes an entry's result and drops it on failure.
func (c *Cache) finish(e *entry, value string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.value, e.err = value, err
	e.storedAt = c.now()
	if err != nil {
		c.removeLocked(e)
	}
	close(e.ready)
}

// Len returns the number of remembered keys, including ones in flight.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked drops e. Must be called with mu held.
func (c *Cache) removeLocked(e *entry) {
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.order.Remove(e.element)
}

// evictOldest removes the oldest entry. In-flight operations still deliver
// to their waiters. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.removeLocked(e)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes every finished entry older than the TTL.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range c.entries {
		if e.done() && now.Sub(e.storedAt) >= c.ttl {
			c.removeLocked(e)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
