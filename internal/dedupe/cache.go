// ABOUTME: In-process claim cache for inbound message ids, keyed by tenant
// ABOUTME: Bounded by TTL and size; sits in front of the durable dedup gate in the store

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// claim stores when a key was claimed and its position in the eviction list.
type claim struct {
	at      time.Time
	element *list.Element
}

// Claims tracks message ids currently being processed or recently processed.
// A successful Claim means no other goroutine in this process holds the same
// (tenant, message) key; the store's create-if-absent remains the authority.
type Claims struct {
	mu      sync.Mutex
	held    map[string]*claim
	order   *list.List // keys oldest first
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a claim cache. A background goroutine drops expired claims
// until Close is called.
func New(ttl time.Duration, maxSize int) *Claims {
	c := &Claims{
		held:    make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func key(tenantID, messageID string) string {
	return tenantID + "\x00" + messageID
}

// Claim returns true if the caller now owns (tenantID, messageID), false if a
// live claim already exists.
func (c *Claims) Claim(tenantID, messageID string) bool {
	k := key(tenantID, messageID)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.held[k]; ok {
		if now.Sub(existing.at) < c.ttl {
			return false
		}
		c.order.Remove(existing.element)
		delete(c.held, k)
	}

	if c.maxSize > 0 && len(c.held) >= c.maxSize {
		c.evictOldest()
	}

	c.held[k] = &claim{at: now, element: c.order.PushBack(k)}
	return true
}

// Release drops a claim so the message can be retried, used when the durable
// gate could not be consulted.
func (c *Claims) Release(tenantID, messageID string) {
	k := key(tenantID, messageID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.held[k]; ok {
		c.order.Remove(existing.element)
		delete(c.held, k)
	}
}

// Len returns the number of claims held, expired or not.
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// evictOldest must be called with mu held.
func (c *Claims) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.held, k)
}

func (c *Claims) sweepLoop() {
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

// sweep removes expired claims. Claims are ordered oldest first, so it stops
// at the first live one.
func (c *Claims) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.order.Front(); e != nil; {
		k, _ := e.Value.(string)
		entry := c.held[k]
		if now.Sub(entry.at) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.held, k)
		e = next
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Claims) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
