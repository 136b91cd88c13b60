// ABOUTME: Tests for the inbound message claim cache
// ABOUTME: Validates TTL expiry, release, tenant scoping, eviction, sweeping and concurrency

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestClaims(t *testing.T, ttl time.Duration, size int) (*Claims, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestClaims_FirstClaimWins(t *testing.T) {
	c, _ := newTestClaims(t, time.Minute, 100)

	assert.True(t, c.Claim("t1", "m1"))
	assert.False(t, c.Claim("t1", "m1"))
}

func TestClaims_ScopedByTenant(t *testing.T) {
	c, _ := newTestClaims(t, time.Minute, 100)

	assert.True(t, c.Claim("t1", "m1"))
	assert.True(t, c.Claim("t2", "m1"), "same message id under another tenant is independent")
}

func TestClaims_Release(t *testing.T) {
	c, _ := newTestClaims(t, time.Minute, 100)

	assert.True(t, c.Claim("t1", "m1"))
	c.Release("t1", "m1")
	assert.True(t, c.Claim("t1", "m1"))

	// Releasing an unknown claim is harmless
	c.Release("t1", "unknown")
}

func TestClaims_Expiry(t *testing.T) {
	c, clock := newTestClaims(t, time.Minute, 100)

	assert.True(t, c.Claim("t1", "m1"))
	clock.Advance(30 * time.Second)
	assert.False(t, c.Claim("t1", "m1"))

	clock.Advance(31 * time.Second)
	assert.True(t, c.Claim("t1", "m1"), "expired claim can be taken again")
}

func TestClaims_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestClaims(t, time.Hour, 2)

	c.Claim("t1", "a")
	clock.Advance(time.Second)
	c.Claim("t1", "b")
	clock.Advance(time.Second)
	c.Claim("t1", "c")

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Claim("t1", "a"), "oldest claim was evicted")
	assert.False(t, c.Claim("t1", "c"))
}

func TestClaims_Sweep(t *testing.T) {
	c, clock := newTestClaims(t, time.Minute, 100)

	c.Claim("t1", "old")
	clock.Advance(45 * time.Second)
	c.Claim("t1", "new")
	clock.Advance(30 * time.Second)

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Claim("t1", "new"))
}

func TestClaims_ConcurrentClaimsAdmitOne(t *testing.T) {
	c, _ := newTestClaims(t, time.Minute, 100)

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("t1", "m1") {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
}

func TestClaims_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
