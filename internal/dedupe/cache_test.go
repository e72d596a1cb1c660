// ABOUTME: Tests for the dedupe cache that runs keyed operations once per window
// ABOUTME: Validates replay, TTL expiration, error handling, eviction, cleanup, and concurrency

package dedupe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Now()}
	cache := New(ttl, maxSize)
	cache.now = clock.Now
	t.Cleanup(cache.Close)
	return cache, clock
}

// value returns an fn that yields v and counts its calls.
func value(v string, calls *atomic.Int32) func() (string, error) {
	return func() (string, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestCache_Do_FirstRun(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)
	var calls atomic.Int32

	v, replayed, err := cache.Do("key", value("req_1", &calls))
	require.NoError(t, err)
	assert.Equal(t, "req_1", v)
	assert.False(t, replayed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Do_Replay(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)
	var calls atomic.Int32

	_, _, err := cache.Do("key", value("req_1", &calls))
	require.NoError(t, err)

	v, replayed, err := cache.Do("key", value("req_2", &calls))
	require.NoError(t, err)
	assert.Equal(t, "req_1", v, "replay returns the first result")
	assert.True(t, replayed)
	assert.Equal(t, int32(1), calls.Load())

	v, replayed, err = cache.Do("other", value("req_3", &calls))
	require.NoError(t, err)
	assert.Equal(t, "req_3", v)
	assert.False(t, replayed)
}

func TestCache_Do_Expired(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)
	var calls atomic.Int32

	_, _, err := cache.Do("key", value("req_1", &calls))
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	v, replayed, _ := cache.Do("key", value("req_2", &calls))
	assert.True(t, replayed)
	assert.Equal(t, "req_1", v)

	clock.Advance(2 * time.Second)
	v, replayed, _ = cache.Do("key", value("req_2", &calls))
	assert.False(t, replayed, "expired keys run again")
	assert.Equal(t, "req_2", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Do_ErrorsAreNotRemembered(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)
	boom := errors.New("boom")

	_, _, err := cache.Do("key", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())

	var calls atomic.Int32
	v, replayed, err := cache.Do("key", value("req_1", &calls))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "req_1", v)
}

func TestCache_Do_Panic(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	assert.Panics(t, func() {
		_, _, _ = cache.Do("key", func() (string, error) { panic("kaboom") })
	})
	assert.Equal(t, 0, cache.Len(), "a panicked run is forgotten")

	var calls atomic.Int32
	_, replayed, err := cache.Do("key", value("req_1", &calls))
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestCache_Do_ConcurrentSameKey(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	var calls atomic.Int32
	release := make(chan struct{})
	slow := func() (string, error) {
		calls.Add(1)
		<-release
		return "req_1", nil
	}

	const n = 20
	var wg sync.WaitGroup
	var replays atomic.Int32
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, replayed, err := cache.Do("contested", slow)
			assert.NoError(t, err)
			if replayed {
				replays.Add(1)
			}
			results[i] = v
		}(i)
	}

	// let the goroutines pile up behind the first run
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one run per key")
	assert.Equal(t, int32(n-1), replays.Load())
	for _, v := range results {
		assert.Equal(t, "req_1", v)
	}
}

func TestCache_Do_WaitersSeeErrors(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)
	boom := errors.New("boom")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = cache.Do("key", func() (string, error) {
			close(started)
			<-release
			return "", boom
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		_, _, err := cache.Do("key", func() (string, error) { return "unused", nil })
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	assert.ErrorIs(t, <-done, boom)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 3)
	var calls atomic.Int32

	for _, k := range []string{"first", "second", "third"} {
		_, _, err := cache.Do(k, value(k, &calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cache.Len())

	// a fourth key evicts the oldest
	_, _, _ = cache.Do("fourth", value("fourth", &calls))
	assert.Equal(t, 3, cache.Len())

	_, replayed, _ := cache.Do("second", value("x", &calls))
	assert.True(t, replayed)
	_, replayed, _ = cache.Do("first", value("first-again", &calls))
	assert.False(t, replayed, "first should have been evicted")
}

func TestCache_Cleanup(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, _, _ = cache.Do(fmt.Sprintf("cleanup-%d", i), value("v", &calls))
	}
	cache.runCleanup()
	assert.Equal(t, 3, cache.Len(), "fresh entries survive cleanup")

	clock.Advance(2 * time.Minute)
	cache.runCleanup()
	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	var calls atomic.Int32
	_, _, err := cache.Do("before-close", value("v", &calls))
	require.NoError(t, err)

	cache.Close()
	// Multiple closes should not panic
	cache.Close()
}
