package trackfs

import (
	"container/list"
	"context"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
)

// BuildFunc produces the materialized bytes for a cache key. It is called
// at most once per key at any given time; concurrent callers for the same
// key block on the same build rather than triggering duplicate work.
type BuildFunc func(ctx context.Context) ([]byte, error)

type entryState int

const (
	stateBuilding entryState = iota
	stateReady
	stateFailed
)

// cacheEntry is a keyed future over a materialized artifact: callers that
// arrive while it is building wait on ready; once closed, size/err are
// immutable and safe to read without the cache mutex. An entry at or below
// the cache's spill threshold keeps its bytes in data; a larger one spills
// them to spillPath and frees data, reading the bytes back from disk on
// every subsequent access.
type cacheEntry struct {
	state     entryState
	data      []byte
	spillPath string
	size      int64
	err       error
	ready     chan struct{}
	pinned    int
	elem      *list.Element // position in the LRU list, once Ready.
}

// bytes returns the entry's materialized bytes, reading them back from disk
// if they spilled. Must only be called once e.ready has been closed.
func (e *cacheEntry) bytes() ([]byte, error) {
	if e.spillPath == "" {
		return e.data, nil
	}

	return os.ReadFile(e.spillPath)
}

// artifactCache implements Component E: at-most-one-builder-per-key
// memoization of materialized track artifacts, with byte-budget LRU
// eviction (skipping pinned entries), a negative cache for recent build
// failures, a semaphore bounding concurrent builds, and a spill threshold
// above which an artifact's bytes live in a temp file instead of memory.
type artifactCache struct {
	logger Logger

	mu             sync.Mutex
	entries        map[VirtualTrackKey]*cacheEntry
	order          *list.List // list.Element.Value is VirtualTrackKey, front = most recently used.
	budget         int64
	used           int64
	spillThreshold int64
	negative       *expirable.LRU[VirtualTrackKey, error]
	buildSem       *semaphore.Weighted
}

func newArtifactCache(cfg *Config) *artifactCache {
	negativeTTL := time.Duration(cfg.NegativeTTLSeconds) * time.Second

	return &artifactCache{
		logger:         cfg.Logger,
		entries:        make(map[VirtualTrackKey]*cacheEntry),
		order:          list.New(),
		budget:         cfg.CacheBudgetBytes,
		spillThreshold: cfg.SpillThresholdBytes,
		negative:       expirable.NewLRU[VirtualTrackKey, error](negativeCacheSize, nil, negativeTTL),
		buildSem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentBuilds)),
	}
}

const negativeCacheSize = 4096

// Get returns the materialized bytes for key, building them via build if
// not already cached. The returned release func must be called exactly
// once, when the caller is done reading data; until then the entry is
// pinned against eviction.
func (c *artifactCache) Get(ctx context.Context, key VirtualTrackKey, build BuildFunc) (data []byte, release func(), err error) {
	c.mu.Lock()

	if cachedErr, ok := c.negative.Get(key); ok {
		c.mu.Unlock()
		return nil, nil, cachedErr
	}

	if e, ok := c.entries[key]; ok {
		e.pinned++

		if e.state == stateReady && e.elem != nil {
			c.order.MoveToFront(e.elem)
		}

		c.mu.Unlock()

		<-e.ready

		if e.err != nil {
			c.mu.Lock()
			e.pinned--
			c.mu.Unlock()

			return nil, nil, e.err
		}

		data, err := e.bytes()
		if err != nil {
			c.mu.Lock()
			e.pinned--
			c.mu.Unlock()

			return nil, nil, err
		}

		return data, c.releaseFunc(key), nil
	}

	e := &cacheEntry{state: stateBuilding, ready: make(chan struct{}), pinned: 1}
	c.entries[key] = e
	c.mu.Unlock()

	if err := c.buildSem.Acquire(ctx, 1); err != nil {
		c.failEntry(key, e, err)
		return nil, nil, err
	}

	built, buildErr := build(ctx)
	c.buildSem.Release(1)

	if buildErr != nil {
		c.failEntry(key, e, buildErr)
		return nil, nil, buildErr
	}

	if err := c.settle(e, built); err != nil {
		c.failEntry(key, e, err)
		return nil, nil, err
	}

	c.mu.Lock()
	e.elem = c.order.PushFront(key)
	c.used += e.size
	close(e.ready)
	c.evictLocked()
	c.mu.Unlock()

	return built, c.releaseFunc(key), nil
}

// settle records built on e, spilling it to a temp file under os.TempDir()
// when it exceeds the cache's spill threshold. Spilled and in-memory entries
// both count their full size against the cache's byte budget.
func (c *artifactCache) settle(e *cacheEntry, built []byte) error {
	e.state = stateReady
	e.size = int64(len(built))

	if c.spillThreshold <= 0 || e.size <= c.spillThreshold {
		e.data = built
		return nil
	}

	f, err := os.CreateTemp("", "trackfs-artifact-*.flac")
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(built); err != nil {
		os.Remove(f.Name())
		return err
	}

	e.spillPath = f.Name()

	return nil
}

func (c *artifactCache) failEntry(key VirtualTrackKey, e *cacheEntry, err error) {
	c.mu.Lock()
	e.state = stateFailed
	e.err = err
	e.pinned--
	delete(c.entries, key)
	c.negative.Add(key, err)
	close(e.ready)
	c.mu.Unlock()
}

func (c *artifactCache) releaseFunc(key VirtualTrackKey) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			if e, ok := c.entries[key]; ok {
				e.pinned--
			}
			c.evictLocked()
			c.mu.Unlock()
		})
	}
}

// Pin marks key as pinned for the lifetime of an open handle, preventing
// eviction even if the cache is over budget; release() unpins it. Pin
// blocks until any in-flight build for key completes.
func (c *artifactCache) Pin(key VirtualTrackKey) (data []byte, release func(), found bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, nil, false
	}

	e.pinned++
	if e.elem != nil {
		c.order.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	<-e.ready

	if e.err != nil {
		c.mu.Lock()
		e.pinned--
		c.mu.Unlock()

		return nil, nil, false
	}

	data, err := e.bytes()
	if err != nil {
		c.mu.Lock()
		e.pinned--
		c.mu.Unlock()

		return nil, nil, false
	}

	return data, c.releaseFunc(key), true
}

// evictLocked drops the least-recently-used unpinned Ready entries from
// the back of order until used is within budget. Called with c.mu held.
func (c *artifactCache) evictLocked() {
	for c.used > c.budget {
		elem := c.order.Back()
		if elem == nil {
			return
		}

		key := elem.Value.(VirtualTrackKey)

		e, ok := c.entries[key]
		if !ok {
			c.order.Remove(elem)
			continue
		}

		if e.pinned > 0 {
			// Walk forward looking for an unpinned victim rather than
			// stalling eviction behind a pinned front-runner.
			found := false

			for cand := c.order.Back(); cand != nil; cand = cand.Prev() {
				candKey := cand.Value.(VirtualTrackKey)
				if candEntry, ok := c.entries[candKey]; ok && candEntry.pinned == 0 {
					elem, key, e = cand, candKey, candEntry
					found = true
					break
				}
			}

			if !found {
				return
			}
		}

		c.order.Remove(elem)
		delete(c.entries, key)
		c.used -= e.size

		if e.spillPath != "" {
			os.Remove(e.spillPath)
		}
	}
}

// Len reports the number of entries currently held, whether Ready or still
// building, for tests and diagnostics.
func (c *artifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
