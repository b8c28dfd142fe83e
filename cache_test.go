package trackfs

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheConfig() *Config {
	cfg := NewConfig()
	cfg.CacheBudgetBytes = 1024
	cfg.NegativeTTLSeconds = 1
	cfg.MaxConcurrentBuilds = 4

	return cfg
}

func TestArtifactCacheBuildsOnlyOncePerKey(t *testing.T) {
	t.Parallel()

	cache := newArtifactCache(testCacheConfig())
	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	var calls int32

	build := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("payload"), nil
	}

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			data, release, err := cache.Get(context.Background(), key, build)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)
			release()
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestArtifactCachePinPreventsEviction(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.CacheBudgetBytes = 4 // tiny budget so any unpinned entry gets evicted immediately.
	cache := newArtifactCache(cfg)

	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	data, release, err := cache.Get(context.Background(), key, func(context.Context) ([]byte, error) {
		return []byte("0123456789"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	// Still pinned (release not called yet): a second Get for a different
	// key must not evict it.
	other := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 2}
	_, release2, err := cache.Get(context.Background(), other, func(context.Context) ([]byte, error) {
		return []byte("abcdefghij"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())

	release()
	release2()
}

func TestArtifactCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.CacheBudgetBytes = 10
	cache := newArtifactCache(cfg)

	mkKey := func(n int) VirtualTrackKey {
		return VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: n}
	}

	build := func(payload string) BuildFunc {
		return func(context.Context) ([]byte, error) { return []byte(payload), nil }
	}

	for i := 1; i <= 3; i++ {
		_, release, err := cache.Get(context.Background(), mkKey(i), build("0123456789"))
		require.NoError(t, err)
		release() // unpinned immediately, so later entries can evict it.
	}

	// Budget of 10 bytes fits exactly one 10-byte entry; the two earlier
	// ones must have been evicted.
	assert.Equal(t, 1, cache.Len())

	_, _, found := cache.Pin(mkKey(1))
	assert.False(t, found, "oldest entry should have been evicted")
}

func TestArtifactCacheNegativeEntryShortCircuitsRebuild(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cache := newArtifactCache(cfg)
	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	buildErr := errors.New("decode failed")

	var calls int32

	build := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, buildErr
	}

	_, _, err := cache.Get(context.Background(), key, build)
	require.ErrorIs(t, err, buildErr)

	_, _, err = cache.Get(context.Background(), key, build)
	require.ErrorIs(t, err, buildErr)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call should hit the negative cache")
}

func TestArtifactCacheNegativeEntryExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.NegativeTTLSeconds = 1
	cache := newArtifactCache(cfg)

	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	var calls int32

	build := func(context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errors.New("transient failure")
		}

		return []byte("ok"), nil
	}

	_, _, err := cache.Get(context.Background(), key, build)
	require.Error(t, err)

	time.Sleep(1200 * time.Millisecond)

	data, release, err := cache.Get(context.Background(), key, build)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	release()
}

func TestArtifactCacheSharesDeliveryAmongConcurrentWaiters(t *testing.T) {
	t.Parallel()

	cache := newArtifactCache(testCacheConfig())
	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	started := make(chan struct{})
	release := make(chan struct{})

	build := func(context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("shared"), nil
	}

	go func() {
		_, rel, err := cache.Get(context.Background(), key, build)
		require.NoError(t, err)
		rel()
	}()

	<-started

	results := make(chan []byte, 3)

	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			data, rel, err := cache.Get(context.Background(), key, build)
			require.NoError(t, err)
			results <- data
			rel()
		}()
	}

	close(release)
	wg.Wait()
	close(results)

	for data := range results {
		assert.Equal(t, []byte("shared"), data)
	}
}

func TestArtifactCacheSpillsLargeArtifactToDisk(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.SpillThresholdBytes = 8
	cache := newArtifactCache(cfg)

	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}
	payload := []byte("0123456789abcdef") // well over the 8-byte threshold.

	data, release, err := cache.Get(context.Background(), key, func(context.Context) ([]byte, error) {
		return payload, nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	entry, ok := cache.entries[key]
	require.True(t, ok)
	assert.NotEmpty(t, entry.spillPath, "artifact above the spill threshold should be written to a temp file")
	assert.Nil(t, entry.data, "spilled artifact should not also be held in memory")

	onDisk, err := os.ReadFile(entry.spillPath)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	spillPath := entry.spillPath

	release()

	// A subsequent Pin, re-fetched from disk, must still return the same
	// bytes, and the temp file must still be present while cached.
	data2, release2, found := cache.Pin(key)
	require.True(t, found)
	assert.Equal(t, payload, data2)
	release2()

	_, statErr := os.Stat(spillPath)
	assert.NoError(t, statErr, "temp file should still exist while the entry is cached")
}

func TestArtifactCacheRemovesSpillFileOnEviction(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.CacheBudgetBytes = 8
	cfg.SpillThresholdBytes = 4
	cache := newArtifactCache(cfg)

	key := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 1}

	_, release, err := cache.Get(context.Background(), key, func(context.Context) ([]byte, error) {
		return []byte("0123456789"), nil
	})
	require.NoError(t, err)

	entry, ok := cache.entries[key]
	require.True(t, ok)
	spillPath := entry.spillPath
	require.NotEmpty(t, spillPath)

	release() // unpinned, and already over budget: evicted on release.

	other := VirtualTrackKey{AlbumBasename: "a.flac", Ordinal: 2}

	_, release2, err := cache.Get(context.Background(), other, func(context.Context) ([]byte, error) {
		return []byte("fedcba9876"), nil
	})
	require.NoError(t, err)
	defer release2()

	assert.Equal(t, 1, cache.Len())

	_, statErr := os.Stat(spillPath)
	assert.True(t, os.IsNotExist(statErr), "evicted entry's temp file should be removed")
}
