package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	c := New()
	clock := time.Now()
	c.now = func() time.Time { return clock }
	return c, &clock
}

func tempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))
	return path
}

func TestCacheTTL(t *testing.T) {
	c, clock := newTestCache(t)
	path := tempFile(t)

	c.Put("gemini://example.org/", "text/gemini", path)
	require.True(t, c.IsCached("gemini://example.org/"))

	*clock = clock.Add(179 * time.Second)
	require.True(t, c.IsCached("gemini://example.org/"))

	*clock = clock.Add(2 * time.Second) // now at t=181s
	require.False(t, c.IsCached("gemini://example.org/"))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCacheTrimDropsOldestUnconditionally(t *testing.T) {
	c, clock := newTestCache(t)

	var paths []string
	for i := 0; i < maxEntries; i++ {
		p := tempFile(t)
		paths = append(paths, p)
		c.Put(urlFor(i), "text/gemini", p)
		*clock = clock.Add(time.Second)
	}
	require.Len(t, c.entries, maxEntries)

	overflow := tempFile(t)
	c.Put("gemini://example.org/overflow", "text/gemini", overflow)

	_, ok := c.Get(urlFor(0))
	require.False(t, ok, "oldest entry must be dropped unconditionally on overflow")
	require.Len(t, c.entries, maxEntries)
}

func TestCacheTrimSweepsExpiredAfterOldestDrop(t *testing.T) {
	c, clock := newTestCache(t)

	// Fill to capacity; all of these entries go stale before the overflow.
	for i := 0; i < maxEntries; i++ {
		c.Put(urlFor(i), "text/gemini", tempFile(t))
	}
	*clock = clock.Add(200 * time.Second) // every existing entry is now stale

	overflow := tempFile(t)
	c.Put("gemini://example.org/overflow", "text/gemini", overflow)

	// The unconditional drop removes urlFor(0); the TTL sweep then removes
	// every remaining stale entry up to (but not past) the first fresh one,
	// which is the just-inserted overflow entry itself.
	_, ok := c.Get("gemini://example.org/overflow")
	require.True(t, ok)
	require.Len(t, c.entries, 1)
}

func TestCacheEvictUnlinksFile(t *testing.T) {
	c, _ := newTestCache(t)
	path := tempFile(t)
	c.Put("gemini://example.org/", "text/gemini", path)

	c.Evict("gemini://example.org/")
	_, ok := c.Get("gemini://example.org/")
	require.False(t, ok)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCacheClearUnlinksAllFiles(t *testing.T) {
	c, _ := newTestCache(t)
	var paths []string
	for i := 0; i < 3; i++ {
		p := tempFile(t)
		paths = append(paths, p)
		c.Put(urlFor(i), "text/gemini", p)
	}

	c.Clear()
	require.Empty(t, c.entries)
	for _, p := range paths {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err))
	}
}

func urlFor(i int) string {
	return "gemini://example.org/" + string(rune('a'+i))
}
