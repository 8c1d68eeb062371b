package cache

import (
	"fmt"
	"os"
	"testing"

	"github.com/celonis/homcc/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, maxSize int64) *Cache {
	t.Helper()
	log, err := logging.New("ERROR", false)
	require.NoError(t, err)
	c, err := New(log, t.TempDir(), maxSize)
	require.NoError(t, err)
	return c
}

func bytesOf(size int) []byte {
	return make([]byte, size)
}

func TestNewRejectsNonPositiveBudget(t *testing.T) {
	log, err := logging.New("ERROR", false)
	require.NoError(t, err)
	_, err = New(log, t.TempDir(), 0)
	require.Error(t, err)
}

func TestPutGet(t *testing.T) {
	c := newCache(t, 1024)

	path, err := c.Put("h1", []byte("#pragma once\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("#pragma once\n"), content)

	got, ok := c.Get("h1")
	require.True(t, ok)
	require.Equal(t, path, got)

	_, ok = c.Get("h2")
	require.False(t, ok)

	require.True(t, c.Has("h1"))
	require.False(t, c.Has("h2"))
	require.Equal(t, 1, c.Len())
	require.Equal(t, int64(13), c.Size())
}

func TestLRUEviction(t *testing.T) {
	// max_size = 10; Put(h1,4); Put(h2,4); Put(h3,2); Get(h1); Put(h4,4)
	// leaves {h1, h3, h4} with h2 evicted.
	c := newCache(t, 10)

	_, err := c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	_, err = c.Put("h2", bytesOf(4))
	require.NoError(t, err)
	_, err = c.Put("h3", bytesOf(2))
	require.NoError(t, err)

	_, ok := c.Get("h1")
	require.True(t, ok)

	_, err = c.Put("h4", bytesOf(4))
	require.NoError(t, err)

	require.True(t, c.Has("h1"))
	require.False(t, c.Has("h2"))
	require.True(t, c.Has("h3"))
	require.True(t, c.Has("h4"))
	require.Equal(t, 3, c.Len())
	require.Equal(t, int64(10), c.Size())
}

func TestEvictionRemovesFiles(t *testing.T) {
	c := newCache(t, 4)

	evicted, err := c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	_, err = c.Put("h2", bytesOf(4))
	require.NoError(t, err)

	_, statErr := os.Stat(evicted)
	require.True(t, os.IsNotExist(statErr))
	require.Equal(t, int64(4), c.Size())
}

func TestBlobEqualToBudgetEvictsAll(t *testing.T) {
	c := newCache(t, 10)

	for i := 0; i < 3; i++ {
		_, err := c.Put(fmt.Sprintf("h%d", i), bytesOf(3))
		require.NoError(t, err)
	}

	_, err := c.Put("big", bytesOf(10))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	require.True(t, c.Has("big"))
	require.Equal(t, int64(10), c.Size())
}

func TestBlobLargerThanBudgetFails(t *testing.T) {
	c := newCache(t, 10)
	_, err := c.Put("big", bytesOf(11))
	require.ErrorIs(t, err, ErrBlobTooLarge)
	require.Equal(t, 0, c.Len())
}

func TestRePutIsIdempotent(t *testing.T) {
	c := newCache(t, 10)

	_, err := c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	_, err = c.Put("h2", bytesOf(4))
	require.NoError(t, err)

	// re-putting h1 must not change the accounted size, but must move it
	// to the MRU position so h2 is evicted next
	_, err = c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	require.Equal(t, int64(8), c.Size())
	require.Equal(t, 2, c.Len())

	_, err = c.Put("h3", bytesOf(4))
	require.NoError(t, err)
	require.True(t, c.Has("h1"))
	require.False(t, c.Has("h2"))
	require.True(t, c.Has("h3"))
}

func TestHasRefreshesRecency(t *testing.T) {
	c := newCache(t, 8)

	_, err := c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	_, err = c.Put("h2", bytesOf(4))
	require.NoError(t, err)

	require.True(t, c.Has("h1"))

	_, err = c.Put("h3", bytesOf(4))
	require.NoError(t, err)
	require.True(t, c.Has("h1"))
	require.False(t, c.Has("h2"))
}

func TestMissingFileOnEvictionProceeds(t *testing.T) {
	c := newCache(t, 8)

	path, err := c.Put("h1", bytesOf(4))
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = c.Put("h2", bytesOf(8))
	require.NoError(t, err)
	require.False(t, c.Has("h1"))
	require.True(t, c.Has("h2"))
	require.Equal(t, int64(8), c.Size())
}
