// Package cache implements the server's content-addressed dependency cache:
// an LRU map from sha1 digests to files on disk, bounded by a byte budget.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/celonis/homcc/pkg/logging"
)

// ErrBlobTooLarge indicates a blob larger than the entire cache budget.
var ErrBlobTooLarge = errors.New("blob exceeds maximum cache size")

type entry struct {
	hash string
	path string
	size int64
}

// Cache is safe for concurrent use. All structural operations hold a single
// mutex; disk writes happen under it too, keeping the size accounting
// exact. Typical header payloads are small and cached hits bypass Put
// entirely, so the serialization is not on the hot compilation path.
type Cache struct {
	log logging.Logger

	mu sync.Mutex
	// order holds *entry values, least recently used at the front.
	order *list.List
	// entries indexes order's elements by hash.
	entries map[string]*list.Element
	// currentSize is the summed size of all live entries.
	currentSize int64
	maxSize     int64
	dir         string
}

// New creates the cache folder inside root and an empty cache with the
// given byte budget.
func New(log logging.Logger, root string, maxSize int64) (*Cache, error) {
	if maxSize <= 0 {
		return nil, errors.New("maximum cache size must be strictly positive")
	}

	dir := filepath.Join(root, "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create cache folder: %w", err)
	}
	log.Infof("created cache folder in %q", dir)

	return &Cache{
		log:     log,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
		dir:     dir,
	}, nil
}

// Put persists content under its hash, evicting least recently used entries
// until the budget holds. Re-putting a known hash refreshes its MRU
// position.
func (c *Cache) Put(hash string, content []byte) (string, error) {
	size := int64(len(content))
	if size > c.maxSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrBlobTooLarge, size, c.maxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[hash]; ok {
		// content-addressed, so the bytes are identical; just refresh
		c.order.MoveToBack(element)
		return element.Value.(*entry).path, nil
	}

	for c.currentSize+size > c.maxSize && c.order.Len() > 0 {
		c.evictOldest()
	}

	path := filepath.Join(c.dir, hash)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("unable to persist cache entry %s: %w", hash, err)
	}

	c.entries[hash] = c.order.PushBack(&entry{hash: hash, path: path, size: size})
	c.currentSize += size
	return path, nil
}

// evictOldest drops the least recently used entry. Callers must hold the
// mutex.
func (c *Cache) evictOldest() {
	element := c.order.Front()
	oldest := element.Value.(*entry)

	c.order.Remove(element)
	delete(c.entries, oldest.hash)
	c.currentSize -= oldest.size

	if err := os.Remove(oldest.path); err != nil {
		c.log.Errorf("tried to evict cache entry %s, but removing %q failed: %v; size accounting may drift", oldest.hash, oldest.path, err)
	}
}

// Get returns the entry's path and marks it most recently used.
func (c *Cache) Get(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[hash]
	if !ok {
		return "", false
	}
	c.order.MoveToBack(element)
	return element.Value.(*entry).path, true
}

// Has reports whether hash is cached, marking it most recently used if so.
func (c *Cache) Has(hash string) bool {
	_, ok := c.Get(hash)
	return ok
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size returns the summed size of all live entries in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}
