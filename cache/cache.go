// Package cache stores compiled artifacts between the discovery and
// execution phases. Each file carries a monotonic generation counter;
// results from compilations that started before an invalidation are
// rejected when they try to land afterward.
package cache

import (
	"sync"

	"github.com/wasmcheck/wasmcheck/model"
)

type Cache struct {
	mu          sync.Mutex
	entries     map[string]*model.CompiledArtifact
	generations map[string]uint64
}

func New() *Cache {
	return &Cache{
		entries:     make(map[string]*model.CompiledArtifact),
		generations: make(map[string]uint64),
	}
}

// Get returns the cached artifact for file, if any.
func (c *Cache) Get(file string) (*model.CompiledArtifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	art, ok := c.entries[file]
	return art, ok
}

// Generation returns the current generation counter for file. Compile
// requests read it at request time and stamp it onto their eventual result.
func (c *Cache) Generation(file string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[file]
}

// Invalidate drops the cached artifacts for the given files and increments
// each file's generation, so in-flight compiles for the old content can no
// longer be stored.
func (c *Cache) Invalidate(files ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		delete(c.entries, f)
		c.generations[f]++
	}
}

// ValidateAndCache stores art only if its stamped generation equals the
// file's current generation. A stale artifact is discarded and false is
// returned; the stored entry is never mutated by a rejected call.
func (c *Cache) ValidateAndCache(file string, art *model.CompiledArtifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if art.Generation != c.generations[file] {
		return false
	}
	c.entries[file] = art
	return true
}

// Set stores art unconditionally, stamping it with the file's current
// generation. Used for artifacts produced synchronously under no
// invalidation race.
func (c *Cache) Set(file string, art *model.CompiledArtifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	art.Generation = c.generations[file]
	c.entries[file] = art
}
