package release

import (
	"context"
	"sync"
)

// ManifestCache keeps the manifests fetched by a provider, keyed by the tag they
// were requested with. The [Latest] sentinel is a key of its own.
// Failed fetches are not cached.
type ManifestCache struct {
	mu      sync.Mutex
	entries map[string]*cached
}

type cached struct {
	mu       sync.Mutex
	manifest *Manifest
}

// NewManifestCache returns an empty cache.
func NewManifestCache() *ManifestCache {
	return &ManifestCache{entries: make(map[string]*cached)}
}

// Get returns the manifest for tag, calling fetch at most once per tag even when
// called concurrently.
func (c *ManifestCache) Get(ctx context.Context, tag string, fetch func(ctx context.Context) (*Manifest, error)) (*Manifest, error) {
	c.mu.Lock()
	entry, ok := c.entries[tag]
	if !ok {
		entry = &cached{}
		c.entries[tag] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.manifest != nil {
		return entry.manifest, nil
	}

	manifest, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	entry.manifest = manifest
	return manifest, nil
}

// Len returns the number of cached manifests.
func (c *ManifestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, entry := range c.entries {
		entry.mu.Lock()
		if entry.manifest != nil {
			count++
		}
		entry.mu.Unlock()
	}
	return count
}
