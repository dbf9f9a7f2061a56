// Package cache holds lookups whose lifetime is one sync invocation.
package cache

import (
	"sync"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// URLCache maps normalized document URLs to the artifact id they were
// stored under. Create one per DownloadOneDay call and drop it afterwards.
type URLCache struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewURLCache returns an empty cache.
func NewURLCache() *URLCache {
	return &URLCache{entries: make(map[string]string)}
}

// Lookup returns the artifact id previously stored for rawURL.
func (c *URLCache) Lookup(rawURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[crawler.NormalizeURL(rawURL)]
	return id, ok
}

// Remember records that rawURL produced artifactID.
func (c *URLCache) Remember(rawURL, artifactID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[crawler.NormalizeURL(rawURL)] = artifactID
}

// Len reports the number of cached URLs.
func (c *URLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
