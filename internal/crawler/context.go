package crawler

import (
	"context"
	"sync"
)

type (
	forceRefreshKey struct{}
	sourceURLKey    struct{}
	changeSetKey    struct{}
)

// WithForceRefresh marks every raw download under ctx as a forced refresh.
func WithForceRefresh(ctx context.Context, force bool) context.Context {
	return context.WithValue(ctx, forceRefreshKey{}, force)
}

// ForceRefresh reports whether ctx carries a forced refresh.
func ForceRefresh(ctx context.Context) bool {
	force, _ := ctx.Value(forceRefreshKey{}).(bool)
	return force
}

// WithSourceURL attaches the URL a raw artifact was downloaded from, for the
// store's ledger entry.
func WithSourceURL(ctx context.Context, rawURL string) context.Context {
	return context.WithValue(ctx, sourceURLKey{}, rawURL)
}

// SourceURL returns the URL attached by WithSourceURL, or "".
func SourceURL(ctx context.Context) string {
	u, _ := ctx.Value(sourceURLKey{}).(string)
	return u
}

// ChangeSet collects the ids whose raw bytes or metadata changed during a sync.
type ChangeSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewChangeSet returns an empty set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{ids: make(map[string]struct{})}
}

// Add records id as changed.
func (c *ChangeSet) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = struct{}{}
}

// Contains reports whether id was recorded.
func (c *ChangeSet) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

// Len returns the number of recorded ids.
func (c *ChangeSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// WithChangeSet attaches set to ctx; adapters report durable changes into it.
func WithChangeSet(ctx context.Context, set *ChangeSet) context.Context {
	return context.WithValue(ctx, changeSetKey{}, set)
}

// MarkChanged records id in the ChangeSet carried by ctx, if any.
func MarkChanged(ctx context.Context, id string) {
	if set, ok := ctx.Value(changeSetKey{}).(*ChangeSet); ok && set != nil {
		set.Add(id)
	}
}
