// Package source turns adapters into named sources the dispatcher can run and
// keeps the registry of configured sources.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/progress"
	"github.com/JakeFAU/gazette-sync/internal/scheduler"
)

// ErrUnknownSource is returned when a selected name is not registered.
var ErrUnknownSource = errors.New("unknown source")

// DaySource exposes a day adapter as a crawler.Source driven by the scheduler.
type DaySource struct {
	name             string
	identifierPrefix string
	adapter          crawler.DayAdapter
	scheduler        *scheduler.Scheduler
}

// DayOptions carries the collaborators shared by every day source.
type DayOptions struct {
	Emitter progress.Emitter
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// NewDaySource wraps adapter under name.
func NewDaySource(name, identifierPrefix string, adapter crawler.DayAdapter, opts DayOptions) *DaySource {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DaySource{
		name:             name,
		identifierPrefix: identifierPrefix,
		adapter:          adapter,
		scheduler: scheduler.New(scheduler.Config{
			Source:  name,
			Emitter: opts.Emitter,
			Clock:   opts.Clock,
			Logger:  logger.Named(name),
		}),
	}
}

// Name implements crawler.Source.
func (s *DaySource) Name() string { return s.name }

// IdentifierPrefix implements crawler.Source.
func (s *DaySource) IdentifierPrefix() string { return s.identifierPrefix }

// Sync implements crawler.Source.
func (s *DaySource) Sync(ctx context.Context, from, to time.Time) ([]string, error) {
	return s.scheduler.Sync(ctx, from, to, s.adapter), nil
}

// RangeSource exposes an adapter that drives its own partitioning.
type RangeSource struct {
	name             string
	identifierPrefix string
	adapter          crawler.RangeAdapter
}

// NewRangeSource wraps adapter under name.
func NewRangeSource(name, identifierPrefix string, adapter crawler.RangeAdapter) *RangeSource {
	return &RangeSource{name: name, identifierPrefix: identifierPrefix, adapter: adapter}
}

// Name implements crawler.Source.
func (s *RangeSource) Name() string { return s.name }

// IdentifierPrefix implements crawler.Source.
func (s *RangeSource) IdentifierPrefix() string { return s.identifierPrefix }

// Sync implements crawler.Source.
func (s *RangeSource) Sync(ctx context.Context, from, to time.Time) ([]string, error) {
	ids, err := s.adapter.SyncRange(ctx, from, to)
	if err != nil {
		return ids, fmt.Errorf("sync %s: %w", s.name, err)
	}
	return ids, nil
}

// Registry holds configured sources by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]crawler.Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]crawler.Source)}
}

// Register adds src. Names are unique.
func (r *Registry) Register(src crawler.Source) error {
	name := strings.TrimSpace(src.Name())
	if name == "" {
		return errors.New("source name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("source %q registered twice", name)
	}
	r.sources[name] = src
	return nil
}

// Get returns the source registered under name.
func (r *Registry) Get(name string) (crawler.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names lists registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves the sources to run. An empty enabled list means every
// registered source; disabled names are removed afterwards.
func (r *Registry) Select(enabled, disabled []string) ([]crawler.Source, error) {
	names := enabled
	if len(names) == 0 {
		names = r.Names()
	}
	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(names))
	var out []crawler.Source
	for _, name := range names {
		if _, ok := skip[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		src, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
		}
		out = append(out, src)
	}
	return out, nil
}
