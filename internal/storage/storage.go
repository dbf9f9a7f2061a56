// Package storage implements the idempotent raw/metadata store shared by
// every backend.
//
// Raw bytes live at raw/<id><ext>, where the extension is sniffed from the
// content, and metadata lives at metatags/<id>.xml. A write that would not
// change the stored bytes is skipped and reported as such.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// Layout directories.
const (
	RawDir  = "raw"
	MetaDir = "metatags"
)

// ErrInvalidID rejects artifact ids that would escape the layout.
var ErrInvalidID = errors.New("invalid artifact id")

// Backend is a flat key/value blob store. Get returns crawler.ErrNotFound
// for missing keys; List returns every key starting with prefix.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLedger records every durable raw write.
func WithLedger(l crawler.Ledger) Option {
	return func(s *Store) { s.ledger = l }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the ledger timestamp source.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store implements crawler.Store over a Backend.
type Store struct {
	backend Backend
	hasher  crawler.Hasher
	ledger  crawler.Ledger
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Store.
func New(backend Backend, hasher crawler.Hasher, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	s := &Store{backend: backend, hasher: hasher, clock: system.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateID checks that id is a relative, slash separated path.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.HasPrefix(id, "/") || strings.Contains(id, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// RawKey is the backend key of a raw artifact with the given extension.
func RawKey(id, ext string) string {
	return path.Join(RawDir, id) + ext
}

// MetaKey is the backend key of an artifact's metadata document.
func MetaKey(id string) string {
	return path.Join(MetaDir, id) + ".xml"
}

// rawVariants lists raw keys stored for id under any extension.
func (s *Store) rawVariants(ctx context.Context, id string) ([]string, error) {
	prefix := path.Join(RawDir, id) + "."
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list raw variants: %w", err)
	}
	var out []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if rest != "" && !strings.ContainsAny(rest, "./") {
			out = append(out, k)
		}
	}
	return out, nil
}

// ShouldFetchRaw reports whether the caller needs to download the raw
// artifact: false iff it already exists and forceRefresh is off.
func (s *Store) ShouldFetchRaw(ctx context.Context, id, sourceURL string, forceRefresh bool) bool {
	if forceRefresh {
		return true
	}
	if err := ValidateID(id); err != nil {
		s.logger.Warn("invalid artifact id", zap.String("id", id), zap.Error(err))
		return false
	}
	variants, err := s.rawVariants(ctx, id)
	if err != nil {
		s.logger.Warn("raw lookup failed, fetching", zap.String("id", id), zap.Error(err))
		return true
	}
	if len(variants) > 0 {
		s.logger.Debug("raw already stored", zap.String("id", id), zap.String("source_url", sourceURL))
		return false
	}
	return true
}

// SaveRaw stores data under the sniffed extension. It returns false when
// identical bytes are already stored. Stale copies under other extensions
// are removed. The ledger entry takes its source URL from crawler.SourceURL(ctx).
func (s *Store) SaveRaw(ctx context.Context, id string, data []byte) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	ext, contentType := Sniff(data)
	key := RawKey(id, ext)
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return false, fmt.Errorf("hash raw: %w", err)
	}

	variants, err := s.rawVariants(ctx, id)
	if err != nil {
		return false, err
	}
	for _, existing := range variants {
		if existing != key {
			continue
		}
		current, err := s.backend.Get(ctx, existing)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return false, fmt.Errorf("read raw: %w", err)
		}
		if err == nil {
			if currentDigest, hashErr := s.hasher.Hash(current); hashErr == nil && currentDigest == digest {
				return false, nil
			}
		}
	}

	if err := s.backend.Put(ctx, key, contentType, data); err != nil {
		return false, fmt.Errorf("write raw %s: %w", key, err)
	}
	for _, stale := range variants {
		if stale == key {
			continue
		}
		if err := s.backend.Delete(ctx, stale); err != nil && !errors.Is(err, crawler.ErrNotFound) {
			s.logger.Warn("failed to remove stale raw variant", zap.String("key", stale), zap.Error(err))
		}
	}
	s.record(ctx, id, digest, ext)
	return true, nil
}

func (s *Store) record(ctx context.Context, id, digest, ext string) {
	if s.ledger == nil {
		return
	}
	source, _, _ := strings.Cut(id, "/")
	entry := crawler.LedgerEntry{
		Source:      source,
		RelativeID:  id,
		ContentHash: digest,
		Extension:   ext,
		SourceURL:   crawler.SourceURL(ctx),
		SyncedAt:    s.clock.Now(),
	}
	if err := s.ledger.RecordArtifact(ctx, entry); err != nil {
		s.logger.Warn("ledger write failed", zap.String("id", id), zap.Error(err))
	}
}

// SaveMetadata upserts the metadata document. It returns false when the
// stored document is byte-identical.
func (s *Store) SaveMetadata(ctx context.Context, id string, meta crawler.Metadata) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	doc, err := EncodeMetadata(meta)
	if err != nil {
		return false, err
	}
	key := MetaKey(id)
	current, err := s.backend.Get(ctx, key)
	switch {
	case err == nil && string(current) == string(doc):
		return false, nil
	case err != nil && !errors.Is(err, crawler.ErrNotFound):
		return false, fmt.Errorf("read metadata: %w", err)
	}
	if err := s.backend.Put(ctx, key, "application/xml", doc); err != nil {
		return false, fmt.Errorf("write metadata %s: %w", key, err)
	}
	return true, nil
}

// GetMetadata loads the metadata document, returning crawler.ErrNotFound
// when none was saved.
func (s *Store) GetMetadata(ctx context.Context, id string) (*crawler.Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, MetaKey(id))
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	return DecodeMetadata(data)
}

// RawExtension returns the extension the raw artifact is stored under.
func (s *Store) RawExtension(ctx context.Context, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	variants, err := s.rawVariants(ctx, id)
	if err != nil {
		return "", err
	}
	if len(variants) == 0 {
		return "", fmt.Errorf("raw %s: %w", id, crawler.ErrNotFound)
	}
	return path.Ext(variants[0]), nil
}

var _ crawler.Store = (*Store)(nil)
