// Package gcs provides a storage backend backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "gazettes".
	Prefix string
}

// objectAPI is the slice of the GCS client the backend uses.
type objectAPI interface {
	read(ctx context.Context, bucket, name string) ([]byte, error)
	write(ctx context.Context, bucket, name, contentType string, data []byte) error
	remove(ctx context.Context, bucket, name string) error
	list(ctx context.Context, bucket, prefix string) ([]string, error)
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	api    objectAPI
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newWithAPI(clientAPI{client: client}, cfg)
}

func newWithAPI(api objectAPI, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *BlobStore) object(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Put uploads data, replacing any existing object.
func (s *BlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	name, err := s.object(key)
	if err != nil {
		return err
	}
	if err := s.api.write(ctx, s.bucket, name, contentType, data); err != nil {
		return fmt.Errorf("put gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Get downloads key, returning crawler.ErrNotFound when absent.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	data, err := s.api.read(ctx, s.bucket, name)
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", s.bucket, name, err)
	}
	return data, nil
}

// Delete removes key.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	name, err := s.object(key)
	if err != nil {
		return err
	}
	if err := s.api.remove(ctx, s.bucket, name); err != nil {
		return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// List returns keys (without the configured prefix) starting with prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := prefix
	if s.prefix != "" {
		full = s.prefix + "/" + prefix
	}
	names, err := s.api.list(ctx, s.bucket, full)
	if err != nil {
		return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, full, err)
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		keys = append(keys, name)
	}
	return keys, nil
}

type clientAPI struct {
	client *storage.Client
}

func (c clientAPI) read(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := c.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, crawler.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (c clientAPI) write(ctx context.Context, bucket, name, contentType string, data []byte) error {
	writer := c.client.Bucket(bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (c clientAPI) remove(ctx context.Context, bucket, name string) error {
	err := c.client.Bucket(bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return crawler.ErrNotFound
	}
	return err
}

func (c clientAPI) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
