package crawler

import (
	"context"
	"time"
)

// Fetcher performs one logical HTTP call, retries included.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Store is the idempotent raw/metadata persistence layer. Calls never fail
// for "already exists"; the boolean results report whether the call caused
// a durable change.
type Store interface {
	ShouldFetchRaw(ctx context.Context, artifactID, sourceURL string, forceRefresh bool) bool
	SaveRaw(ctx context.Context, artifactID string, data []byte) (bool, error)
	SaveMetadata(ctx context.Context, artifactID string, meta Metadata) (bool, error)
	GetMetadata(ctx context.Context, artifactID string) (*Metadata, error)
	// RawExtension returns the extension the raw artifact was stored with.
	RawExtension(ctx context.Context, artifactID string) (string, error)
}

// Ledger keeps an append/upsert log of durable raw writes.
type Ledger interface {
	RecordArtifact(ctx context.Context, entry LedgerEntry) error
}

// RunStore persists run state for the control API.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errText string, counters RunCounters) error
	RecordArtifacts(ctx context.Context, runID, source string, ids []string) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListArtifacts(ctx context.Context, runID string) (map[string][]string, error)
}

// Publisher pushes artifact notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for sync runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
