// Package crawler defines the core types and interfaces of the gazette sync engine.
// Source adapters, the session client, the storage layer and the scheduler all
// exchange data through the types declared here.
package crawler

import (
	"context"
	"time"
)

// DayAdapter downloads every artifact a source published on one calendar day.
// Implementations own their session for the duration of the call and must
// consult the Store before downloading raw bytes.
type DayAdapter interface {
	DownloadOneDay(ctx context.Context, relPrefix string, day time.Time) ([]string, error)
}

// RangeAdapter is implemented by sources that partition by something other
// than the calendar day (for example by year) and drive their own iteration.
type RangeAdapter interface {
	SyncRange(ctx context.Context, from, to time.Time) ([]string, error)
}

// Source is a named, enabled adapter as seen by the dispatcher.
type Source interface {
	Name() string
	// IdentifierPrefix is prepended to relative ids when exporting to
	// downstream archival systems.
	IdentifierPrefix() string
	Sync(ctx context.Context, from, to time.Time) ([]string, error)
}
