package progress

import "context"

type runIDKey struct{}

// WithRunID attaches the run id that events emitted under ctx belong to.
func WithRunID(ctx context.Context, runID [16]byte) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id stored by WithRunID.
func RunIDFrom(ctx context.Context) ([16]byte, bool) {
	id, ok := ctx.Value(runIDKey{}).([16]byte)
	return id, ok
}
