package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// scheduler and dispatcher stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event. It is the default emitter for components built
// without a hub.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// EmitterOrNop returns e, or Nop when e is nil.
func EmitterOrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
