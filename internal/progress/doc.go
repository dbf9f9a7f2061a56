// Package progress carries sync-run milestones from the scheduler and the
// dispatcher to pluggable sinks. Emitters never block: events are buffered by
// a Hub, batched on a background goroutine and fanned out to sinks such as
// structured logs or Prometheus collectors.
package progress
