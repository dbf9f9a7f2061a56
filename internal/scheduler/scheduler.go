// Package scheduler drives a day adapter across an inclusive date range.
//
// Days are processed in ascending order, one at a time. Cancellation is
// checked before every day; a day that has started always runs to completion.
// A failing day is logged and contributes no ids, it never aborts the range.
package scheduler

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
	"github.com/JakeFAU/gazette-sync/internal/progress"
)

// DayLayout formats days in relative ids and logs.
const DayLayout = "2006-01-02"

// Day status labels recorded in metrics.
const (
	statusOK       = "ok"
	statusEmpty    = "empty"
	statusError    = "error"
	statusCanceled = "canceled"
)

// Config wires a Scheduler.
type Config struct {
	// Source labels logs, metrics and events. It is also the first segment
	// of every relative prefix handed to the adapter.
	Source  string
	Emitter progress.Emitter
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Scheduler iterates days for one source.
type Scheduler struct {
	source  string
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Scheduler, filling in no-op collaborators.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Scheduler{
		source:  cfg.Source,
		emitter: progress.EmitterOrNop(cfg.Emitter),
		clock:   clock,
		logger:  logger,
	}
}

// Days returns every calendar day between from and to inclusive, ascending,
// as midnight UTC. It returns nil when from is after to.
func Days(from, to time.Time) []time.Time {
	start, end := progress.Day(from), progress.Day(to)
	if start.After(end) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// DayPrefix is the relative path prefix for one source and day.
func DayPrefix(source string, day time.Time) string {
	return path.Join(source, day.Format(DayLayout))
}

// Sync runs adapter once per day and concatenates the ids it returns. On
// cancellation it returns the ids accumulated so far.
func (s *Scheduler) Sync(ctx context.Context, from, to time.Time, adapter crawler.DayAdapter) []string {
	var all []string
	for _, day := range Days(from, to) {
		if err := ctx.Err(); err != nil {
			s.logger.Info("sync canceled",
				zap.String("source", s.source),
				zap.String("next_day", day.Format(DayLayout)),
				zap.Error(err))
			metrics.ObserveDay(s.source, statusCanceled)
			break
		}
		all = append(all, s.runDay(ctx, day, adapter)...)
	}
	return all
}

func (s *Scheduler) runDay(ctx context.Context, day time.Time, adapter crawler.DayAdapter) []string {
	logger := s.logger.With(zap.String("source", s.source), zap.String("day", day.Format(DayLayout)))
	start := s.clock.Now()
	s.emit(ctx, progress.Event{Stage: progress.StageDayStart, Day: day})

	ids, err := adapter.DownloadOneDay(ctx, DayPrefix(s.source, day), day)
	evt := progress.Event{Stage: progress.StageDayDone, Day: day, Dur: s.clock.Now().Sub(start)}
	switch {
	case err != nil:
		logger.Warn("day failed", zap.Error(err))
		metrics.ObserveDay(s.source, statusError)
		evt.Note = err.Error()
		ids = nil
	case len(ids) == 0:
		logger.Debug("day produced no artifacts")
		metrics.ObserveDay(s.source, statusEmpty)
	default:
		logger.Info("day synced", zap.Int("artifacts", len(ids)))
		metrics.ObserveDay(s.source, statusOK)
	}
	evt.Count = int64(len(ids))
	s.emit(ctx, evt)
	return ids
}

func (s *Scheduler) emit(ctx context.Context, evt progress.Event) {
	runID, ok := progress.RunIDFrom(ctx)
	if !ok || s.source == "" {
		return
	}
	evt.RunID = runID
	evt.Source = s.source
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}
