// Package dispatcher runs sources concurrently and executes queued sync runs.
//
// Every source gets its own goroutine; requests within a source stay
// sequential because the source owns its session. The only state shared by
// workers is the run context, which carries the deadline, and the result sink.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
	"github.com/JakeFAU/gazette-sync/internal/progress"
)

// Source status labels recorded in metrics.
const (
	sourceOK    = "ok"
	sourceError = "error"
)

// Selector resolves configured sources by name.
type Selector interface {
	Select(enabled, disabled []string) ([]crawler.Source, error)
}

// Config controls fan-out and notifications.
type Config struct {
	// MaxParallelSources bounds concurrent sources; zero runs all at once.
	MaxParallelSources int
	// Deadline cancels the run context after this long; zero disables it.
	Deadline time.Duration
	// Topic receives one notification per new or changed artifact.
	Topic string
	// Disabled sources are never run, even when requested.
	Disabled []string
}

// Deps are the dispatcher's collaborators. Publisher, Runs and Queue are
// optional; RunAll works without them.
type Deps struct {
	Sources   Selector
	Runs      crawler.RunStore
	Queue     crawler.Queue
	Publisher crawler.Publisher
	Emitter   progress.Emitter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Notification announces one artifact to downstream archival systems.
type Notification struct {
	RunID      string `json:"run_id,omitempty"`
	Source     string `json:"source"`
	RelativeID string `json:"relative_id"`
	Identifier string `json:"identifier"`
}

// Attributes exposes routing keys as message attributes.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"source": n.Source, "identifier": n.Identifier}
}

// Dispatcher fans sources out and drives queued runs.
type Dispatcher struct {
	cfg  Config
	deps Deps
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	deps.Emitter = progress.EmitterOrNop(deps.Emitter)
	return &Dispatcher{cfg: cfg, deps: deps}
}

// RunAll syncs every source over [from, to] concurrently and returns what
// each produced. Source failures are recorded in the sink, never returned.
func (d *Dispatcher) RunAll(ctx context.Context, from, to time.Time, sources []crawler.Source) *ResultSink {
	if d.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Deadline)
		defer cancel()
	}
	sink := NewResultSink()

	var g errgroup.Group
	if d.cfg.MaxParallelSources > 0 {
		g.SetLimit(d.cfg.MaxParallelSources)
	}
	for _, src := range sources {
		g.Go(func() error {
			d.runSource(ctx, src, from, to, sink)
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.deps.Logger.Warn("sync deadline reached, results are partial",
			zap.Duration("deadline", d.cfg.Deadline), zap.Int("artifacts", sink.Total()))
	}
	return sink
}

func (d *Dispatcher) runSource(ctx context.Context, src crawler.Source, from, to time.Time, sink *ResultSink) {
	name := src.Name()
	logger := d.deps.Logger.With(zap.String("source", name))
	metrics.IncActiveSources()
	defer metrics.DecActiveSources()

	start := d.deps.Clock.Now()
	logger.Info("source sync started", zap.Time("from", from), zap.Time("to", to))
	changes := crawler.NewChangeSet()
	ids, err := src.Sync(crawler.WithChangeSet(ctx, changes), from, to)
	dur := d.deps.Clock.Now().Sub(start)
	sink.Add(name, ids)

	evt := progress.Event{Source: name, Count: int64(len(ids)), Dur: dur}
	if err != nil {
		logger.Error("source sync failed", zap.Int("artifacts", len(ids)), zap.Error(err))
		sink.AddFailure(name, err)
		metrics.ObserveSource(name, sourceError, dur)
		evt.Stage = progress.StageSourceError
		evt.Note = err.Error()
	} else {
		logger.Info("source sync finished", zap.Int("artifacts", len(ids)), zap.Duration("dur", dur))
		metrics.ObserveSource(name, sourceOK, dur)
		evt.Stage = progress.StageSourceDone
	}
	d.emit(ctx, evt)
	d.notify(ctx, src, ids, changes, logger)
}

// notify publishes one message per artifact the source reported as changed.
// Artifacts that were already stored unchanged are not announced again.
// Publish failures are logged.
func (d *Dispatcher) notify(ctx context.Context, src crawler.Source, ids []string, changes *crawler.ChangeSet, logger *zap.Logger) {
	if d.deps.Publisher == nil || d.cfg.Topic == "" || changes.Len() == 0 {
		return
	}
	// The run context may already be past its deadline; notifications for
	// stored artifacts still go out.
	pubCtx := context.WithoutCancel(ctx)
	runID, _ := ctx.Value(runLabelKey{}).(string)
	failed, sent := 0, 0
	for _, id := range ids {
		if !changes.Contains(id) {
			continue
		}
		sent++
		msg := Notification{
			RunID:      runID,
			Source:     src.Name(),
			RelativeID: id,
			Identifier: src.IdentifierPrefix() + id,
		}
		if _, err := d.deps.Publisher.Publish(pubCtx, d.cfg.Topic, msg); err != nil {
			failed++
			logger.Warn("artifact notification failed", zap.String("artifact_id", id), zap.Error(err))
		}
	}
	if failed > 0 {
		logger.Warn("some artifact notifications failed", zap.Int("failed", failed), zap.Int("total", sent))
	}
}

// Execute performs one queued run end to end, recording its status.
func (d *Dispatcher) Execute(ctx context.Context, item crawler.QueueItem) error {
	logger := d.deps.Logger.With(zap.String("run_id", item.RunID))
	runID := progress.ParseRunID(item.RunID)
	ctx = progress.WithRunID(ctx, runID)
	ctx = context.WithValue(ctx, runLabelKey{}, item.RunID)
	ctx = crawler.WithForceRefresh(ctx, item.Params.ForceRefresh)

	d.updateStatus(ctx, item.RunID, crawler.RunStatusRunning, "", crawler.RunCounters{}, logger)
	start := d.deps.Clock.Now()
	d.emit(ctx, progress.Event{Stage: progress.StageRunStart})

	sources, err := d.selectSources(item.Params.Sources)
	if err != nil {
		logger.Error("run has no runnable sources", zap.Error(err))
		d.updateStatus(ctx, item.RunID, crawler.RunStatusFailed, err.Error(), crawler.RunCounters{}, logger)
		d.emit(ctx, progress.Event{Stage: progress.StageRunDone, Dur: d.deps.Clock.Now().Sub(start), Note: err.Error()})
		return err
	}

	sink := d.RunAll(ctx, item.Params.From, item.Params.To, sources)
	failures := sink.Failures()
	counters := crawler.RunCounters{
		Artifacts:        sink.Total(),
		SourcesSucceeded: len(sources) - len(failures),
		SourcesFailed:    len(failures),
	}
	if d.deps.Runs != nil {
		for source, ids := range sink.Results() {
			if err := d.deps.Runs.RecordArtifacts(context.WithoutCancel(ctx), item.RunID, source, ids); err != nil {
				logger.Error("record run artifacts failed", zap.String("source", source), zap.Error(err))
			}
		}
	}

	status, errText := crawler.RunStatusSucceeded, ""
	switch {
	case ctx.Err() != nil:
		status, errText = crawler.RunStatusCanceled, ctx.Err().Error()
	case len(sources) > 0 && len(failures) == len(sources):
		status, errText = crawler.RunStatusFailed, "every source failed"
	}
	d.updateStatus(ctx, item.RunID, status, errText, counters, logger)
	d.emit(ctx, progress.Event{Stage: progress.StageRunDone, Count: int64(counters.Artifacts), Dur: d.deps.Clock.Now().Sub(start)})
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("artifacts", counters.Artifacts),
		zap.Int("sources_failed", counters.SourcesFailed))
	return nil
}

// Run consumes queued runs one at a time until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.deps.Queue == nil {
		<-ctx.Done()
		return
	}
	for {
		item, err := d.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.deps.Logger.Error("queue dequeue failed", zap.Error(err))
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			continue
		}
		d.deps.Logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		_ = d.Execute(ctx, item)
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if d.deps.Queue == nil {
		return errors.New("dispatcher has no queue")
	}
	if err := d.deps.Queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) selectSources(requested []string) ([]crawler.Source, error) {
	if d.deps.Sources == nil {
		return nil, errors.New("no source registry configured")
	}
	sources, err := d.deps.Sources.Select(requested, d.cfg.Disabled)
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, errors.New("no sources enabled")
	}
	return sources, nil
}

func (d *Dispatcher) updateStatus(
	ctx context.Context,
	runID string,
	status crawler.RunStatus,
	errText string,
	counters crawler.RunCounters,
	logger *zap.Logger,
) {
	if d.deps.Runs == nil {
		return
	}
	if err := d.deps.Runs.UpdateRunStatus(context.WithoutCancel(ctx), runID, status, errText, counters); err != nil {
		logger.Error("update run status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (d *Dispatcher) emit(ctx context.Context, evt progress.Event) {
	runID, ok := progress.RunIDFrom(ctx)
	if !ok {
		return
	}
	evt.RunID = runID
	evt.TS = d.deps.Clock.Now()
	d.deps.Emitter.Emit(evt)
}

type runLabelKey struct{}
