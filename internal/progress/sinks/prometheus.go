package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gazette-sync/internal/progress"
)

// PrometheusSink exports sync progress via Prometheus. It owns the run
// collectors plus per-source day and artifact counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram

	sourcesCompleted *prometheus.CounterVec
	daysProcessed    *prometheus.CounterVec
	dayArtifacts     *prometheus.CounterVec
	dayDuration      *prometheus.HistogramVec
	artifactsSaved   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gazette_progress_runs_started_total",
			Help: "Sync runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gazette_progress_runs_completed_total",
			Help: "Sync runs that have finished.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gazette_progress_runs_running",
			Help: "Current number of running sync runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gazette_progress_run_runtime_seconds",
			Help:    "Wall time per completed sync run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		sourcesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazette_progress_sources_completed_total",
			Help: "Source runs completed partitioned by source and result.",
		}, []string{"source", "result"}),
		daysProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazette_progress_days_total",
			Help: "Days processed per source.",
		}, []string{"source"}),
		dayArtifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazette_progress_day_artifacts_total",
			Help: "Artifact ids returned by day downloads per source.",
		}, []string{"source"}),
		dayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gazette_progress_day_duration_seconds",
			Help:    "Time spent downloading one day per source.",
			Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600},
		}, []string{"source"}),
		artifactsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazette_progress_artifacts_saved_total",
			Help: "Artifacts durably written per source.",
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.sourcesCompleted,
		s.daysProcessed,
		s.dayArtifacts,
		s.dayDuration,
		s.artifactsSaved,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageSourceDone:
		s.sourcesCompleted.WithLabelValues(evt.Source, "success").Inc()
	case progress.StageSourceError:
		s.sourcesCompleted.WithLabelValues(evt.Source, "error").Inc()
	case progress.StageDayDone:
		s.daysProcessed.WithLabelValues(evt.Source).Inc()
		if evt.Count > 0 {
			s.dayArtifacts.WithLabelValues(evt.Source).Add(float64(evt.Count))
		}
		if evt.Dur > 0 {
			s.dayDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case progress.StageArtifactSaved:
		s.artifactsSaved.WithLabelValues(evt.Source).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
