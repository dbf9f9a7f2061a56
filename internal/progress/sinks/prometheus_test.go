package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gazette-sync/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	day := time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageDayStart, Source: "central", Day: day},
		{RunID: runID, TS: now, Stage: progress.StageArtifactSaved, Source: "central", ArtifactID: "central/2020-01-05/1"},
		{RunID: runID, TS: now, Stage: progress.StageDayDone, Source: "central", Day: day, Count: 3, Dur: 2 * time.Second},
		{RunID: runID, TS: now, Stage: progress.StageSourceDone, Source: "central", Count: 3},
		{RunID: runID, TS: now, Stage: progress.StageSourceError, Source: "state", Note: "deadline"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.daysProcessed.WithLabelValues("central")))
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.dayArtifacts.WithLabelValues("central")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.artifactsSaved.WithLabelValues("central")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourcesCompleted.WithLabelValues("central", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourcesCompleted.WithLabelValues("state", "error")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.dayDuration, "gazette_progress_day_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "gazette_progress_run_runtime_seconds"))
}

// TestPrometheusSinkRunGauge tracks overlapping runs and ignores duplicate starts.
func TestPrometheusSinkRunGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	first := progress.UUIDToBytes(uuid.New())
	second := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: first, TS: now, Stage: progress.StageRunStart},
		{RunID: first, TS: now, Stage: progress.StageRunStart},
		{RunID: second, TS: now, Stage: progress.StageRunStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: first, TS: now, Stage: progress.StageRunDone},
		{RunID: first, TS: now, Stage: progress.StageRunDone},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
}

// TestNewPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestNewPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
