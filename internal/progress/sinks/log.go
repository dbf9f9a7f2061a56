package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/progress"
)

const dayLayout = "2006-01-02"

// LogSink emits one structured log line per progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Source errors
// are logged at warn level, everything else at debug except run boundaries.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		if !evt.Day.IsZero() {
			fields = append(fields, zap.String("day", evt.Day.Format(dayLayout)))
		}
		if evt.ArtifactID != "" {
			fields = append(fields, zap.String("artifact_id", evt.ArtifactID))
		}
		if evt.Count > 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageSourceError:
			s.logger.Warn("sync progress", fields...)
		case progress.StageRunStart, progress.StageRunDone, progress.StageSourceDone:
			s.logger.Info("sync progress", fields...)
		default:
			s.logger.Debug("sync progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
