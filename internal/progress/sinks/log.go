package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/progress"
)

// LogSink emits one structured log line per scan event.
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

// Consume logs each event in the batch using structured fields. Page events
// log at debug level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("snapshot_id", evt.SnapshotID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("done", evt.Done),
			zap.Int("total", evt.Total),
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", evt.Phase))
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("via", evt.Via),
				zap.Bool("changed", evt.Changed),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePageDone:
			s.logger.Debug("scan progress", fields...)
		case progress.StagePageDropped, progress.StageScanFailed:
			s.logger.Warn("scan progress", fields...)
		default:
			s.logger.Info("scan progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
