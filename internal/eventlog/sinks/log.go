package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// LogSink mirrors system log entries into the process log.
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

// Consume logs each entry at the matching zap level.
func (s *LogSink) Consume(_ context.Context, batch []lien.LogEntry) error {
	for _, e := range batch {
		fields := []zap.Field{
			zap.String("component", e.Component),
			zap.String("level_label", string(e.Level)),
			zap.Time("at", e.Timestamp),
		}
		if e.RunID != "" {
			fields = append(fields, zap.String("run_id", e.RunID))
		}
		if ce := s.logger.Check(zapLevel(e.Level), e.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func zapLevel(l lien.LogLevel) zapcore.Level {
	switch l {
	case lien.LevelWarning:
		return zapcore.WarnLevel
	case lien.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
