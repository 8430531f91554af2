package observe

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events as structured log lines. Failed events log at warn,
// everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "observe"))}
}

func (s *LogSink) Emit(_ context.Context, event Event) error {
	event.Normalize()
	level := zapcore.DebugLevel
	if event.Failed() {
		level = zapcore.WarnLevel
	}
	ce := s.logger.Check(level, event.Name)
	if ce == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("status", string(event.Status)),
	}
	if event.JobID != "" {
		fields = append(fields, zap.String("job_id", event.JobID))
	}
	if event.FlowID != "" {
		fields = append(fields, zap.String("flow_id", event.FlowID))
	}
	if event.ChatID != "" {
		fields = append(fields, zap.String("chat_id", event.ChatID))
	}
	if event.Provider != "" {
		fields = append(fields, zap.String("provider", event.Provider))
	}
	if event.ToolName != "" {
		fields = append(fields, zap.String("tool", event.ToolName))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("duration_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", event.Attributes))
	}
	ce.Write(fields...)
	return nil
}
