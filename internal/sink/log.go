package sink

import (
	"context"
	"log/slog"
)

// LogSink writes escalations and KPI events to structured logs. It is the
// default backend when no broker is configured and a useful local fallback
// during development.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Escalate(_ context.Context, rec EscalationRecord) error {
	s.logger.Info("escalation queued",
		"conversation_id", rec.ConversationID,
		"transcript_ref", rec.TranscriptRef,
		"reason", rec.Reason,
		"priority", rec.Priority,
		"queue", rec.Queue)
	return nil
}

func (s *LogSink) Publish(_ context.Context, ev KPIEvent) error {
	s.logger.Debug("pipeline event",
		"conversation_id", ev.ConversationID,
		"turn_id", ev.TurnID,
		"stage", ev.Stage,
		"outcome", ev.Outcome,
		"duration_ms", ev.DurationMS)
	return nil
}
