package sink

import (
	"context"
	"time"

	"github.com/relaydesk/triage/internal/escalation"
)

// EscalationRecord is what reaches the human queue: enough to route and
// triage, with a reference back to the full transcript rather than an
// inline copy.
type EscalationRecord struct {
	ConversationID string              `json:"conversation_id"`
	TranscriptRef  string              `json:"transcript_ref"`
	Reason         escalation.Reason   `json:"reason"`
	Priority       escalation.Priority `json:"priority"`
	Queue          string              `json:"queue"`
	At             time.Time           `json:"at"`
}

// KPIEvent is an append-only pipeline observation published per stage and
// per terminal outcome.
type KPIEvent struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Stage          string    `json:"stage"`
	Outcome        string    `json:"outcome,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	At             time.Time `json:"at"`
}

// EscalationSink delivers escalation records to a human queue backend.
type EscalationSink interface {
	Escalate(ctx context.Context, rec EscalationRecord) error
}

// EventSink receives KPI events. Delivery is best-effort; the pipeline
// never fails a turn on sink errors.
type EventSink interface {
	Publish(ctx context.Context, ev KPIEvent) error
}
