package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested conversation does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAutoResolved Status = "auto_resolved"
	StatusEscalated    Status = "escalated"
	StatusClosed       Status = "closed"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderSystem   Sender = "system"
)

// Message is a single conversation turn. Immutable once appended.
type Message struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// IntentRecord is one classified intent in a conversation's history,
// used for repeat-issue pattern detection.
type IntentRecord struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Conversation holds the full per-conversation state: ordered turns,
// most-recently-extracted entities, and clarification bookkeeping.
type Conversation struct {
	ID                       string            `json:"id"`
	Turns                    []Message         `json:"turns"`
	Entities                 map[string]string `json:"entities"`
	Intents                  []IntentRecord    `json:"intents,omitempty"`
	UnresolvedClarifications int               `json:"unresolved_clarifications"`
	Status                   Status            `json:"status"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

// Store is the conversation persistence contract. Implementations guarantee
// read-after-write consistency for a single conversation; cross-conversation
// consistency is not required. Append on an unknown conversation creates it.
type Store interface {
	Get(ctx context.Context, conversationID string) (Conversation, error)
	Append(ctx context.Context, conversationID string, msg Message) (Conversation, error)
	UpdateEntities(ctx context.Context, conversationID string, entities map[string]string) (Conversation, error)
	SetStatus(ctx context.Context, conversationID string, status Status) error
	SetClarifications(ctx context.Context, conversationID string, n int) error
	RecordIntent(ctx context.Context, conversationID string, label string, at time.Time) error
	Close() error
}

// clone returns a deep copy so callers can't mutate stored state through
// the returned value.
func (c Conversation) clone() Conversation {
	out := c
	out.Turns = make([]Message, len(c.Turns))
	copy(out.Turns, c.Turns)
	out.Intents = make([]IntentRecord, len(c.Intents))
	copy(out.Intents, c.Intents)
	out.Entities = make(map[string]string, len(c.Entities))
	for k, v := range c.Entities {
		out.Entities[k] = v
	}
	return out
}
