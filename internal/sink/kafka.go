package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes escalation records and KPI events to two topics,
// keyed by conversation ID so all events for one conversation land on the
// same partition in order.
type KafkaSink struct {
	escalations *kafka.Writer
	events      *kafka.Writer
}

func NewKafkaSink(brokers []string, escalationTopic, eventTopic string) *KafkaSink {
	return &KafkaSink{
		escalations: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        escalationTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		events: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    eventTopic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (s *KafkaSink) Escalate(ctx context.Context, rec EscalationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal escalation record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.ConversationID),
		Value: data,
	}
	if err := s.escalations.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write escalation record: %w", err)
	}
	return nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev KPIEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal kpi event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: data,
	}
	if err := s.events.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kpi event: %w", err)
	}
	return nil
}

// Close flushes and closes both writers.
func (s *KafkaSink) Close() error {
	if err := s.escalations.Close(); err != nil {
		return err
	}
	return s.events.Close()
}
