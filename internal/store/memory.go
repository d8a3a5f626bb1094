package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store backend. It is the default for tests
// and the replay command; state does not survive a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*Conversation)}
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msg Message) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(conversationID, msg.Timestamp)
	msg.ConversationID = conversationID
	c.Turns = append(c.Turns, msg)
	c.UpdatedAt = msg.Timestamp
	return c.clone(), nil
}

func (s *MemoryStore) UpdateEntities(_ context.Context, conversationID string, entities map[string]string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(conversationID, time.Now().UTC())
	for k, v := range entities {
		c.Entities[k] = v
	}
	return c.clone(), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, conversationID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (s *MemoryStore) SetClarifications(_ context.Context, conversationID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.UnresolvedClarifications = n
	return nil
}

func (s *MemoryStore) RecordIntent(_ context.Context, conversationID string, label string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Intents = append(c.Intents, IntentRecord{Label: label, At: at})
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) getOrCreateLocked(conversationID string, now time.Time) *Conversation {
	c, ok := s.conversations[conversationID]
	if !ok {
		c = &Conversation{
			ID:        conversationID,
			Entities:  make(map[string]string),
			Status:    StatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.conversations[conversationID] = c
	}
	return c
}
