package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps conversation state in Redis: the turn list, an entities
// hash, a metadata hash, and the intent history list, all under per-key
// TTL when configured. Suited for deployments where several triage
// instances share conversation state.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration

	closer func() error
}

// NewRedisStore connects to addr and pings the server. ttl <= 0 disables
// key expiry.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: client, ttl: ttl, closer: client.Close}, nil
}

// NewRedisStoreWithClient wraps an existing client without pinging it.
// Closing the store leaves the client open; its owner closes it.
func NewRedisStoreWithClient(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, closer: func() error { return nil }}
}

func (s *RedisStore) messagesKey(id string) string { return "conversation:" + id + ":messages" }
func (s *RedisStore) metaKey(id string) string     { return "conversation:" + id + ":meta" }
func (s *RedisStore) entitiesKey(id string) string { return "conversation:" + id + ":entities" }
func (s *RedisStore) intentsKey(id string) string  { return "conversation:" + id + ":intents" }

func (s *RedisStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	meta, err := s.rdb.HGetAll(ctx, s.metaKey(conversationID)).Result()
	if err != nil {
		return Conversation{}, fmt.Errorf("loading conversation meta: %w", err)
	}
	if len(meta) == 0 {
		return Conversation{}, ErrNotFound
	}

	c := Conversation{
		ID:       conversationID,
		Status:   Status(meta["status"]),
		Entities: make(map[string]string),
	}
	if n, err := strconv.Atoi(meta["clarifications"]); err == nil {
		c.UnresolvedClarifications = n
	}
	if t, err := time.Parse(time.RFC3339, meta["created_at"]); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, meta["updated_at"]); err == nil {
		c.UpdatedAt = t
	}

	rows, err := s.rdb.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return Conversation{}, fmt.Errorf("loading conversation turns: %w", err)
	}
	for i, raw := range rows {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Conversation{}, fmt.Errorf("unmarshalling turn %d: %w", i, err)
		}
		c.Turns = append(c.Turns, m)
	}

	entities, err := s.rdb.HGetAll(ctx, s.entitiesKey(conversationID)).Result()
	if err != nil && err != redis.Nil {
		return Conversation{}, fmt.Errorf("loading entities: %w", err)
	}
	for k, v := range entities {
		c.Entities[k] = v
	}

	intents, err := s.rdb.LRange(ctx, s.intentsKey(conversationID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return Conversation{}, fmt.Errorf("loading intent history: %w", err)
	}
	for i, raw := range intents {
		var r IntentRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return Conversation{}, fmt.Errorf("unmarshalling intent record %d: %w", i, err)
		}
		c.Intents = append(c.Intents, r)
	}

	return c, nil
}

func (s *RedisStore) Append(ctx context.Context, conversationID string, msg Message) (Conversation, error) {
	msg.ConversationID = conversationID
	now := msg.Timestamp.UTC().Format(time.RFC3339)

	// Idempotent creation: seed metadata only when absent.
	metaKey := s.metaKey(conversationID)
	created, err := s.rdb.HSetNX(ctx, metaKey, "created_at", now).Result()
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation meta: %w", err)
	}
	if created {
		if err := s.rdb.HSet(ctx, metaKey, "status", string(StatusOpen), "clarifications", "0").Err(); err != nil {
			return Conversation{}, fmt.Errorf("seeding conversation meta: %w", err)
		}
	}
	if err := s.rdb.HSet(ctx, metaKey, "updated_at", now).Err(); err != nil {
		return Conversation{}, fmt.Errorf("touching conversation meta: %w", err)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return Conversation{}, fmt.Errorf("marshalling message: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.messagesKey(conversationID), b).Err(); err != nil {
		return Conversation{}, fmt.Errorf("appending message: %w", err)
	}

	s.touchTTL(ctx, conversationID)
	return s.Get(ctx, conversationID)
}

func (s *RedisStore) UpdateEntities(ctx context.Context, conversationID string, entities map[string]string) (Conversation, error) {
	if len(entities) > 0 {
		args := make([]any, 0, len(entities)*2)
		for k, v := range entities {
			args = append(args, k, v)
		}
		if err := s.rdb.HSet(ctx, s.entitiesKey(conversationID), args...).Err(); err != nil {
			return Conversation{}, fmt.Errorf("updating entities: %w", err)
		}
	}
	return s.Get(ctx, conversationID)
}

func (s *RedisStore) SetStatus(ctx context.Context, conversationID string, status Status) error {
	if err := s.requireExists(ctx, conversationID); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.metaKey(conversationID), "status", string(status)).Err()
}

func (s *RedisStore) SetClarifications(ctx context.Context, conversationID string, n int) error {
	if err := s.requireExists(ctx, conversationID); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.metaKey(conversationID), "clarifications", strconv.Itoa(n)).Err()
}

func (s *RedisStore) RecordIntent(ctx context.Context, conversationID string, label string, at time.Time) error {
	b, err := json.Marshal(IntentRecord{Label: label, At: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshalling intent record: %w", err)
	}
	return s.rdb.RPush(ctx, s.intentsKey(conversationID), b).Err()
}

func (s *RedisStore) Close() error { return s.closer() }

func (s *RedisStore) requireExists(ctx context.Context, conversationID string) error {
	n, err := s.rdb.Exists(ctx, s.metaKey(conversationID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// touchTTL extends expiry on all conversation keys. Failures are ignored;
// an unexpired key only means the conversation lives a little longer.
func (s *RedisStore) touchTTL(ctx context.Context, conversationID string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range []string{
		s.messagesKey(conversationID),
		s.metaKey(conversationID),
		s.entitiesKey(conversationID),
		s.intentsKey(conversationID),
	} {
		s.rdb.Expire(ctx, key, s.ttl)
	}
}
