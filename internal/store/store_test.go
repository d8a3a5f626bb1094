package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backends lists every Store implementation, so each contract test runs
// against all of them. Redis runs against an in-process miniredis server.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  NewRedisStoreWithClient(redisClient(t), 0),
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func msg(conversationID, turnID, text string, at time.Time) Message {
	return Message{
		TurnID:         turnID,
		ConversationID: conversationID,
		Sender:         SenderCustomer,
		Text:           text,
		Timestamp:      at,
	}
}

func TestGet_UnknownConversation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppend_CreatesConversation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			c, err := s.Append(context.Background(), "c1", msg("c1", "t1", "hello", now))
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if c.Status != StatusOpen {
				t.Errorf("Status = %q, want %q", c.Status, StatusOpen)
			}
			if len(c.Turns) != 1 || c.Turns[0].Text != "hello" {
				t.Errorf("Turns = %+v, want single 'hello' turn", c.Turns)
			}
			if c.UnresolvedClarifications != 0 {
				t.Errorf("UnresolvedClarifications = %d, want 0", c.UnresolvedClarifications)
			}
		})
	}
}

func TestAppend_OrderPreserved(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("t%d", i)
				if _, err := s.Append(ctx, "c1", msg("c1", id, fmt.Sprintf("turn %d", i), now.Add(time.Duration(i)*time.Second))); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
			}

			c, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(c.Turns) != 5 {
				t.Fatalf("len(Turns) = %d, want 5", len(c.Turns))
			}
			for i, turn := range c.Turns {
				if want := fmt.Sprintf("turn %d", i); turn.Text != want {
					t.Errorf("Turns[%d].Text = %q, want %q", i, turn.Text, want)
				}
			}
		})
	}
}

func TestUpdateEntities_OverwritesLatest(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			if _, err := s.Append(ctx, "c1", msg("c1", "t1", "order 100", now)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			if _, err := s.UpdateEntities(ctx, "c1", map[string]string{"order_id": "100", "amount": "20"}); err != nil {
				t.Fatalf("UpdateEntities: %v", err)
			}
			c, err := s.UpdateEntities(ctx, "c1", map[string]string{"order_id": "200"})
			if err != nil {
				t.Fatalf("UpdateEntities: %v", err)
			}

			if c.Entities["order_id"] != "200" {
				t.Errorf("order_id = %q, want 200 (most recent wins)", c.Entities["order_id"])
			}
			if c.Entities["amount"] != "20" {
				t.Errorf("amount = %q, want 20 (untouched keys preserved)", c.Entities["amount"])
			}
		})
	}
}

func TestSetStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			if _, err := s.Append(ctx, "c1", msg("c1", "t1", "hi", now)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			if err := s.SetStatus(ctx, "c1", StatusEscalated); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			c, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if c.Status != StatusEscalated {
				t.Errorf("Status = %q, want %q", c.Status, StatusEscalated)
			}

			if err := s.SetStatus(ctx, "missing", StatusClosed); !errors.Is(err, ErrNotFound) {
				t.Errorf("SetStatus(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSetClarifications(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			if _, err := s.Append(ctx, "c1", msg("c1", "t1", "hi", now)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			if err := s.SetClarifications(ctx, "c1", 3); err != nil {
				t.Fatalf("SetClarifications: %v", err)
			}
			c, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if c.UnresolvedClarifications != 3 {
				t.Errorf("UnresolvedClarifications = %d, want 3", c.UnresolvedClarifications)
			}

			// Reset is idempotent.
			for i := 0; i < 2; i++ {
				if err := s.SetClarifications(ctx, "c1", 0); err != nil {
					t.Fatalf("SetClarifications reset: %v", err)
				}
			}
			c, _ = s.Get(ctx, "c1")
			if c.UnresolvedClarifications != 0 {
				t.Errorf("UnresolvedClarifications after reset = %d, want 0", c.UnresolvedClarifications)
			}
		})
	}
}

func TestRecordIntent_History(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			if _, err := s.Append(ctx, "c1", msg("c1", "t1", "refund please", now)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			for i := 0; i < 3; i++ {
				if err := s.RecordIntent(ctx, "c1", "refund_request", now.Add(time.Duration(i)*time.Minute)); err != nil {
					t.Fatalf("RecordIntent: %v", err)
				}
			}

			c, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(c.Intents) != 3 {
				t.Fatalf("len(Intents) = %d, want 3", len(c.Intents))
			}
			if c.Intents[0].Label != "refund_request" {
				t.Errorf("Intents[0].Label = %q, want refund_request", c.Intents[0].Label)
			}
			if !c.Intents[0].At.Before(c.Intents[2].At) {
				t.Errorf("intent history not in append order: %+v", c.Intents)
			}
		})
	}
}

func TestRedisStore_TTLExpiresIdleConversations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStoreWithClient(client, time.Hour)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := s.Append(ctx, "c1", msg("c1", "t1", "hi", now)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mr.FastForward(30 * time.Minute)
	if _, err := s.Get(ctx, "c1"); err != nil {
		t.Fatalf("conversation expired before its TTL: %v", err)
	}

	// A new message resets the clock.
	if _, err := s.Append(ctx, "c1", msg("c1", "t2", "still there?", now.Add(30*time.Minute))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.FastForward(45 * time.Minute)
	if _, err := s.Get(ctx, "c1"); err != nil {
		t.Fatalf("TTL was not extended by the second append: %v", err)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after TTL expiry error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ReturnedStateIsACopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := s.Append(ctx, "c1", msg("c1", "t1", "hi", now))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	c.Entities["order_id"] = "tampered"
	c.Turns[0].Text = "tampered"

	fresh, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := fresh.Entities["order_id"]; ok {
		t.Error("mutating returned entities leaked into the store")
	}
	if fresh.Turns[0].Text != "hi" {
		t.Error("mutating returned turns leaked into the store")
	}
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock()

	var mu sync.Mutex
	var order []int
	var inCritical bool

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release := l.Acquire("c1")
			defer release()

			mu.Lock()
			if inCritical {
				t.Error("two goroutines inside the same-key critical section")
			}
			inCritical = true
			order = append(order, n)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical = false
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(order) != 20 {
		t.Errorf("len(order) = %d, want 20", len(order))
	}
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyLock()

	releaseA := l.Acquire("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := l.Acquire("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire on a different key blocked behind an unrelated lock")
	}
}
