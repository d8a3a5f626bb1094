package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable Store backend. Conversations, messages, and
// intent history live in a single SQLite database under dataDir.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "triage.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	var entitiesJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, entities, unresolved_clarifications, created_at, updated_at
		FROM conversations WHERE id = ?`, conversationID,
	).Scan(&c.ID, &c.Status, &entitiesJSON, &c.UnresolvedClarifications, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	if err := json.Unmarshal([]byte(entitiesJSON), &c.Entities); err != nil {
		return Conversation{}, fmt.Errorf("parsing entities for %s: %w", conversationID, err)
	}
	if c.Entities == nil {
		c.Entities = make(map[string]string)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	if c.Turns, err = s.loadTurns(ctx, conversationID); err != nil {
		return Conversation{}, err
	}
	if c.Intents, err = s.loadIntents(ctx, conversationID); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, sender, text, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY position ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Message
	for rows.Next() {
		m := Message{ConversationID: conversationID}
		var ts string
		if err := rows.Scan(&m.TurnID, &m.Sender, &m.Text, &ts); err != nil {
			return nil, err
		}
		if m.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp for turn %s: %w", m.TurnID, err)
		}
		turns = append(turns, m)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) loadIntents(ctx context.Context, conversationID string) ([]IntentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, at FROM intent_history
		WHERE conversation_id = ? ORDER BY id ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IntentRecord
	for rows.Next() {
		var r IntentRecord
		var at string
		if err := rows.Scan(&r.Label, &at); err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("parsing intent timestamp: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg Message) (Conversation, error) {
	ts := msg.Timestamp.UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotent creation: unknown conversation is created, not an error.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, status, entities, unresolved_clarifications, created_at, updated_at)
		VALUES (?, 'open', '{}', 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, ts, ts,
	); err != nil {
		return Conversation{}, fmt.Errorf("upserting conversation: %w", err)
	}

	var position int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&position); err != nil {
		return Conversation{}, fmt.Errorf("counting turns: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (turn_id, conversation_id, position, sender, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.TurnID, conversationID, position, msg.Sender, msg.Text, ts,
	); err != nil {
		return Conversation{}, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("committing append: %w", err)
	}
	return s.Get(ctx, conversationID)
}

func (s *SQLiteStore) UpdateEntities(ctx context.Context, conversationID string, entities map[string]string) (Conversation, error) {
	c, err := s.Get(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	for k, v := range entities {
		c.Entities[k] = v
	}

	b, err := json.Marshal(c.Entities)
	if err != nil {
		return Conversation{}, fmt.Errorf("marshalling entities: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET entities = ?, updated_at = ? WHERE id = ?`,
		string(b), now, conversationID,
	); err != nil {
		return Conversation{}, err
	}
	return s.Get(ctx, conversationID)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, conversationID string, status Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, conversationID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetClarifications(ctx context.Context, conversationID string, n int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unresolved_clarifications = ?, updated_at = ? WHERE id = ?`,
		n, now, conversationID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecordIntent(ctx context.Context, conversationID string, label string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intent_history (conversation_id, label, at) VALUES (?, ?, ?)`,
		conversationID, label, at.UTC().Format(time.RFC3339),
	)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
