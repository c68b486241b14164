// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message, usage and feedback persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Sessions record concurrently; WAL keeps readers from blocking them.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id         TEXT PRIMARY KEY,
			seq        INTEGER NOT NULL,
			guild_id   TEXT NOT NULL,
			thread_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('system', 'user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversation_messages_thread
			ON conversation_messages(thread_id, seq);

		CREATE TABLE IF NOT EXISTS message_usage (
			id                TEXT PRIMARY KEY,
			guild_id          TEXT NOT NULL,
			parent_channel_id TEXT NOT NULL,
			thread_id         TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			duck_type         TEXT NOT NULL,
			agent             TEXT NOT NULL,
			engine            TEXT NOT NULL,
			input_tokens      INTEGER NOT NULL DEFAULT 0,
			output_tokens     INTEGER NOT NULL DEFAULT 0,
			cached_tokens     INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_usage_thread ON message_usage(thread_id);
		CREATE INDEX IF NOT EXISTS idx_message_usage_duck ON message_usage(duck_type, created_at);

		CREATE TABLE IF NOT EXISTS feedback (
			id                TEXT PRIMARY KEY,
			duck_type         TEXT NOT NULL,
			guild_id          TEXT NOT NULL,
			parent_channel_id TEXT NOT NULL,
			thread_id         TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			reviewer_id       TEXT NOT NULL,
			score             INTEGER,
			created_at        TEXT NOT NULL,

			CHECK (score IS NULL OR (score BETWEEN 1 AND 5))
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_thread ON feedback(thread_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "message_usage",
			column: "reasoning_tokens",
			apply:  `ALTER TABLE message_usage ADD COLUMN reasoning_tokens INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordMessage appends one history entry for a thread. The per-thread
// sequence number preserves append order even when timestamps collide.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg *MessageRecord) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO conversation_messages (id, seq, guild_id, thread_id, user_id, role, content, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE thread_id = ?), ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadID,
		msg.GuildID,
		msg.ThreadID,
		msg.UserID,
		msg.Role,
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("recorded message", "thread_id", msg.ThreadID, "role", msg.Role)
	return nil
}

// GetThreadMessages returns the recorded history of a thread in append order.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string) ([]*MessageRecord, error) {
	query := `
		SELECT id, guild_id, thread_id, user_id, role, content, created_at
		FROM conversation_messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*MessageRecord
	for rows.Next() {
		var msg MessageRecord
		var createdAtStr string
		if err := rows.Scan(
			&msg.ID,
			&msg.GuildID,
			&msg.ThreadID,
			&msg.UserID,
			&msg.Role,
			&msg.Content,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

var _ Store = (*SQLiteStore)(nil)
