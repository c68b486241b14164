// ABOUTME: SQLite persistence for reviewer feedback on closed conversations
// ABOUTME: A NULL score means the reviewer chose to skip the conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordFeedback stores a reviewer's score.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, fb *FeedbackRecord) error {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}

	var score sql.NullInt64
	if fb.Score != nil {
		score = sql.NullInt64{Int64: int64(*fb.Score), Valid: true}
	}

	query := `
		INSERT INTO feedback (
			id, duck_type, guild_id, parent_channel_id, thread_id, user_id, reviewer_id, score, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		fb.ID,
		fb.DuckType,
		fb.GuildID,
		fb.ParentChannelID,
		fb.ThreadID,
		fb.UserID,
		fb.ReviewerID,
		score,
		fb.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}

	s.logger.Debug("recorded feedback", "thread_id", fb.ThreadID, "reviewer_id", fb.ReviewerID)
	return nil
}

// GetThreadFeedback returns the feedback recorded for a thread.
func (s *SQLiteStore) GetThreadFeedback(ctx context.Context, threadID string) ([]*FeedbackRecord, error) {
	query := `
		SELECT id, duck_type, guild_id, parent_channel_id, thread_id, user_id, reviewer_id, score, created_at
		FROM feedback
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FeedbackRecord
	for rows.Next() {
		var fb FeedbackRecord
		var score sql.NullInt64
		var createdAtStr string
		if err := rows.Scan(
			&fb.ID,
			&fb.DuckType,
			&fb.GuildID,
			&fb.ParentChannelID,
			&fb.ThreadID,
			&fb.UserID,
			&fb.ReviewerID,
			&score,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			fb.Score = &v
		}
		fb.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &fb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feedback: %w", err)
	}

	return out, nil
}
