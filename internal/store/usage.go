// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores per-completion token counts and aggregates them per duck for reports

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordUsage stores a token usage record.
func (s *SQLiteStore) RecordUsage(ctx context.Context, usage *UsageRecord) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO message_usage (
			id, guild_id, parent_channel_id, thread_id, user_id, duck_type, agent, engine,
			input_tokens, output_tokens, cached_tokens, reasoning_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.GuildID,
		usage.ParentChannelID,
		usage.ThreadID,
		usage.UserID,
		usage.DuckType,
		usage.Agent,
		usage.Engine,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CachedTokens,
		usage.ReasoningTokens,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"thread_id", usage.ThreadID,
		"agent", usage.Agent,
		"engine", usage.Engine,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetThreadUsage retrieves all usage records for a thread.
func (s *SQLiteStore) GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, guild_id, parent_channel_id, thread_id, user_id, duck_type, agent, engine,
		       input_tokens, output_tokens, cached_tokens, reasoning_tokens, created_at
		FROM message_usage
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*UsageRecord
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns usage totals grouped by duck, with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) ([]*UsageStats, error) {
	query := `
		SELECT
			duck_type,
			COUNT(*) AS requests,
			COUNT(DISTINCT thread_id) AS threads,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cached_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0)
		FROM message_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.DuckType != nil {
		query += " AND duck_type = ?"
		args = append(args, *filter.DuckType)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}
	query += " GROUP BY duck_type ORDER BY duck_type"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*UsageStats
	for rows.Next() {
		var st UsageStats
		if err := rows.Scan(
			&st.DuckType,
			&st.Requests,
			&st.Threads,
			&st.InputTokens,
			&st.OutputTokens,
			&st.CachedTokens,
			&st.ReasoningTokens,
		); err != nil {
			return nil, fmt.Errorf("scanning usage stats: %w", err)
		}
		out = append(out, &st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage stats: %w", err)
	}

	return out, nil
}

// scanUsage scans a single usage row into a UsageRecord.
func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var usage UsageRecord
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.GuildID,
		&usage.ParentChannelID,
		&usage.ThreadID,
		&usage.UserID,
		&usage.DuckType,
		&usage.Agent,
		&usage.Engine,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.CachedTokens,
		&usage.ReasoningTokens,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	usage.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}
