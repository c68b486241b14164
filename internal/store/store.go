// ABOUTME: Recorder interface and record types for conversation accounting
// ABOUTME: Defines message, usage and feedback rows written by sessions and the review loop

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message roles as recorded.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageRecord is one entry of a conversation history as it was appended.
type MessageRecord struct {
	ID        string
	GuildID   string
	ThreadID  string
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// UsageRecord is the token accounting for one backend completion.
type UsageRecord struct {
	ID              string
	GuildID         string
	ParentChannelID string
	ThreadID        string
	UserID          string
	DuckType        string
	Agent           string
	Engine          string // model that served the request
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64
	CreatedAt       time.Time
}

// FeedbackRecord is a reviewer's verdict on one closed conversation.
type FeedbackRecord struct {
	ID              string
	DuckType        string
	GuildID         string
	ParentChannelID string
	ThreadID        string
	UserID          string // original author
	ReviewerID      string
	Score           *int // nil when the reviewer skipped
	CreatedAt       time.Time
}

// UsageFilter restricts GetUsageStats.
type UsageFilter struct {
	DuckType *string
	Since    *time.Time
	Until    *time.Time
}

// UsageStats aggregates usage rows.
type UsageStats struct {
	DuckType        string
	Requests        int64
	Threads         int64
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64
}

// Recorder receives the accounting side effects of a conversation. Calls are
// made in history order and are never undone.
type Recorder interface {
	RecordMessage(ctx context.Context, msg *MessageRecord) error
	RecordUsage(ctx context.Context, usage *UsageRecord) error
	RecordFeedback(ctx context.Context, fb *FeedbackRecord) error
}

// Store is the full persistence surface: recording plus the read queries
// used by reports.
type Store interface {
	Recorder

	GetThreadMessages(ctx context.Context, threadID string) ([]*MessageRecord, error)
	GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) ([]*UsageStats, error)
	GetThreadFeedback(ctx context.Context, threadID string) ([]*FeedbackRecord, error)

	Close() error
}
