// ABOUTME: Chat transport contract used by sessions, the orchestrator and the feedback loop
// ABOUTME: Defines inbound message and reaction values plus the outbound Transport interface

package transport

import (
	"context"
	"time"
)

// Message is one inbound chat message.
type Message struct {
	ID         string
	GuildID    string
	ChannelID  string // room the message was posted in
	ThreadID   string // empty for top-level messages
	AuthorID   string
	AuthorName string
	Content    string
	// Attachments lists files sent with the message; sessions reject them.
	Attachments []Attachment
	SentAt      time.Time
}

// Attachment describes a file attached to an inbound message.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
}

// File is an outbound file upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Reaction is an inbound reaction to a message.
type Reaction struct {
	ChannelID string
	MessageID string
	UserID    string
	Symbol    string
}

// Transport is the outbound side of the chat platform.
//
// A channelID passed to the send methods may be either a channel or a thread ID
// returned by CreateThread.
type Transport interface {
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	SendFile(ctx context.Context, channelID string, file File) (string, error)
	CreateThread(ctx context.Context, parentChannelID, title string) (string, error)
	AddReaction(ctx context.Context, channelID, messageID, symbol string) error
	// Typing shows a typing indicator in channelID until stop is called.
	Typing(ctx context.Context, channelID string) (stop func())
	// Link returns a URL that opens messageID (or the channel when empty).
	Link(channelID, messageID string) string
}
