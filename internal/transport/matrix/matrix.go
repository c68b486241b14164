// ABOUTME: Matrix implementation of the chat transport using mautrix
// ABOUTME: Threads are m.thread relations addressed as "<room>|<root event>"

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

const (
	// typingTimeout is how long one typing notice lasts on the homeserver.
	typingTimeout = 30 * time.Second

	// networkTimeout bounds typing and reaction calls.
	networkTimeout = 10 * time.Second

	// threadSeparator joins room and root event into a thread ID.
	threadSeparator = "|"
)

// Config holds the Matrix login for a Client.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client sends to and receives from Matrix rooms.
type Client struct {
	matrix *mautrix.Client
	userID id.UserID
	logger *slog.Logger
}

var _ transport.Transport = (*Client)(nil)

// New creates a Matrix client. Nothing is sent until a method is called.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Client{
		matrix: client,
		userID: id.UserID(cfg.UserID),
		logger: logger.With("component", "matrix"),
	}, nil
}

// ThreadID builds the thread address for a root event in a room.
func ThreadID(roomID, rootEventID string) string {
	return roomID + threadSeparator + rootEventID
}

// SplitThreadID splits a channel or thread address into room and thread
// root. root is empty for plain rooms.
func SplitThreadID(channelID string) (room id.RoomID, root id.EventID) {
	r, e, _ := strings.Cut(channelID, threadSeparator)
	return id.RoomID(r), id.EventID(e)
}

// SendMessage posts markdown text to a room or thread.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	room, root := SplitThreadID(channelID)
	content := renderMarkdown(text)
	inThread(&content, root)

	resp, err := c.matrix.SendMessageEvent(ctx, room, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("sending message to %s: %w", room, err)
	}
	return resp.EventID.String(), nil
}

// SendFile uploads file to the media repository and posts it.
func (c *Client) SendFile(ctx context.Context, channelID string, file transport.File) (string, error) {
	room, root := SplitThreadID(channelID)

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	upload, err := c.matrix.UploadBytesWithName(ctx, file.Data, mimeType, file.Name)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", file.Name, err)
	}

	content := event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     file.Name,
		FileName: file.Name,
		URL:      upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(file.Data),
		},
	}
	inThread(&content, root)

	resp, err := c.matrix.SendMessageEvent(ctx, room, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("sending file to %s: %w", room, err)
	}
	return resp.EventID.String(), nil
}

// CreateThread posts title as a thread root in the parent room and returns
// the thread's address.
func (c *Client) CreateThread(ctx context.Context, parentChannelID, title string) (string, error) {
	room, _ := SplitThreadID(parentChannelID)
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    title,
	}
	resp, err := c.matrix.SendMessageEvent(ctx, room, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("creating thread in %s: %w", room, err)
	}
	return ThreadID(room.String(), resp.EventID.String()), nil
}

// AddReaction annotates messageID with symbol.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, symbol string) error {
	room, _ := SplitThreadID(channelID)
	if _, err := c.matrix.SendReaction(ctx, room, id.EventID(messageID), symbol); err != nil {
		return fmt.Errorf("reacting in %s: %w", room, err)
	}
	return nil
}

// Typing keeps a typing notice up in the room until stop is called.
func (c *Client) Typing(ctx context.Context, channelID string) func() {
	room, _ := SplitThreadID(channelID)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingTimeout / 2)
		defer ticker.Stop()
		for {
			c.setTyping(room, true)
			select {
			case <-ctx.Done():
				c.setTyping(room, false)
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// setTyping uses its own timeout so the notice is cleared during shutdown.
func (c *Client) setTyping(room id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := c.matrix.UserTyping(ctx, room, typing, timeout); err != nil {
		c.logger.Debug("failed to set typing indicator", "room", room.String(), "error", err)
	}
}

// Link returns a matrix.to permalink.
func (c *Client) Link(channelID, messageID string) string {
	room, root := SplitThreadID(channelID)
	target := id.EventID(messageID)
	if target == "" {
		target = root
	}
	if target == "" {
		return "https://matrix.to/#/" + room.String()
	}
	return "https://matrix.to/#/" + room.String() + "/" + target.String()
}

// renderMarkdown returns text with an HTML rendering. Plain text is sent
// without a formatted body.
func renderMarkdown(text string) event.MessageEventContent {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return content
	}
	html := strings.TrimSpace(buf.String())
	if html == "<p>"+text+"</p>" {
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = html
	return content
}

func inThread(content *event.MessageEventContent, root id.EventID) {
	if root == "" {
		return
	}
	content.RelatesTo = (&event.RelatesTo{}).SetThread(root, root)
}
