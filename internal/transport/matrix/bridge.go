// ABOUTME: Matrix sync loop that turns room events into transport messages and reactions
// ABOUTME: Drops own events, replays from before startup and duplicates redelivered by sync

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/beanlab/rubber-duck-sub000/internal/dedupe"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

const (
	dedupeTTL  = 10 * time.Minute
	dedupeSize = 10000
)

// Handler receives inbound events.
type Handler interface {
	HandleMessage(ctx context.Context, msg transport.Message) error
	HandleReaction(ctx context.Context, r transport.Reaction)
}

// Bridge runs the sync loop of a Client and dispatches to a Handler.
type Bridge struct {
	client  *Client
	handler Handler
	seen    *dedupe.Cache
	started time.Time
	synced  atomic.Bool
	logger  *slog.Logger

	// ctx outlives individual sync callbacks.
	ctx context.Context
}

// NewBridge connects client to handler.
func NewBridge(client *Client, handler Handler, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:  client,
		handler: handler,
		seen:    dedupe.New(dedupeTTL, dedupeSize),
		logger:  logger.With("component", "matrix_bridge"),
	}
}

// Ready returns nil once the first sync response was processed.
func (b *Bridge) Ready() error {
	if !b.synced.Load() {
		return fmt.Errorf("matrix sync not yet established")
	}
	return nil
}

// Run syncs until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx
	b.started = time.Now()

	syncer, ok := b.client.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.EventReaction, b.handleReactionEvent)
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		b.synced.Store(true)
		return true
	})

	b.logger.Info("connecting to matrix homeserver", "user_id", b.client.userID.String())

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.matrix.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.client.matrix.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	if !b.accept(evt) {
		return
	}
	msg, ok := toMessage(evt)
	if !ok {
		return
	}

	b.logger.Debug("received message",
		"room", msg.ChannelID,
		"thread_id", msg.ThreadID,
		"sender", msg.AuthorID,
	)

	// Thread replies only queue into a live session, so they stay on the sync
	// goroutine and keep their order. Starting a session talks to the
	// homeserver and must not block sync.
	if msg.ThreadID != "" {
		b.dispatch(msg)
		return
	}
	go b.dispatch(msg)
}

func (b *Bridge) dispatch(msg transport.Message) {
	if err := b.handler.HandleMessage(b.ctx, msg); err != nil {
		b.logger.Error("handling message", "room", msg.ChannelID, "event_id", msg.ID, "error", err)
	}
}

func (b *Bridge) handleReactionEvent(_ context.Context, evt *event.Event) {
	if !b.accept(evt) {
		return
	}
	r, ok := toReaction(evt)
	if !ok {
		return
	}
	b.handler.HandleReaction(b.ctx, r)
}

// accept filters own events, history from before startup, and redeliveries.
func (b *Bridge) accept(evt *event.Event) bool {
	if evt.Sender == b.client.userID {
		return false
	}
	if time.UnixMilli(evt.Timestamp).Before(b.started) {
		return false
	}
	return !b.seen.Seen(evt.ID.String())
}

// toMessage converts a room message. Edits and non-content events are
// skipped.
func toMessage(evt *event.Event) (transport.Message, bool) {
	content := evt.Content.AsMessage()
	if content == nil || content.NewContent != nil {
		return transport.Message{}, false
	}

	msg := transport.Message{
		ID:         evt.ID.String(),
		ChannelID:  evt.RoomID.String(),
		AuthorID:   evt.Sender.String(),
		AuthorName: evt.Sender.Localpart(),
		SentAt:     time.UnixMilli(evt.Timestamp),
	}
	if root := content.RelatesTo.GetThreadParent(); root != "" {
		msg.ThreadID = ThreadID(evt.RoomID.String(), root.String())
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		msg.Content = content.Body
	case event.MsgFile, event.MsgImage, event.MsgAudio, event.MsgVideo:
		att := transport.Attachment{Filename: content.GetFileName()}
		if content.Info != nil {
			att.MimeType = content.Info.MimeType
			att.Size = int64(content.Info.Size)
		}
		msg.Attachments = []transport.Attachment{att}
		if content.FileName != "" && content.Body != content.FileName {
			msg.Content = content.Body
		}
	default:
		return transport.Message{}, false
	}
	return msg, true
}

func toReaction(evt *event.Event) (transport.Reaction, bool) {
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.Type != event.RelAnnotation {
		return transport.Reaction{}, false
	}
	return transport.Reaction{
		ChannelID: evt.RoomID.String(),
		MessageID: content.RelatesTo.EventID.String(),
		UserID:    evt.Sender.String(),
		Symbol:    content.RelatesTo.Key,
	}, true
}
