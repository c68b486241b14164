// ABOUTME: Routes inbound chat events to sessions, new conversations, or feedback reviews
// ABOUTME: Top-level duck-channel messages start sessions; thread messages reach or resume them

package duck

import (
	"context"
	"errors"
	"log/slog"

	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

// ReactionSink accepts reviewer reactions.
type ReactionSink interface {
	Submit(r transport.Reaction) bool
}

// Dispatcher is the inbound side of the orchestrator.
type Dispatcher struct {
	orchestrator *Orchestrator
	reviews      ReactionSink
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher. reviews may be nil when no feedback
// review is configured. Pass nil logger for default.
func NewDispatcher(o *Orchestrator, reviews ReactionSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orchestrator: o,
		reviews:      reviews,
		logger:       logger.With("component", "dispatcher"),
	}
}

// HandleMessage routes one inbound message. Messages outside duck channels
// and threads of closed conversations are ignored.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg transport.Message) error {
	if msg.ThreadID == "" {
		if _, ok := d.orchestrator.Duck(msg.ChannelID); !ok {
			return nil
		}
		_, err := d.orchestrator.Start(ctx, msg)
		return err
	}

	if d.orchestrator.Deliver(msg.ThreadID, msg) {
		return nil
	}

	err := d.orchestrator.Resume(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionExists):
		// Another message resumed the thread first.
		if !d.orchestrator.Deliver(msg.ThreadID, msg) {
			d.logger.Warn("dropped message for closing session", "thread_id", msg.ThreadID)
		}
		return nil
	case errors.Is(err, ErrNotResumable), errors.Is(err, ErrUnknownChannel):
		d.logger.Debug("ignoring message in inactive thread", "thread_id", msg.ThreadID)
		return nil
	default:
		return err
	}
}

// HandleReaction forwards a reaction to the feedback reviews.
func (d *Dispatcher) HandleReaction(ctx context.Context, r transport.Reaction) {
	if d.reviews == nil {
		return
	}
	if d.reviews.Submit(r) {
		d.logger.Debug("review reaction accepted", "message_id", r.MessageID, "user_id", r.UserID)
	}
}
