// ABOUTME: Lifecycle of one orchestrated session from routing to feedback hand-off
// ABOUTME: Maps each way a session can end onto user messages, operator reports and cleanup

package duck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/feedback"
	"github.com/beanlab/rubber-duck-sub000/internal/retry"
)

// Reason label used for sessions that ended on an unclassified error.
const reasonError = "error"

// closeTimeout bounds the cleanup of a closed conversation.
const closeTimeout = 30 * time.Second

func (o *Orchestrator) run(ctx context.Context, d *Duck, cc conversation.Context, opts conversation.Options) {
	defer o.release(cc.ThreadID)

	logger := o.logger.With("duck", d.Name, "thread_id", cc.ThreadID)
	o.deps.Metrics.SessionStarted()

	var (
		outcome conversation.Outcome
		err     error
	)
	route, err := d.Router.Begin(ctx, cc.ThreadID)
	if err == nil {
		opts.Introduction = d.Introduction
		opts.MaxHandoffsPerTurn = d.MaxHandoffsPerTurn
		completer := retry.New(o.deps.Backend, o.deps.Retry,
			retry.WithLogger(o.deps.Logger),
			retry.WithMetrics(o.deps.Metrics))

		session := conversation.NewSession(conversation.Deps{
			Transport: o.deps.Transport,
			Recorder:  o.deps.Recorder,
			Completer: completer,
			Route:     route,
			Inbox:     o.deps.Inboxes.Queue(cc.ThreadID),
			Metrics:   o.deps.Metrics,
			Events:    o.deps.Events,
			Logger:    o.deps.Logger,
		}, cc, opts)
		if opts.Resume && !route.Resumed() {
			logger.Warn("resumed conversation restarts at the starting agent", "agent", route.Agent().Name)
		}
		outcome, err = runSession(ctx, session)
	}

	if err != nil && ctx.Err() != nil {
		outcome, err = conversation.Outcome{Reason: conversation.ReasonCancelled}, nil
	}

	if err == nil && outcome.Reason == conversation.ReasonCancelled {
		// Shutdown: keep routing state so the thread can resume, and do not
		// close the conversation.
		o.deps.Metrics.SessionClosed(string(outcome.Reason))
		logger.Info("conversation interrupted", "turns", outcome.Turns)
		return
	}

	// The conversation is closed. A shutdown from here on must not cut the
	// cleanup short.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	o.closeInbox(cc.ThreadID)

	reason := string(outcome.Reason)
	switch {
	case err != nil:
		reason = reasonError
		o.reportError(closeCtx, d, cc, err)
	case outcome.Reason == conversation.ReasonFatal:
		o.reportFatal(closeCtx, d, cc, outcome.Err)
	}

	if route != nil {
		if err := route.Release(closeCtx); err != nil {
			logger.Error("releasing routing state", "error", err)
		}
	}

	if _, err := o.deps.Transport.SendMessage(closeCtx, cc.ThreadID, ClosedMessage); err != nil {
		logger.Error("sending closed message", "error", err)
	}

	if o.deps.Feedback != nil {
		err := o.deps.Feedback.Enqueue(closeCtx, feedback.Record{
			DuckType:        d.Name,
			GuildID:         cc.GuildID,
			ParentChannelID: cc.ParentChannelID,
			ThreadID:        cc.ThreadID,
			UserID:          cc.AuthorID,
		})
		switch {
		case errors.Is(err, feedback.ErrUnknownChannel):
			logger.Debug("no feedback review for this duck")
		case err != nil:
			logger.Error("enqueueing feedback", "error", err)
		}
	}

	o.deps.Metrics.SessionClosed(reason)
	logger.Info("conversation closed", "reason", reason, "turns", outcome.Turns)
}

// reportError surfaces an unclassified failure: a correlation code to the
// user and the full error to operators.
func (o *Orchestrator) reportError(ctx context.Context, d *Duck, cc conversation.Context, err error) {
	code := newCorrelationCode()
	o.logger.Error("conversation failed",
		"duck", d.Name,
		"thread_id", cc.ThreadID,
		"code", code,
		"error", err)

	if _, serr := o.deps.Transport.SendMessage(ctx, cc.ThreadID, fmt.Sprintf(errorMessage, code)); serr != nil {
		o.logger.Error("sending error message", "thread_id", cc.ThreadID, "error", serr)
	}
	o.report(ctx, fmt.Sprintf("**Error %s** in %s conversation with %s\n%s\n```\n%v\n```",
		code, d.Name, cc.AuthorID, o.deps.Transport.Link(cc.ThreadID, ""), err))
}

// reportFatal surfaces a classified backend failure: an apology to the user
// and the remediation hint to operators.
func (o *Orchestrator) reportFatal(ctx context.Context, d *Duck, cc conversation.Context, rerr *retry.Error) {
	o.logger.Error("conversation ended on fatal error",
		"duck", d.Name,
		"thread_id", cc.ThreadID,
		"hint", rerr.Hint,
		"error", rerr.Err)

	if _, err := o.deps.Transport.SendMessage(ctx, cc.ThreadID, FatalMessage); err != nil {
		o.logger.Error("sending fatal message", "thread_id", cc.ThreadID, "error", err)
	}
	o.report(ctx, fmt.Sprintf("**Fatal error** in %s conversation with %s\n%s\n%s\n```\n%v\n```",
		d.Name, cc.AuthorID, o.deps.Transport.Link(cc.ThreadID, ""), rerr.Hint, rerr.Err))
}

func (o *Orchestrator) report(ctx context.Context, text string) {
	if o.deps.AdminChannelID == "" {
		return
	}
	if _, err := o.deps.Transport.SendMessage(ctx, o.deps.AdminChannelID, text); err != nil {
		o.logger.Error("sending operator report", "error", err)
	}
}
