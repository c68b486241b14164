// ABOUTME: Review loop: one record at a time, prompt a reviewer, wait for a score or requeue
// ABOUTME: The record under review stays at the queue head so a restart resumes the same review

package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/store"
)

// errorBackoff spaces out retries after storage or transport failures.
var errorBackoff = 5 * time.Second

// reviewState remembers the prompt posted for the record at a queue head.
type reviewState struct {
	ReviewThreadID string    `json:"review_thread_id"`
	MessageID      string    `json:"message_id"`
	PostedAt       time.Time `json:"posted_at"`
}

func reviewKey(threadID string) string {
	return "feedback:review:" + threadID
}

func (m *Manager) loop(ctx context.Context, t Target) {
	name := queueName(t.ChannelID)
	logger := m.logger.With("channel_id", t.ChannelID)

	for ctx.Err() == nil {
		raw, ok, err := m.store.Peek(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("reading feedback queue", "error", err)
				sleep(ctx, errorBackoff)
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
			case <-m.wake[t.ChannelID]:
			}
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Error("dropping unreadable feedback record", "error", err)
			if _, _, err := m.store.Pop(ctx, name); err != nil {
				logger.Error("removing unreadable feedback record", "error", err)
				sleep(ctx, errorBackoff)
			}
			continue
		}

		if err := m.review(ctx, t, rec); err != nil && ctx.Err() == nil {
			logger.Error("feedback review failed", "thread_id", rec.ThreadID, "error", err)
			sleep(ctx, errorBackoff)
		}
	}
}

// review runs one record to completion: scored, skipped, or requeued.
func (m *Manager) review(ctx context.Context, t Target, rec Record) error {
	st, err := m.prompt(ctx, t, rec)
	if err != nil {
		return err
	}
	scores := m.scores.Queue(st.MessageID)
	defer m.scores.Remove(st.MessageID)

	deadline := st.PostedAt.Add(t.Timeout)
	for {
		remaining := deadline.Sub(m.now())
		var (
			s  Score
			ok bool
		)
		if remaining > 0 {
			s, ok, err = scores.Get(ctx, remaining)
			if err != nil {
				return err
			}
		}
		if !ok {
			return m.requeue(ctx, t, rec)
		}
		if s.ReviewerID == rec.UserID {
			m.logger.Debug("ignoring score from conversation author", "thread_id", rec.ThreadID)
			continue
		}
		return m.complete(ctx, t, rec, st, s)
	}
}

// prompt posts the review request, or returns the one already posted for
// this record before a restart.
func (m *Manager) prompt(ctx context.Context, t Target, rec Record) (*reviewState, error) {
	key := reviewKey(rec.ThreadID)
	raw, ok, err := m.store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading review state: %w", err)
	}
	if ok {
		var st reviewState
		if err := json.Unmarshal(raw, &st); err == nil {
			m.scores.Queue(st.MessageID)
			return &st, nil
		}
		m.logger.Warn("discarding unreadable review state", "thread_id", rec.ThreadID)
	}

	title := fmt.Sprintf("Feedback: %s conversation with %s", rec.DuckType, rec.UserID)
	reviewThread, err := m.transport.CreateThread(ctx, t.ReviewChannelID, title)
	if err != nil {
		return nil, fmt.Errorf("creating review thread: %w", err)
	}

	text := fmt.Sprintf("Please rate this conversation from 1 to 5, or react %s to skip.\n%s",
		SkipSymbol, m.transport.Link(rec.ThreadID, ""))
	msgID, err := m.transport.SendMessage(ctx, reviewThread, text)
	if err != nil {
		return nil, fmt.Errorf("posting review prompt: %w", err)
	}
	m.scores.Queue(msgID)

	for _, symbol := range slices.Concat(scoreSymbols, []string{SkipSymbol}) {
		if err := m.transport.AddReaction(ctx, reviewThread, msgID, symbol); err != nil {
			m.logger.Warn("seeding review reaction", "symbol", symbol, "error", err)
		}
	}

	st := &reviewState{ReviewThreadID: reviewThread, MessageID: msgID, PostedAt: m.now()}
	raw, err = json.Marshal(st)
	if err != nil {
		return nil, err
	}
	if err := m.store.Write(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("saving review state: %w", err)
	}
	if _, err := m.transport.SendMessage(ctx, rec.ThreadID,
		"A TA can review this conversation here: "+m.transport.Link(reviewThread, msgID)); err != nil {
		m.logger.Warn("linking review into conversation", "thread_id", rec.ThreadID, "error", err)
	}
	m.logger.Info("review requested", "thread_id", rec.ThreadID, "review_thread_id", reviewThread)
	return st, nil
}

// complete records the score and removes the record from the queue.
func (m *Manager) complete(ctx context.Context, t Target, rec Record, st *reviewState, s Score) error {
	err := m.recorder.RecordFeedback(ctx, &store.FeedbackRecord{
		DuckType:        rec.DuckType,
		GuildID:         rec.GuildID,
		ParentChannelID: rec.ParentChannelID,
		ThreadID:        rec.ThreadID,
		UserID:          rec.UserID,
		ReviewerID:      s.ReviewerID,
		Score:           s.Value,
	})
	if err != nil {
		return fmt.Errorf("recording feedback: %w", err)
	}
	if _, _, err := m.store.Pop(ctx, queueName(t.ChannelID)); err != nil {
		return fmt.Errorf("removing reviewed record: %w", err)
	}
	if err := m.store.Delete(ctx, reviewKey(rec.ThreadID)); err != nil {
		m.logger.Warn("deleting review state", "thread_id", rec.ThreadID, "error", err)
	}

	outcome, ack := "skipped", "Skipped. Thanks!"
	if s.Value != nil {
		outcome, ack = "scored", fmt.Sprintf("Thanks! Recorded a score of %d.", *s.Value)
	}
	m.metrics.FeedbackResult(outcome)
	if _, err := m.transport.SendMessage(ctx, st.ReviewThreadID, ack); err != nil {
		m.logger.Warn("acknowledging review", "error", err)
	}
	m.logger.Info("feedback recorded", "thread_id", rec.ThreadID, "reviewer_id", s.ReviewerID, "outcome", outcome)
	return nil
}

// requeue moves the record to the back of its queue after the reviewer
// timed out. The next pass posts a fresh prompt.
func (m *Manager) requeue(ctx context.Context, t Target, rec Record) error {
	if err := m.store.Rotate(ctx, queueName(t.ChannelID)); err != nil {
		return fmt.Errorf("requeueing feedback: %w", err)
	}
	if err := m.store.Delete(ctx, reviewKey(rec.ThreadID)); err != nil {
		m.logger.Warn("deleting review state", "thread_id", rec.ThreadID, "error", err)
	}
	m.metrics.FeedbackResult("requeued")
	m.logger.Info("review timed out, requeued", "thread_id", rec.ThreadID, "timeout", t.Timeout)
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
