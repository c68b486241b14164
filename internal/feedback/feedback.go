// ABOUTME: Durable per-channel queues of closed conversations awaiting human review
// ABOUTME: Manager enqueues records at session close and routes reviewer reactions to the waiting loop

package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
	"github.com/beanlab/rubber-duck-sub000/internal/queue"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

// ErrUnknownChannel is returned by Enqueue for a channel with no review target.
var ErrUnknownChannel = errors.New("no feedback target for channel")

// DefaultTimeout is how long a reviewer has to score one conversation.
const DefaultTimeout = 7 * 24 * time.Hour

// SkipSymbol records a review without a score.
const SkipSymbol = "⏭️"

var scoreSymbols = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣"}

// Record identifies one closed conversation to review.
type Record struct {
	DuckType        string `json:"duck_type"`
	GuildID         string `json:"guild_id"`
	ParentChannelID string `json:"parent_channel_id"`
	ThreadID        string `json:"thread_id"`
	UserID          string `json:"user_id"`
}

// Target routes records from a duck channel to a review channel.
type Target struct {
	ChannelID       string
	ReviewChannelID string
	Timeout         time.Duration
}

// Score is one reviewer submission. Value is nil for a skip.
type Score struct {
	MessageID  string
	ReviewerID string
	Value      *int
}

// ParseScore maps a reaction symbol to a score. ok is false for symbols
// that are not part of the review prompt.
func ParseScore(symbol string) (value *int, ok bool) {
	if symbol == SkipSymbol {
		return nil, true
	}
	for i, s := range scoreSymbols {
		if s == symbol {
			v := i + 1
			return &v, true
		}
	}
	return nil, false
}

// Store is the durable queue and key-value storage the manager needs.
type Store interface {
	Push(ctx context.Context, queue string, value []byte) error
	Peek(ctx context.Context, queue string) ([]byte, bool, error)
	Pop(ctx context.Context, queue string) ([]byte, bool, error)
	Rotate(ctx context.Context, queue string) error
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Config holds the manager's collaborators.
type Config struct {
	Store     Store
	Recorder  store.Recorder
	Transport transport.Transport
	Targets   []Target
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Manager owns the feedback queues and their review loops.
type Manager struct {
	store     Store
	recorder  store.Recorder
	transport transport.Transport
	targets   map[string]Target
	wake      map[string]chan struct{}
	scores    *queue.Registry[Score]
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager validates the targets and builds a manager. Nothing runs
// until Run.
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store == nil || cfg.Recorder == nil || cfg.Transport == nil {
		return nil, errors.New("feedback manager needs a store, a recorder and a transport")
	}

	m := &Manager{
		store:     cfg.Store,
		recorder:  cfg.Recorder,
		transport: cfg.Transport,
		targets:   make(map[string]Target, len(cfg.Targets)),
		wake:      make(map[string]chan struct{}, len(cfg.Targets)),
		scores:    queue.NewRegistry[Score](),
		metrics:   cfg.Metrics,
		now:       time.Now,
		logger:    logger.With("component", "feedback"),
	}
	for _, t := range cfg.Targets {
		if t.ChannelID == "" || t.ReviewChannelID == "" {
			return nil, fmt.Errorf("feedback target needs channel_id and review_channel_id")
		}
		if _, dup := m.targets[t.ChannelID]; dup {
			return nil, fmt.Errorf("duplicate feedback target for channel %s", t.ChannelID)
		}
		if t.Timeout <= 0 {
			t.Timeout = DefaultTimeout
		}
		m.targets[t.ChannelID] = t
		m.wake[t.ChannelID] = make(chan struct{}, 1)
	}
	return m, nil
}

func queueName(channelID string) string {
	return "feedback:" + channelID
}

// Enqueue appends rec to the queue of its parent channel.
func (m *Manager) Enqueue(ctx context.Context, rec Record) error {
	if _, ok := m.targets[rec.ParentChannelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, rec.ParentChannelID)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding feedback record: %w", err)
	}
	if err := m.store.Push(ctx, queueName(rec.ParentChannelID), raw); err != nil {
		return fmt.Errorf("enqueueing feedback for %s: %w", rec.ThreadID, err)
	}

	select {
	case m.wake[rec.ParentChannelID] <- struct{}{}:
	default:
	}
	m.logger.Debug("feedback enqueued", "thread_id", rec.ThreadID, "channel_id", rec.ParentChannelID)
	return nil
}

// Submit hands a reviewer reaction to the loop waiting on that message.
// It reports whether the reaction was a score for a pending review.
func (m *Manager) Submit(r transport.Reaction) bool {
	value, ok := ParseScore(r.Symbol)
	if !ok {
		return false
	}
	return m.scores.Offer(r.MessageID, Score{MessageID: r.MessageID, ReviewerID: r.UserID, Value: value})
}

// Run starts one review loop per target and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range m.targets {
		wg.Go(func() { m.loop(ctx, t) })
	}
	m.logger.Info("feedback review started", "targets", len(m.targets))
	wg.Wait()
	return nil
}
