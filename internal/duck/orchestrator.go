// ABOUTME: Session orchestrator: one goroutine per conversation thread from trigger to feedback
// ABOUTME: Creates the thread, runs the session, reports failures, closes, and enqueues feedback

package duck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beanlab/rubber-duck-sub000/internal/agent"
	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/feedback"
	"github.com/beanlab/rubber-duck-sub000/internal/llm"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
	"github.com/beanlab/rubber-duck-sub000/internal/queue"
	"github.com/beanlab/rubber-duck-sub000/internal/retry"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

var (
	// ErrSessionExists is returned when a thread already has a live session.
	ErrSessionExists = errors.New("session already running for thread")
	// ErrUnknownChannel is returned for a channel no duck listens on.
	ErrUnknownChannel = errors.New("no duck for channel")
	// ErrNotResumable is returned by Resume for a thread with no interrupted conversation.
	ErrNotResumable = errors.New("thread has no interrupted conversation")
)

// Texts sent by the orchestrator.
const (
	ClosedMessage = "*This conversation has been closed.*"
	FatalMessage  = "I'm sorry, something went wrong and I can't continue this conversation. The course staff have been notified."
	errorMessage  = "Something went wrong on my end. Please tell a TA this error code: %s"
)

// titleLimit bounds thread titles taken from the triggering message.
const titleLimit = 80

// Duck is one configured assistant bound to a channel.
type Duck struct {
	Name               string
	ChannelID          string
	GuildID            string
	Timeout            time.Duration
	Introduction       string
	MaxHandoffsPerTurn int
	Router             *agent.Router
}

// FeedbackQueue receives one record per closed conversation.
type FeedbackQueue interface {
	Enqueue(ctx context.Context, rec feedback.Record) error
}

// HistoryReader loads the recorded history of a thread for resumed sessions.
type HistoryReader interface {
	GetThreadMessages(ctx context.Context, threadID string) ([]*store.MessageRecord, error)
}

// Deps are the orchestrator's collaborators. History, Events, Metrics and
// Logger are optional.
type Deps struct {
	Transport transport.Transport
	Recorder  store.Recorder
	History   HistoryReader
	Backend   llm.Backend
	Retry     retry.Policy
	Feedback  FeedbackQueue
	Inboxes   *queue.Registry[transport.Message]
	Events    *conversation.EventBroadcaster
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// AdminChannelID receives operator reports. Empty disables them.
	AdminChannelID string
}

// Orchestrator starts and tracks conversation sessions.
type Orchestrator struct {
	deps   Deps
	ducks  map[string]*Duck // by channel ID
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // by thread ID
	wg     sync.WaitGroup
}

// New builds an orchestrator for ducks.
func New(deps Deps, ducks []*Duck) (*Orchestrator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Transport == nil || deps.Recorder == nil || deps.Backend == nil {
		return nil, errors.New("orchestrator needs a transport, a recorder and a backend")
	}
	if deps.Inboxes == nil {
		deps.Inboxes = queue.NewRegistry[transport.Message]()
	}

	o := &Orchestrator{
		deps:   deps,
		ducks:  make(map[string]*Duck, len(ducks)),
		logger: logger.With("component", "orchestrator"),
		active: make(map[string]context.CancelFunc),
	}
	for _, d := range ducks {
		if d.Router == nil {
			return nil, fmt.Errorf("duck %s has no router", d.Name)
		}
		if _, dup := o.ducks[d.ChannelID]; dup {
			return nil, fmt.Errorf("two ducks on channel %s", d.ChannelID)
		}
		o.ducks[d.ChannelID] = d
	}
	return o, nil
}

// Duck returns the duck listening on channelID.
func (o *Orchestrator) Duck(channelID string) (*Duck, bool) {
	d, ok := o.ducks[channelID]
	return d, ok
}

// Start opens a thread for a new topic and runs its session in the
// background until the session closes or ctx is cancelled. It returns the
// new thread ID once the session is claimed.
func (o *Orchestrator) Start(ctx context.Context, trigger transport.Message) (string, error) {
	d, ok := o.ducks[trigger.ChannelID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, trigger.ChannelID)
	}

	threadID, err := o.deps.Transport.CreateThread(ctx, trigger.ChannelID, threadTitle(trigger))
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}

	cc := d.context(trigger, threadID)
	sessCtx, err := o.claim(ctx, threadID)
	if err != nil {
		return "", err
	}

	o.logger.Info("conversation started", "duck", d.Name, "thread_id", threadID, "author_id", trigger.AuthorID)
	o.wg.Go(func() { o.run(sessCtx, d, cc, conversation.Options{}) })
	return threadID, nil
}

// Resume restarts an interrupted conversation in its existing thread. msg,
// the message that arrived for it, is delivered as the first input.
func (o *Orchestrator) Resume(ctx context.Context, msg transport.Message) error {
	d, ok := o.ducks[msg.ChannelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.ChannelID)
	}
	threadID := msg.ThreadID
	if o.Active(threadID) {
		return fmt.Errorf("%w: %s", ErrSessionExists, threadID)
	}

	resumable, err := d.Router.HasState(ctx, threadID)
	if err != nil {
		return err
	}
	if !resumable {
		return ErrNotResumable
	}

	history, err := o.loadHistory(ctx, threadID)
	if err != nil {
		return err
	}

	sessCtx, err := o.claim(ctx, threadID, msg)
	if err != nil {
		return err
	}

	cc := d.context(msg, threadID)
	o.logger.Info("conversation resumed", "duck", d.Name, "thread_id", threadID, "history", len(history))
	o.wg.Go(func() {
		o.run(sessCtx, d, cc, conversation.Options{Resume: true, History: history})
	})
	return nil
}

// Deliver routes msg to the live session of threadID. It reports false when
// no session is running there.
func (o *Orchestrator) Deliver(threadID string, msg transport.Message) bool {
	return o.deps.Inboxes.Offer(threadID, msg)
}

// Active reports whether threadID has a live session.
func (o *Orchestrator) Active(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[threadID]
	return ok
}

// Cancel stops the session of threadID without closing the conversation, as
// a shutdown would. It reports whether a session was running.
func (o *Orchestrator) Cancel(threadID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[threadID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every session has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// claim reserves threadID for one session and opens its inbox, seeded with
// first. Deliver can only reach the inbox after the seed is in it.
func (o *Orchestrator) claim(ctx context.Context, threadID string, first ...transport.Message) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[threadID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, threadID)
	}
	sessCtx, cancel := context.WithCancel(ctx)
	o.active[threadID] = cancel
	if len(first) == 0 {
		o.deps.Inboxes.Queue(threadID)
	}
	for _, msg := range first {
		o.deps.Inboxes.Put(threadID, msg)
	}
	return sessCtx, nil
}

func (o *Orchestrator) release(threadID string) {
	o.mu.Lock()
	if cancel, ok := o.active[threadID]; ok {
		cancel()
		delete(o.active, threadID)
	}
	o.mu.Unlock()
	o.closeInbox(threadID)
}

// closeInbox stops delivery to threadID. Messages that arrived after the
// session's last read are logged and dropped.
func (o *Orchestrator) closeInbox(threadID string) {
	for _, msg := range o.deps.Inboxes.Remove(threadID) {
		o.logger.Warn("dropped unread message",
			"thread_id", threadID,
			"message_id", msg.ID,
			"author_id", msg.AuthorID)
	}
}

func (o *Orchestrator) loadHistory(ctx context.Context, threadID string) ([]llm.Message, error) {
	if o.deps.History == nil {
		return nil, nil
	}
	records, err := o.deps.History.GetThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", threadID, err)
	}
	history := make([]llm.Message, 0, len(records))
	for _, r := range records {
		history = append(history, llm.Message{Role: llm.Role(r.Role), Content: r.Content})
	}
	return history, nil
}

func (d *Duck) context(msg transport.Message, threadID string) conversation.Context {
	return conversation.Context{
		DuckName:        d.Name,
		GuildID:         d.GuildID,
		ParentChannelID: d.ChannelID,
		ThreadID:        threadID,
		AuthorID:        msg.AuthorID,
		AuthorName:      msg.AuthorName,
		MessageID:       msg.ID,
		Content:         msg.Content,
		Timeout:         d.Timeout,
	}
}

func threadTitle(msg transport.Message) string {
	title := strings.Join(strings.Fields(msg.Content), " ")
	if title == "" {
		title = "Conversation"
	}
	if r := []rune(title); len(r) > titleLimit {
		title = string(r[:titleLimit-1]) + "…"
	}
	if msg.AuthorName != "" {
		title = msg.AuthorName + ": " + title
	}
	return title
}

// newCorrelationCode returns a short code users can quote to staff.
func newCorrelationCode() string {
	return strings.ToUpper(uuid.New().String()[:8])
}

// runSession runs s and turns a panic into an unclassified error.
func runSession(ctx context.Context, s *conversation.Session) (outcome conversation.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Run(ctx)
}
