// ABOUTME: Conversation session state machine: wait for input, complete, respond, repeat
// ABOUTME: Records every history entry before acting on it and ends on timeout, end directive or fatal error

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/agent"
	"github.com/beanlab/rubber-duck-sub000/internal/llm"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
	"github.com/beanlab/rubber-duck-sub000/internal/retry"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

// Texts sent to the student by the session itself.
const (
	DefaultIntroduction = "Hi! What can I help you with?"
	RetryNotice         = "I'm having trouble contacting the servers. Still trying..."
	AttachmentNotice    = "I can't read attached files. Please paste the relevant text into a message instead."

	DefaultMaxHandoffsPerTurn = 5
)

// ErrTooManyHandoffs is reported when agents keep handing off within one turn.
var ErrTooManyHandoffs = errors.New("too many hand-offs in one turn")

// Context is the immutable description of one conversation.
type Context struct {
	DuckName        string
	GuildID         string
	ParentChannelID string
	ThreadID        string
	AuthorID        string
	AuthorName      string
	MessageID       string
	Content         string
	Timeout         time.Duration
}

// Inbox delivers user messages for one thread.
type Inbox interface {
	Get(ctx context.Context, timeout time.Duration) (transport.Message, bool, error)
}

// Completer turns the active agent's request into one response.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request, notice func(context.Context)) (*llm.Response, error)
}

// Route is the per-thread agent routing handle.
type Route interface {
	Agent() *agent.Definition
	Request(history []llm.Message) *llm.Request
	HandOff(ctx context.Context, target string) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Transport transport.Transport
	Recorder  store.Recorder
	Completer Completer
	Route     Route
	Inbox     Inbox
	Metrics   *metrics.Metrics
	Events    *EventBroadcaster
	Logger    *slog.Logger
}

// Options tune one session.
type Options struct {
	Introduction       string
	MaxHandoffsPerTurn int
	// Resume continues an interrupted conversation: no introduction is sent
	// and History, if given, is the history recorded so far.
	Resume  bool
	History []llm.Message
}

// Reason says why a session reached Closed.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonEnded     Reason = "ended"
	ReasonFatal     Reason = "fatal"
	ReasonCancelled Reason = "cancelled"
)

// Outcome is the result of a session that closed without an unclassified error.
type Outcome struct {
	Reason Reason
	// Err is set for ReasonFatal.
	Err   *retry.Error
	Turns int
}

// Session runs one conversation. It is not safe for concurrent use apart
// from State.
type Session struct {
	deps    Deps
	cc      Context
	opts    Options
	history []llm.Message
	state   atomic.Int32
	turns   int
	logger  *slog.Logger
}

// NewSession prepares a session for cc. Nothing is sent until Run.
func NewSession(deps Deps, cc Context, opts Options) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Introduction == "" {
		opts.Introduction = DefaultIntroduction
	}
	if opts.MaxHandoffsPerTurn <= 0 {
		opts.MaxHandoffsPerTurn = DefaultMaxHandoffsPerTurn
	}
	s := &Session{
		deps:    deps,
		cc:      cc,
		opts:    opts,
		history: append([]llm.Message(nil), opts.History...),
		logger:  logger.With("component", "session", "thread_id", cc.ThreadID, "duck", cc.DuckName),
	}
	s.state.Store(int32(WaitingForUser))
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// History returns a copy of the history so far.
func (s *Session) History() []llm.Message {
	return append([]llm.Message(nil), s.history...)
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("state change", "from", prev, "to", st)
		s.deps.Events.Publish(&Event{ThreadID: s.cc.ThreadID, Duck: s.cc.DuckName, Kind: EventState, State: st.String()})
	}
}

// Run drives the session until it closes. A non-nil error is unclassified:
// the caller decides how to surface it. Cancellation of ctx yields
// ReasonCancelled with a nil error.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	defer s.setState(Closed)

	if err := s.introduce(ctx); err != nil {
		return s.cancelledOr(ctx, err)
	}

	for {
		s.setState(WaitingForUser)
		msg, ok, err := s.deps.Inbox.Get(ctx, s.cc.Timeout)
		if err != nil {
			return s.cancelledOr(ctx, err)
		}
		if !ok {
			s.logger.Info("conversation timed out", "timeout", s.cc.Timeout, "turns", s.turns)
			return Outcome{Reason: ReasonTimeout, Turns: s.turns}, nil
		}

		if len(msg.Attachments) > 0 {
			s.logger.Info("rejected attachment", "files", len(msg.Attachments))
			if _, err := s.deps.Transport.SendMessage(ctx, s.cc.ThreadID, AttachmentNotice); err != nil {
				return s.cancelledOr(ctx, fmt.Errorf("sending attachment notice: %w", err))
			}
			continue
		}

		s.turns++
		outcome, done, err := s.turn(ctx, msg)
		if err != nil {
			return s.cancelledOr(ctx, err)
		}
		if done {
			outcome.Turns = s.turns
			return outcome, nil
		}
	}
}

func (s *Session) cancelledOr(ctx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{Reason: ReasonCancelled, Turns: s.turns}, nil
	}
	return Outcome{}, err
}

// introduce posts the introduction and records it as the system entry. A
// resumed session only records it when there is no earlier history.
func (s *Session) introduce(ctx context.Context) error {
	if len(s.history) > 0 {
		return nil
	}
	if !s.opts.Resume {
		if _, err := s.deps.Transport.SendMessage(ctx, s.cc.ThreadID, s.opts.Introduction); err != nil {
			return fmt.Errorf("sending introduction: %w", err)
		}
	}
	return s.append(ctx, llm.Message{Role: llm.RoleSystem, Content: s.opts.Introduction}, s.cc.AuthorID)
}

// turn handles one user message. done reports that the session must close.
func (s *Session) turn(ctx context.Context, msg transport.Message) (Outcome, bool, error) {
	s.setState(Processing)
	if err := s.append(ctx, llm.Message{Role: llm.RoleUser, Content: msg.Content}, msg.AuthorID); err != nil {
		return Outcome{}, true, err
	}

	handoffs := 0
	for {
		req := s.deps.Route.Request(s.history)

		stop := s.deps.Transport.Typing(ctx, s.cc.ThreadID)
		resp, err := s.deps.Completer.Complete(ctx, req, s.notice)
		stop()

		if err != nil {
			var rerr *retry.Error
			if errors.As(err, &rerr) {
				s.logger.Error("fatal backend error", "agent", req.Agent, "error", rerr.Err)
				return Outcome{Reason: ReasonFatal, Err: rerr}, true, nil
			}
			return Outcome{}, true, err
		}

		if err := s.recordUsage(ctx, req.Agent, msg.AuthorID, resp); err != nil {
			return Outcome{}, true, err
		}

		switch resp.Kind {
		case llm.KindReply:
			s.setState(Responding)
			return Outcome{}, false, s.say(ctx, resp.Text, msg.AuthorID)

		case llm.KindHandoff:
			s.setState(Handoff)
			if handoffs >= s.opts.MaxHandoffsPerTurn {
				return Outcome{Reason: ReasonFatal, Err: &retry.Error{
					Class: retry.Fatal,
					Hint:  fmt.Sprintf("Agents handed off more than %d times in one turn. Check their hand-off instructions for loops.", s.opts.MaxHandoffsPerTurn),
					Err:   ErrTooManyHandoffs,
				}}, true, nil
			}
			handoffs++

			from := req.Agent
			if err := s.deps.Route.HandOff(ctx, resp.Target); err != nil {
				if errors.Is(err, agent.ErrIllegalHandoff) {
					return Outcome{Reason: ReasonFatal, Err: &retry.Error{
						Class: retry.Fatal,
						Hint:  "The model asked for a hand-off the agent graph does not allow.",
						Err:   err,
					}}, true, nil
				}
				return Outcome{}, true, err
			}
			s.deps.Metrics.Handoff(from, resp.Target)

			if resp.Text != "" {
				if err := s.say(ctx, resp.Text, msg.AuthorID); err != nil {
					return Outcome{}, true, err
				}
			}
			s.setState(Processing)

		case llm.KindEnd:
			if resp.Text != "" {
				if err := s.say(ctx, resp.Text, msg.AuthorID); err != nil {
					return Outcome{}, true, err
				}
			}
			s.logger.Info("agent ended conversation", "agent", req.Agent)
			return Outcome{Reason: ReasonEnded}, true, nil

		default:
			return Outcome{}, true, fmt.Errorf("unknown response kind %v", resp.Kind)
		}
	}
}

// say records an assistant entry and then sends it.
func (s *Session) say(ctx context.Context, text, userID string) error {
	if err := s.append(ctx, llm.Message{Role: llm.RoleAssistant, Content: text}, userID); err != nil {
		return err
	}
	if _, err := s.deps.Transport.SendMessage(ctx, s.cc.ThreadID, text); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// append records m and then adds it to the history.
func (s *Session) append(ctx context.Context, m llm.Message, userID string) error {
	err := s.deps.Recorder.RecordMessage(ctx, &store.MessageRecord{
		GuildID:  s.cc.GuildID,
		ThreadID: s.cc.ThreadID,
		UserID:   userID,
		Role:     string(m.Role),
		Content:  m.Content,
	})
	if err != nil {
		return fmt.Errorf("recording %s message: %w", m.Role, err)
	}
	s.history = append(s.history, m)
	s.deps.Events.Publish(&Event{ThreadID: s.cc.ThreadID, Duck: s.cc.DuckName, Kind: EventMessage, Role: string(m.Role), Content: m.Content})
	return nil
}

func (s *Session) recordUsage(ctx context.Context, agentName, userID string, resp *llm.Response) error {
	err := s.deps.Recorder.RecordUsage(ctx, &store.UsageRecord{
		GuildID:         s.cc.GuildID,
		ParentChannelID: s.cc.ParentChannelID,
		ThreadID:        s.cc.ThreadID,
		UserID:          userID,
		DuckType:        s.cc.DuckName,
		Agent:           agentName,
		Engine:          resp.Model,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		CachedTokens:    resp.Usage.CachedTokens,
		ReasoningTokens: resp.Usage.ReasoningTokens,
	})
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// notice tells the student the backend is slow. Called once per turn at most.
func (s *Session) notice(ctx context.Context) {
	s.setState(ErrorRetry)
	if _, err := s.deps.Transport.SendMessage(ctx, s.cc.ThreadID, RetryNotice); err != nil {
		s.logger.Warn("failed to send retry notice", "error", err)
	}
}
