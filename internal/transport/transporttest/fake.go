// ABOUTME: In-memory Transport for tests
// ABOUTME: Records sent messages, created threads, reactions and typing indicators

package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

// Sent is one outbound message or file.
type Sent struct {
	ID        string
	ChannelID string
	Text      string
	File      *transport.File
}

// Thread is one created thread.
type Thread struct {
	ID       string
	ParentID string
	Title    string
}

// Reaction is one added reaction.
type Reaction struct {
	ChannelID string
	MessageID string
	Symbol    string
}

// Fake implements transport.Transport in memory.
type Fake struct {
	mu        sync.Mutex
	seq       int
	sent      []Sent
	threads   []Thread
	reactions []Reaction
	typing    int
	typingNow int

	// SendErr, when set, fails SendMessage and SendFile.
	SendErr error
	// ThreadErr, when set, fails CreateThread.
	ThreadErr error
	// OnSend, when set, is called after each successful send without the lock held.
	OnSend func(Sent)
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

// SendMessage records text.
func (f *Fake) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	if f.SendErr != nil {
		f.mu.Unlock()
		return "", f.SendErr
	}
	s := Sent{ID: f.nextID("$msg"), ChannelID: channelID, Text: text}
	f.sent = append(f.sent, s)
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s.ID, nil
}

// SendFile records file.
func (f *Fake) SendFile(ctx context.Context, channelID string, file transport.File) (string, error) {
	f.mu.Lock()
	if f.SendErr != nil {
		f.mu.Unlock()
		return "", f.SendErr
	}
	s := Sent{ID: f.nextID("$file"), ChannelID: channelID, File: &file}
	f.sent = append(f.sent, s)
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s.ID, nil
}

// CreateThread records a thread and returns its ID.
func (f *Fake) CreateThread(ctx context.Context, parentChannelID, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ThreadErr != nil {
		return "", f.ThreadErr
	}
	th := Thread{ID: f.nextID(parentChannelID + "|$root"), ParentID: parentChannelID, Title: title}
	f.threads = append(f.threads, th)
	return th.ID, nil
}

// AddReaction records a reaction.
func (f *Fake) AddReaction(ctx context.Context, channelID, messageID, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, Reaction{ChannelID: channelID, MessageID: messageID, Symbol: symbol})
	return nil
}

// Typing counts indicator starts.
func (f *Fake) Typing(ctx context.Context, channelID string) func() {
	f.mu.Lock()
	f.typing++
	f.typingNow++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.typingNow--
			f.mu.Unlock()
		})
	}
}

// Link returns a fake URL.
func (f *Fake) Link(channelID, messageID string) string {
	return "https://chat.test/" + channelID + "/" + messageID
}

// Sent returns all sent messages in order.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentTo returns the texts sent to channelID in order.
func (f *Fake) SentTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.ChannelID == channelID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Threads returns all created threads.
func (f *Fake) Threads() []Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Thread(nil), f.threads...)
}

// Reactions returns all added reactions.
func (f *Fake) Reactions() []Reaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reaction(nil), f.reactions...)
}

// TypingStarted returns how many typing indicators were started and how
// many are still running.
func (f *Fake) TypingStarted() (total, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing, f.typingNow
}

var _ transport.Transport = (*Fake)(nil)
