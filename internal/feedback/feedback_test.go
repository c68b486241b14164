// ABOUTME: Tests for the feedback queue and review loop
// ABOUTME: Drives reviews through a fake transport with real bbolt queues

package feedback

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beanlab/rubber-duck-sub000/internal/kvstore"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
	"github.com/beanlab/rubber-duck-sub000/internal/transport/transporttest"
)

const (
	duckChannel   = "!cs110:example.org"
	reviewChannel = "!review:example.org"
	student       = "@student:example.org"
	ta            = "@ta:example.org"
)

type fixture struct {
	kv        *kvstore.Store
	recorder  *store.MockStore
	transport *transporttest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return &fixture{kv: kv, recorder: store.NewMockStore(), transport: transporttest.New()}
}

func (f *fixture) manager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Store:     f.kv,
		Recorder:  f.recorder,
		Transport: f.transport,
		Targets:   []Target{{ChannelID: duckChannel, ReviewChannelID: reviewChannel, Timeout: timeout}},
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) run(t *testing.T, m *Manager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// prompts returns the IDs of posted review prompts in order.
func (f *fixture) prompts() []string {
	var ids []string
	for _, s := range f.transport.Sent() {
		if strings.HasPrefix(s.Text, "Please rate") {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (f *fixture) waitForPrompts(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.prompts()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.prompts()
}

func (f *fixture) queueLen(t *testing.T) int {
	t.Helper()
	n, err := f.kv.Len(context.Background(), queueName(duckChannel))
	require.NoError(t, err)
	return n
}

func record(threadID string) Record {
	return Record{DuckType: "cs110", GuildID: "byu", ParentChannelID: duckChannel, ThreadID: threadID, UserID: student}
}

func react(m *Manager, t *testing.T, messageID, userID, symbol string) {
	t.Helper()
	r := transport.Reaction{ChannelID: reviewChannel, MessageID: messageID, UserID: userID, Symbol: symbol}
	require.Eventually(t, func() bool { return m.Submit(r) }, time.Second, 5*time.Millisecond)
}

func TestParseScore(t *testing.T) {
	v, ok := ParseScore("3️⃣")
	require.True(t, ok)
	require.NotNil(t, v)
	assert.Equal(t, 3, *v)

	v, ok = ParseScore(SkipSymbol)
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = ParseScore("👍")
	assert.False(t, ok)
}

func TestNewManager_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := NewManager(Config{Store: f.kv, Recorder: f.recorder, Transport: f.transport,
		Targets: []Target{{ChannelID: duckChannel}}})
	assert.Error(t, err)

	_, err = NewManager(Config{Store: f.kv, Recorder: f.recorder, Transport: f.transport,
		Targets: []Target{
			{ChannelID: duckChannel, ReviewChannelID: reviewChannel},
			{ChannelID: duckChannel, ReviewChannelID: "!other:example.org"},
		}})
	assert.Error(t, err)
}

func TestEnqueue_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Hour)

	rec := record("t1")
	rec.ParentChannelID = "!elsewhere:example.org"
	err := m.Enqueue(context.Background(), rec)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestReview_ScoreFromReviewer(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Hour)
	require.NoError(t, m.Enqueue(context.Background(), record("!cs110:example.org|$t1")))
	f.run(t, m)

	prompt := f.waitForPrompts(t, 1)[0]

	threads := f.transport.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, reviewChannel, threads[0].ParentID)
	assert.Len(t, f.transport.Reactions(), 6, "five scores and skip seeded")

	// The author's own score is ignored and the loop keeps waiting.
	react(m, t, prompt, student, "5️⃣")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.recorder.Feedback())
	assert.Equal(t, 1, f.queueLen(t))

	react(m, t, prompt, ta, "4️⃣")
	require.Eventually(t, func() bool { return len(f.recorder.Feedback()) == 1 }, time.Second, 5*time.Millisecond)

	fb := f.recorder.Feedback()[0]
	assert.Equal(t, ta, fb.ReviewerID)
	assert.Equal(t, student, fb.UserID)
	require.NotNil(t, fb.Score)
	assert.Equal(t, 4, *fb.Score)

	require.Eventually(t, func() bool { return f.queueLen(t) == 0 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.transport.SentTo(threads[0].ID), "Thanks! Recorded a score of 4.")
}

func TestReview_LinksBothThreads(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Hour)
	conversation := "!cs110:example.org|$t-linked"
	require.NoError(t, m.Enqueue(context.Background(), record(conversation)))
	f.run(t, m)

	prompt := f.waitForPrompts(t, 1)[0]
	threads := f.transport.Threads()
	require.Len(t, threads, 1)
	reviewThread := threads[0].ID

	review := f.transport.SentTo(reviewThread)
	require.NotEmpty(t, review)
	assert.Contains(t, review[0], f.transport.Link(conversation, ""), "prompt links to the conversation")

	require.Eventually(t, func() bool { return len(f.transport.SentTo(conversation)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.transport.SentTo(conversation)[0], f.transport.Link(reviewThread, prompt), "conversation links to the review")
}

func TestReview_Skip(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Hour)
	require.NoError(t, m.Enqueue(context.Background(), record("t-skip")))
	f.run(t, m)

	prompt := f.waitForPrompts(t, 1)[0]
	react(m, t, prompt, ta, SkipSymbol)

	require.Eventually(t, func() bool { return len(f.recorder.Feedback()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, f.recorder.Feedback()[0].Score)
}

func TestReview_TimeoutRequeues(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, 30*time.Millisecond)
	require.NoError(t, m.Enqueue(context.Background(), record("t-slow")))
	f.run(t, m)

	prompts := f.waitForPrompts(t, 2)
	assert.NotEqual(t, prompts[0], prompts[1], "a fresh prompt after requeue")
	assert.Equal(t, 1, f.queueLen(t), "record neither lost nor duplicated")
	assert.Empty(t, f.recorder.Feedback())

	// Reactions to the expired prompt are not accepted.
	assert.False(t, m.Submit(transport.Reaction{MessageID: prompts[0], UserID: ta, Symbol: "3️⃣"}))
}

func TestReview_TimeoutKeepsQueueOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t, 30*time.Millisecond)
	require.NoError(t, m.Enqueue(ctx, record("t-first")))
	require.NoError(t, m.Enqueue(ctx, record("t-second")))

	// Review the first record directly and let it time out.
	raw, ok, err := f.kv.Peek(ctx, queueName(duckChannel))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), "t-first")

	require.NoError(t, m.review(ctx, m.targets[duckChannel], record("t-first")))

	raw, _, err = f.kv.Peek(ctx, queueName(duckChannel))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "t-second", "timed-out record moved behind the next one")
	assert.Equal(t, 2, f.queueLen(t))
}

func TestReview_ResumesAfterRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager(t, time.Hour).Enqueue(context.Background(), record("t-restart")))

	first := f.manager(t, time.Hour)
	cancel := f.run(t, first)
	prompt := f.waitForPrompts(t, 1)[0]
	cancel()

	second := f.manager(t, time.Hour)
	f.run(t, second)
	react(second, t, prompt, ta, "2️⃣")

	require.Eventually(t, func() bool { return len(f.recorder.Feedback()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.transport.Threads(), 1, "no second review thread after restart")
	assert.Len(t, f.prompts(), 1)
}
