// ABOUTME: Tests for the Matrix transport against a fake homeserver
// ABOUTME: Covers thread addressing, markdown rendering, event conversion and bridge filtering

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/beanlab/rubber-duck-sub000/internal/transport"
)

const (
	botID  = "@duck:example.org"
	roomID = "!cs110:example.org"
)

type sentRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type homeserver struct {
	mu       sync.Mutex
	requests []sentRequest
	next     int
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	h.mu.Lock()
	h.requests = append(h.requests, sentRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	h.next++
	n := h.next
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.URL.Path, "/send/") {
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt" + string(rune('0'+n))})
		return
	}
	_, _ = w.Write([]byte("{}"))
}

func (h *homeserver) last() sentRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func newTestClient(t *testing.T) (*Client, *homeserver) {
	t.Helper()
	hs := &homeserver{}
	ts := httptest.NewServer(hs)
	t.Cleanup(ts.Close)

	c, err := New(Config{Homeserver: ts.URL, UserID: botID, AccessToken: "tok"}, nil)
	require.NoError(t, err)
	return c, hs
}

func TestSplitThreadID(t *testing.T) {
	room, root := SplitThreadID(ThreadID(roomID, "$root"))
	assert.Equal(t, id.RoomID(roomID), room)
	assert.Equal(t, id.EventID("$root"), root)

	room, root = SplitThreadID(roomID)
	assert.Equal(t, id.RoomID(roomID), room)
	assert.Empty(t, root)
}

func TestLink(t *testing.T) {
	c, _ := newTestClient(t)
	thread := ThreadID(roomID, "$root")

	assert.Equal(t, "https://matrix.to/#/"+roomID+"/$root", c.Link(thread, ""))
	assert.Equal(t, "https://matrix.to/#/"+roomID+"/$msg", c.Link(thread, "$msg"))
	assert.Equal(t, "https://matrix.to/#/"+roomID, c.Link(roomID, ""))
}

func TestRenderMarkdown(t *testing.T) {
	plain := renderMarkdown("just words")
	assert.Equal(t, "just words", plain.Body)
	assert.Empty(t, plain.FormattedBody)

	rich := renderMarkdown("use **recursion**")
	assert.Equal(t, event.FormatHTML, rich.Format)
	assert.Contains(t, rich.FormattedBody, "<strong>recursion</strong>")
	assert.Equal(t, "use **recursion**", rich.Body)
}

func TestClient_CreateThreadAndReply(t *testing.T) {
	c, hs := newTestClient(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, roomID, "alice: help with loops")
	require.NoError(t, err)
	assert.Equal(t, roomID+"|$evt1", thread)
	root := hs.last()
	assert.Equal(t, http.MethodPut, root.Method)
	assert.Contains(t, root.Path, "/rooms/"+roomID+"/send/m.room.message/")
	assert.Equal(t, "alice: help with loops", root.Body["body"])
	assert.Nil(t, root.Body["m.relates_to"])

	msgID, err := c.SendMessage(ctx, thread, "hello")
	require.NoError(t, err)
	assert.Equal(t, "$evt2", msgID)
	rel, ok := hs.last().Body["m.relates_to"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m.thread", rel["rel_type"])
	assert.Equal(t, "$evt1", rel["event_id"])
}

func TestClient_AddReaction(t *testing.T) {
	c, hs := newTestClient(t)

	require.NoError(t, c.AddReaction(context.Background(), ThreadID(roomID, "$root"), "$prompt", "3️⃣"))
	req := hs.last()
	assert.Contains(t, req.Path, "/rooms/"+roomID+"/send/m.reaction/")
	rel, ok := req.Body["m.relates_to"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m.annotation", rel["rel_type"])
	assert.Equal(t, "$prompt", rel["event_id"])
	assert.Equal(t, "3️⃣", rel["key"])
}

func TestClient_TypingStops(t *testing.T) {
	c, hs := newTestClient(t)

	stop := c.Typing(context.Background(), ThreadID(roomID, "$root"))
	stop()

	req := hs.last()
	assert.Contains(t, req.Path, "/rooms/"+roomID+"/typing/"+botID)
	assert.Equal(t, false, req.Body["typing"])
}

func messageEvent(sender, eventID string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		RoomID:    id.RoomID(roomID),
		Sender:    id.UserID(sender),
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestToMessage(t *testing.T) {
	top, ok := toMessage(messageEvent("@alice:example.org", "$m1", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "why does my loop never end?",
	}))
	require.True(t, ok)
	assert.Equal(t, "$m1", top.ID)
	assert.Equal(t, roomID, top.ChannelID)
	assert.Empty(t, top.ThreadID)
	assert.Equal(t, "alice", top.AuthorName)
	assert.Equal(t, "why does my loop never end?", top.Content)

	inThread, ok := toMessage(messageEvent("@alice:example.org", "$m2", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "thanks",
		RelatesTo: (&event.RelatesTo{}).SetThread("$root", "$root"),
	}))
	require.True(t, ok)
	assert.Equal(t, ThreadID(roomID, "$root"), inThread.ThreadID)

	file, ok := toMessage(messageEvent("@alice:example.org", "$m3", &event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    "main.py",
		Info:    &event.FileInfo{MimeType: "text/x-python", Size: 120},
	}))
	require.True(t, ok)
	require.Len(t, file.Attachments, 1)
	assert.Equal(t, transport.Attachment{Filename: "main.py", MimeType: "text/x-python", Size: 120}, file.Attachments[0])
	assert.Empty(t, file.Content)

	_, ok = toMessage(messageEvent("@alice:example.org", "$m4", &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* edited",
		NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "edited"},
	}))
	assert.False(t, ok)
}

func TestToReaction(t *testing.T) {
	evt := &event.Event{
		ID:     "$r1",
		RoomID: id.RoomID(roomID),
		Sender: "@ta:example.org",
		Type:   event.EventReaction,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: "$prompt", Key: "4️⃣"},
		}},
	}

	r, ok := toReaction(evt)
	require.True(t, ok)
	assert.Equal(t, transport.Reaction{
		ChannelID: roomID,
		MessageID: "$prompt",
		UserID:    "@ta:example.org",
		Symbol:    "4️⃣",
	}, r)
}

type recordingHandler struct {
	mu        sync.Mutex
	messages  []transport.Message
	reactions []transport.Reaction
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg transport.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *recordingHandler) HandleReaction(ctx context.Context, r transport.Reaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, r)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func TestBridge_FiltersEvents(t *testing.T) {
	c, _ := newTestClient(t)
	handler := &recordingHandler{}
	b := NewBridge(c, handler, nil)
	b.ctx = context.Background()
	b.started = time.Now().Add(-time.Minute)

	text := func(sender, eventID string) *event.Event {
		return messageEvent(sender, eventID, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"})
	}

	old := text("@alice:example.org", "$old")
	old.Timestamp = b.started.Add(-time.Hour).UnixMilli()

	b.handleMessageEvent(context.Background(), text(botID, "$own"))
	b.handleMessageEvent(context.Background(), old)
	b.handleMessageEvent(context.Background(), text("@alice:example.org", "$new"))
	b.handleMessageEvent(context.Background(), text("@alice:example.org", "$new"))

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.messages, 1)
	assert.Equal(t, "$new", handler.messages[0].ID)
}

func TestBridge_ThreadRepliesKeepSyncOrder(t *testing.T) {
	c, _ := newTestClient(t)
	handler := &recordingHandler{}
	b := NewBridge(c, handler, nil)
	b.ctx = context.Background()
	b.started = time.Now().Add(-time.Minute)

	const n = 500
	want := make([]string, 0, n)
	for i := range n {
		eventID := fmt.Sprintf("$reply%d", i)
		want = append(want, eventID)
		b.handleMessageEvent(context.Background(), messageEvent("@alice:example.org", eventID, &event.MessageEventContent{
			MsgType:   event.MsgText,
			Body:      "more",
			RelatesTo: (&event.RelatesTo{}).SetThread("$root", "$root"),
		}))
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	got := make([]string, 0, len(handler.messages))
	for _, m := range handler.messages {
		got = append(got, m.ID)
	}
	assert.Equal(t, want, got, "replies reach the handler before the sync callback returns, in order")
}

func TestBridge_ReadyAfterSync(t *testing.T) {
	c, _ := newTestClient(t)
	b := NewBridge(c, &recordingHandler{}, nil)
	assert.Error(t, b.Ready())
	b.synced.Store(true)
	assert.NoError(t, b.Ready())
}
