// ABOUTME: Tests for the observability HTTP endpoints and gRPC health lifecycle
// ABOUTME: Uses httptest against the handler and a real gRPC health client over loopback

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
)

func TestHealthAndReady(t *testing.T) {
	var notReady error = errors.New("matrix not connected")
	srv := New(Config{Ready: func() error { return notReady }})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "matrix not connected")

	notReady = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SessionStarted()

	srv := New(Config{Gatherer: reg})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duck_sessions_started_total 1")
}

func TestUsageStats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rows := []*store.UsageRecord{
		{ThreadID: "t1", DuckType: "cs110", InputTokens: 100, OutputTokens: 20, CreatedAt: day},
		{ThreadID: "t1", DuckType: "cs110", InputTokens: 50, OutputTokens: 10, CreatedAt: day.Add(time.Hour)},
		{ThreadID: "t2", DuckType: "cs235", InputTokens: 7, OutputTokens: 3, CreatedAt: day.Add(48 * time.Hour)},
	}
	for _, r := range rows {
		require.NoError(t, st.RecordUsage(ctx, r))
	}
	h := New(Config{Usage: st}).Handler()

	get := func(query string) (int, []UsageStatsResponse) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/usage"+query, nil))
		var out []UsageStatsResponse
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		}
		return rec.Code, out
	}

	code, all := get("")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, all, 2)
	assert.Equal(t, "cs110", all[0].DuckType)
	assert.Equal(t, int64(2), all[0].Requests)
	assert.Equal(t, int64(1), all[0].Threads)
	assert.Equal(t, int64(150), all[0].InputTokens)

	code, one := get("?duck=cs235")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, one, 1)
	assert.Equal(t, int64(7), one[0].InputTokens)

	code, early := get("?until=2026-03-03T00:00:00Z")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, early, 1)
	assert.Equal(t, "cs110", early[0].DuckType)

	code, _ = get("?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUsageStats_NotConfigured(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Config{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadReport(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.RecordUsage(ctx, &store.UsageRecord{ThreadID: "t1", DuckType: "cs110", Agent: "Router", InputTokens: 100, OutputTokens: 20}))
	require.NoError(t, st.RecordUsage(ctx, &store.UsageRecord{ThreadID: "t1", DuckType: "cs110", Agent: "MathAgent", InputTokens: 40, OutputTokens: 5}))
	require.NoError(t, st.RecordUsage(ctx, &store.UsageRecord{ThreadID: "t2", DuckType: "cs110", InputTokens: 9}))
	score := 4
	require.NoError(t, st.RecordFeedback(ctx, &store.FeedbackRecord{ThreadID: "t1", ReviewerID: "@ta:example.org", Score: &score}))
	h := New(Config{Usage: st}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/thread?id=t1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report ThreadReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "t1", report.ThreadID)
	assert.Equal(t, int64(140), report.InputTokens)
	assert.Equal(t, int64(25), report.OutputTokens)
	require.Len(t, report.Usage, 2)
	require.Len(t, report.Feedback, 1)
	assert.Equal(t, "@ta:example.org", report.Feedback[0].ReviewerID)
	require.NotNil(t, report.Feedback[0].Score)
	assert.Equal(t, 4, *report.Feedback[0].Score)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/thread", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStream(t *testing.T) {
	events := conversation.NewEventBroadcaster(nil)
	defer events.Close()

	ts := httptest.NewServer(New(Config{Events: events}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?thread=t1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes before flushing headers, so publishing now
	// reaches it.
	events.Publish(&conversation.Event{ThreadID: "t2", Kind: conversation.EventMessage, Content: "other"})
	events.Publish(&conversation.Event{ThreadID: "t1", Kind: conversation.EventMessage, Role: "user", Content: "hello"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: message\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev conversation.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "t1", ev.ThreadID)
	assert.Equal(t, "hello", ev.Content)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRun_GRPCHealthLifecycle(t *testing.T) {
	grpcAddr := freeAddr(t)
	srv := New(Config{HTTPAddr: freeAddr(t), GRPCAddr: grpcAddr})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
