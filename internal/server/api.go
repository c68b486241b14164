// ABOUTME: Read-only HTTP API: usage totals per duck, per-thread reports and a live session event stream
// ABOUTME: Events are sent as server-sent events, one per state change or history entry

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
)

// UsageStatsResponse is one row of /api/stats/usage.
type UsageStatsResponse struct {
	DuckType        string `json:"duck_type"`
	Requests        int64  `json:"requests"`
	Threads         int64  `json:"threads"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	CachedTokens    int64  `json:"cached_tokens"`
	ReasoningTokens int64  `json:"reasoning_tokens"`
}

// handleUsageStats returns usage totals grouped by duck. Optional query
// parameters: duck, since and until (RFC 3339).
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.Usage == nil {
		s.sendJSONError(w, http.StatusNotFound, "usage reporting not configured")
		return
	}

	var filter store.UsageFilter
	q := r.URL.Query()
	if duck := q.Get("duck"); duck != "" {
		filter.DuckType = &duck
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: must be RFC 3339", name))
			return
		}
		*dst = &t
	}

	stats, err := s.config.Usage.GetUsageStats(r.Context(), filter)
	if err != nil {
		s.logger.Error("querying usage stats", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	resp := make([]UsageStatsResponse, 0, len(stats))
	for _, st := range stats {
		resp = append(resp, UsageStatsResponse{
			DuckType:        st.DuckType,
			Requests:        st.Requests,
			Threads:         st.Threads,
			InputTokens:     st.InputTokens,
			OutputTokens:    st.OutputTokens,
			CachedTokens:    st.CachedTokens,
			ReasoningTokens: st.ReasoningTokens,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ThreadUsageResponse is one backend completion in a thread report.
type ThreadUsageResponse struct {
	Agent        string    `json:"agent"`
	Engine       string    `json:"engine"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// ThreadFeedbackResponse is one review verdict in a thread report.
type ThreadFeedbackResponse struct {
	ReviewerID string    `json:"reviewer_id"`
	Score      *int      `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// ThreadReportResponse is the body of /api/thread.
type ThreadReportResponse struct {
	ThreadID     string                   `json:"thread_id"`
	InputTokens  int64                    `json:"input_tokens"`
	OutputTokens int64                    `json:"output_tokens"`
	Usage        []ThreadUsageResponse    `json:"usage"`
	Feedback     []ThreadFeedbackResponse `json:"feedback"`
}

// handleThreadReport returns the usage and review verdicts of one
// conversation. Required query parameter: id.
func (s *Server) handleThreadReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.Usage == nil {
		s.sendJSONError(w, http.StatusNotFound, "usage reporting not configured")
		return
	}
	threadID := r.URL.Query().Get("id")
	if threadID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "missing id")
		return
	}

	usage, err := s.config.Usage.GetThreadUsage(r.Context(), threadID)
	if err != nil {
		s.logger.Error("querying thread usage", "thread_id", threadID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	feedback, err := s.config.Usage.GetThreadFeedback(r.Context(), threadID)
	if err != nil {
		s.logger.Error("querying thread feedback", "thread_id", threadID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to query feedback")
		return
	}

	resp := ThreadReportResponse{
		ThreadID: threadID,
		Usage:    make([]ThreadUsageResponse, 0, len(usage)),
		Feedback: make([]ThreadFeedbackResponse, 0, len(feedback)),
	}
	for _, u := range usage {
		resp.InputTokens += u.InputTokens
		resp.OutputTokens += u.OutputTokens
		resp.Usage = append(resp.Usage, ThreadUsageResponse{
			Agent:        u.Agent,
			Engine:       u.Engine,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CreatedAt:    u.CreatedAt,
		})
	}
	for _, fb := range feedback {
		resp.Feedback = append(resp.Feedback, ThreadFeedbackResponse{
			ReviewerID: fb.ReviewerID,
			Score:      fb.Score,
			CreatedAt:  fb.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvents streams session events. ?thread=<id> limits the stream to
// one thread; without it every thread is streamed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.config.Events == nil {
		s.sendJSONError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	thread := r.URL.Query().Get("thread")
	if thread == "" {
		thread = conversation.AllThreads
	}
	events, _ := s.config.Events.Subscribe(r.Context(), thread)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		s.writeSSEEvent(w, string(ev.Kind), ev)
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
