// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps records in memory and preserves call order for assertions

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages []*MessageRecord
	usage    []*UsageRecord
	feedback []*FeedbackRecord

	// Err, when set, is returned by every Record call.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordMessage stores a copy of msg.
func (m *MockStore) RecordMessage(ctx context.Context, msg *MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c := *msg
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, &c)
	return nil
}

// RecordUsage stores a copy of usage.
func (m *MockStore) RecordUsage(ctx context.Context, usage *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c := *usage
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	m.usage = append(m.usage, &c)
	return nil
}

// RecordFeedback stores a copy of fb.
func (m *MockStore) RecordFeedback(ctx context.Context, fb *FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c := *fb
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	m.feedback = append(m.feedback, &c)
	return nil
}

// GetThreadMessages returns messages for a thread in record order.
func (m *MockStore) GetThreadMessages(ctx context.Context, threadID string) ([]*MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MessageRecord
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			c := *msg
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetThreadUsage returns usage rows for a thread in record order.
func (m *MockStore) GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UsageRecord
	for _, u := range m.usage {
		if u.ThreadID == threadID {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetUsageStats aggregates usage rows per duck. Time filters are applied to CreatedAt.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) ([]*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDuck := make(map[string]*UsageStats)
	threads := make(map[string]map[string]bool)
	for _, u := range m.usage {
		if filter.DuckType != nil && u.DuckType != *filter.DuckType {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		st, ok := byDuck[u.DuckType]
		if !ok {
			st = &UsageStats{DuckType: u.DuckType}
			byDuck[u.DuckType] = st
			threads[u.DuckType] = make(map[string]bool)
		}
		st.Requests++
		st.InputTokens += u.InputTokens
		st.OutputTokens += u.OutputTokens
		st.CachedTokens += u.CachedTokens
		st.ReasoningTokens += u.ReasoningTokens
		threads[u.DuckType][u.ThreadID] = true
	}

	out := make([]*UsageStats, 0, len(byDuck))
	for duck, st := range byDuck {
		st.Threads = int64(len(threads[duck]))
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DuckType < out[j].DuckType })
	return out, nil
}

// GetThreadFeedback returns feedback rows for a thread.
func (m *MockStore) GetThreadFeedback(ctx context.Context, threadID string) ([]*FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*FeedbackRecord
	for _, fb := range m.feedback {
		if fb.ThreadID == threadID {
			c := *fb
			out = append(out, &c)
		}
	}
	return out, nil
}

// Messages returns every recorded message in call order.
func (m *MockStore) Messages() []*MessageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MessageRecord(nil), m.messages...)
}

// Usage returns every recorded usage row in call order.
func (m *MockStore) Usage() []*UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*UsageRecord(nil), m.usage...)
}

// Feedback returns every recorded feedback row in call order.
func (m *MockStore) Feedback() []*FeedbackRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*FeedbackRecord(nil), m.feedback...)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
