// ABOUTME: Durable per-thread routing state: which agent answers next
// ABOUTME: Serialized as JSON under routing:<thread_id> in the key-value store

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const routingKeyPrefix = "routing:"

// KV is the durable key-value store the router persists to.
type KV interface {
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RoutingState records the active agent of one thread. It is rewritten on
// every hand-off and deleted when the conversation closes normally.
type RoutingState struct {
	ThreadID    string    `json:"thread_id"`
	ActiveAgent string    `json:"active_agent"`
	Handoffs    int       `json:"handoffs"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoutingKey is the store key for threadID.
func RoutingKey(threadID string) string {
	return routingKeyPrefix + threadID
}

func loadState(ctx context.Context, kv KV, threadID string) (*RoutingState, bool, error) {
	raw, ok, err := kv.Read(ctx, RoutingKey(threadID))
	if err != nil || !ok {
		return nil, false, err
	}
	var st RoutingState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decoding routing state for %s: %w", threadID, err)
	}
	return &st, true, nil
}

func saveState(ctx context.Context, kv KV, st *RoutingState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding routing state: %w", err)
	}
	if err := kv.Write(ctx, RoutingKey(st.ThreadID), raw); err != nil {
		return fmt.Errorf("writing routing state for %s: %w", st.ThreadID, err)
	}
	return nil
}
