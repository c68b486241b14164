// ABOUTME: Tests for the bbolt key-value store and durable queues
// ABOUTME: Covers read/write/delete, FIFO order, requeue, and persistence across reopen

package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_KV(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, ok, err := s.Read(ctx, "routing:t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, "routing:t1", []byte(`{"active_agent":"Router"}`)))
	require.NoError(t, s.Write(ctx, "routing:t1", []byte(`{"active_agent":"MathAgent"}`)))

	v, ok, err := s.Read(ctx, "routing:t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"active_agent":"MathAgent"}`, string(v))

	has, err := s.Has(ctx, "routing:t1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete(ctx, "routing:t1"))
	require.NoError(t, s.Delete(ctx, "routing:t1"), "deleting a missing key is fine")

	has, err = s.Has(ctx, "routing:t1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_QueueFIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.Push(ctx, "feedback:!room", []byte(v)))
	}
	n, err := s.Len(ctx, "feedback:!room")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	v, ok, err := s.Pop(ctx, "feedback:!room")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(v))

	// Requeue goes to the back.
	require.NoError(t, s.Push(ctx, "feedback:!room", v))

	var order []string
	for {
		v, ok, err := s.Pop(ctx, "feedback:!room")
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, string(v))
	}
	assert.Equal(t, []string{"two", "three", "one"}, order)
}

func TestStore_PopMissingQueue(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.Pop(context.Background(), "never-used")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Len(context.Background(), "never-used")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Persists(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	require.NoError(t, s.Write(ctx, "routing:t9", []byte("MathAgent")))
	require.NoError(t, s.Push(ctx, "q", []byte("pending")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Read(ctx, "routing:t9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "MathAgent", string(v))

	v, ok, err = reopened.Pop(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", string(v))
}

func TestStore_CancelledContext(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Write(ctx, "k", []byte("v")), context.Canceled)
	_, _, err := s.Pop(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_PeekAndRotate(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Rotate(ctx, "feedback"), "rotating an empty queue is a no-op")

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(ctx, "feedback", []byte(v)))
	}

	head, ok, err := s.Peek(ctx, "feedback")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(head))

	n, err := s.Len(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "peek leaves the queue intact")

	require.NoError(t, s.Rotate(ctx, "feedback"))
	n, err = s.Len(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "rotate neither drops nor duplicates")

	var order []string
	for {
		v, ok, err := s.Pop(ctx, "feedback")
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, string(v))
	}
	assert.Equal(t, []string{"b", "c", "a"}, order)
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.Write(ctx, "notes:t1:b", []byte("2")))
	require.NoError(t, s.Write(ctx, "notes:t1:a", []byte("1")))
	require.NoError(t, s.Write(ctx, "notes:t2:a", []byte("3")))
	require.NoError(t, s.Write(ctx, "routing:t1", []byte("{}")))

	keys, err := s.Keys(ctx, "notes:t1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes:t1:a", "notes:t1:b"}, keys)

	keys, err = s.Keys(ctx, "missing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
