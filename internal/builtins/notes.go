// ABOUTME: Notes tools give agents a small key-value scratchpad per conversation thread
// ABOUTME: Notes live in the durable key-value store and disappear from view in other threads

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
)

// maxNoteSize bounds a single note value.
const maxNoteSize = 4096

// NoteStore is the key-value storage behind the notes tools.
type NoteStore interface {
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// NotesTools creates the note_set, note_get, note_list and note_delete tools.
func NotesTools(s NoteStore) []llm.Tool {
	n := &notesHandlers{store: s}
	return []llm.Tool{
		{
			Name:        "note_set",
			Description: "Store a note for this conversation",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
			Handler:     n.Set,
		},
		{
			Name:        "note_get",
			Description: "Retrieve a note stored earlier in this conversation",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Handler:     n.Get,
		},
		{
			Name:        "note_list",
			Description: "List the keys of all notes in this conversation",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     n.List,
		},
		{
			Name:        "note_delete",
			Description: "Delete a note",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Handler:     n.Delete,
		},
	}
}

type notesHandlers struct {
	store NoteStore
}

func notePrefix(threadID string) string {
	return "notes:" + threadID + ":"
}

type noteSetInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (n *notesHandlers) Set(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
	var in noteSetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errInvalidInput(err)
	}
	if in.Key == "" {
		return "", fmt.Errorf("key is required")
	}
	if len(in.Value) > maxNoteSize {
		return "", fmt.Errorf("note is %d bytes, the limit is %d", len(in.Value), maxNoteSize)
	}

	if err := n.store.Write(ctx, notePrefix(threadID)+in.Key, []byte(in.Value)); err != nil {
		return "", err
	}
	return result(map[string]string{"key": in.Key, "status": "saved"})
}

type noteKeyInput struct {
	Key string `json:"key"`
}

func (n *notesHandlers) Get(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
	var in noteKeyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errInvalidInput(err)
	}

	value, ok, err := n.store.Read(ctx, notePrefix(threadID)+in.Key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no note named %q", in.Key)
	}
	return result(map[string]string{"key": in.Key, "value": string(value)})
}

func (n *notesHandlers) List(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
	prefix := notePrefix(threadID)
	keys, err := n.store.Keys(ctx, prefix)
	if err != nil {
		return "", err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, prefix)
	}
	return result(map[string]any{"keys": names, "count": len(names)})
}

func (n *notesHandlers) Delete(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
	var in noteKeyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errInvalidInput(err)
	}
	if err := n.store.Delete(ctx, notePrefix(threadID)+in.Key); err != nil {
		return "", err
	}
	return result(map[string]string{"key": in.Key, "status": "deleted"})
}

func errInvalidInput(err error) error {
	return fmt.Errorf("invalid input: %w", err)
}

func result(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
