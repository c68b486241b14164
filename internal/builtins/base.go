// ABOUTME: Builtin local tools agents can reference by name in their configuration
// ABOUTME: Assembles the notes and clock tools into one list for the agent registry

package builtins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
)

// Tools returns every builtin tool. Notes are kept in kv.
func Tools(kv NoteStore) []llm.Tool {
	return append(NotesTools(kv), ClockTools(time.Now)...)
}

// ClockTools creates the current_time tool. now is injectable for tests.
func ClockTools(now func() time.Time) []llm.Tool {
	return []llm.Tool{
		{
			Name:        "current_time",
			Description: "Get the current date and time, for questions about deadlines and schedules",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA zone such as America/Denver"}}}`),
			Handler: func(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
				return currentTime(now(), input)
			},
		},
	}
}

type currentTimeInput struct {
	Timezone string `json:"timezone"`
}

func currentTime(t time.Time, input json.RawMessage) (string, error) {
	var in currentTimeInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return "", errInvalidInput(err)
		}
	}
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", err
		}
		t = t.In(loc)
	}
	return result(map[string]string{
		"time":    t.Format(time.RFC3339),
		"weekday": t.Weekday().String(),
	})
}
