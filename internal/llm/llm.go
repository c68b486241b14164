// ABOUTME: Completion backend contract: history in, one tagged Response out
// ABOUTME: A Response is a user-facing reply, a hand-off to another agent, or an end directive

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the author of a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one history entry.
type Message struct {
	Role    Role
	Content string
}

// ToolHandler executes a local tool. threadID scopes any state the tool keeps.
type ToolHandler func(ctx context.Context, threadID string, input json.RawMessage) (string, error)

// Tool is a function the model may call locally before answering.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object. Nil means no arguments.
	Parameters json.RawMessage
	Handler    ToolHandler
}

// Request is one completion call for the active agent.
type Request struct {
	ThreadID     string
	Agent        string
	Instructions string
	Model        string
	Tools        []Tool
	// Handoffs lists the agents this agent may transfer control to.
	Handoffs []string
	History  []Message
}

// ResponseKind discriminates Response.
type ResponseKind int

const (
	KindReply ResponseKind = iota
	KindHandoff
	KindEnd
)

func (k ResponseKind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindHandoff:
		return "handoff"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Usage is the token accounting of one completion, summed over tool rounds.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64
}

// Response is the outcome of a completion.
//
// For KindReply, Text is the message for the user. For KindHandoff, Target
// names the next agent and Text is an optional message to show while handing
// over. For KindEnd, Text is an optional farewell.
type Response struct {
	Kind   ResponseKind
	Text   string
	Target string
	Model  string
	Usage  Usage
}

// Reply builds a KindReply response.
func Reply(text string) *Response { return &Response{Kind: KindReply, Text: text} }

// Handoff builds a KindHandoff response.
func Handoff(target, text string) *Response {
	return &Response{Kind: KindHandoff, Target: target, Text: text}
}

// End builds a KindEnd response.
func End(text string) *Response { return &Response{Kind: KindEnd, Text: text} }

// Backend produces completions.
type Backend interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req *Request) (*Response, error)

// Complete calls f.
func (f BackendFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrTooManyToolCalls is returned when the model keeps calling local tools
// past the per-completion round limit.
var ErrTooManyToolCalls = errors.New("too many tool call rounds")

// StatusError carries the HTTP status of a failed backend call. Client-side
// timeouts are reported as 408.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
