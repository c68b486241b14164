// ABOUTME: OpenAI chat completions backend with local tools and hand-off functions
// ABOUTME: Maps transfer_to_<agent> and conclude_conversation calls onto tagged Responses

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	handoffPrefix = "transfer_to_"
	concludeName  = "conclude_conversation"

	defaultMaxToolRounds = 8
)

var (
	nonFunctionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
	emptyParameters  = json.RawMessage(`{"type":"object","properties":{}}`)
	messageParameter = json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Short message shown to the student."}}}`)
)

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty for api.openai.com
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	// MaxToolRounds bounds local tool rounds per completion.
	MaxToolRounds int
}

// OpenAI implements Backend on the chat completions API.
type OpenAI struct {
	client        *openai.Client
	maxToolRounds int
	logger        *slog.Logger
}

// NewOpenAI creates a backend. Pass nil logger for default.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}

	return &OpenAI{
		client:        openai.NewClientWithConfig(clientCfg),
		maxToolRounds: rounds,
		logger:        logger.With("component", "openai"),
	}
}

// Complete runs one completion for req.Agent. Local tool calls are executed
// and fed back until the model replies, hands off, or concludes.
func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	tools, handoffs, locals := buildTools(req)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	var usage Usage
	for round := 0; round <= o.maxToolRounds; round++ {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		addUsage(&usage, resp.Usage)

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("completion returned no choices")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			out := Reply(msg.Content)
			out.Model, out.Usage = resp.Model, usage
			return out, nil
		}

		// Control transfers win over local tools in the same round.
		for _, call := range msg.ToolCalls {
			if target, ok := handoffs[call.Function.Name]; ok {
				out := Handoff(target, messageArg(call.Function.Arguments))
				out.Model, out.Usage = resp.Model, usage
				return out, nil
			}
			if call.Function.Name == concludeName {
				out := End(messageArg(call.Function.Arguments))
				out.Model, out.Usage = resp.Model, usage
				return out, nil
			}
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			result := o.runTool(ctx, req.ThreadID, locals, call)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, fmt.Errorf("agent %s: %w", req.Agent, ErrTooManyToolCalls)
}

func (o *OpenAI) runTool(ctx context.Context, threadID string, locals map[string]Tool, call openai.ToolCall) string {
	tool, ok := locals[call.Function.Name]
	if !ok || tool.Handler == nil {
		o.logger.Warn("model called unknown tool", "tool", call.Function.Name, "thread_id", threadID)
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}

	out, err := tool.Handler(ctx, threadID, json.RawMessage(call.Function.Arguments))
	if err != nil {
		o.logger.Debug("tool failed", "tool", tool.Name, "thread_id", threadID, "error", err)
		return "error: " + err.Error()
	}
	return out
}

// buildTools returns the function list sent to the model, the function name
// to agent map for hand-offs, and the local tools by name.
func buildTools(req *Request) ([]openai.Tool, map[string]string, map[string]Tool) {
	var tools []openai.Tool
	handoffs := make(map[string]string, len(req.Handoffs))
	locals := make(map[string]Tool, len(req.Tools))

	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = emptyParameters
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
		locals[t.Name] = t
	}

	for _, target := range req.Handoffs {
		name := HandoffFunctionName(target)
		handoffs[name] = target
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: fmt.Sprintf("Transfer the conversation to the %s agent.", target),
				Parameters:  messageParameter,
			},
		})
	}

	tools = append(tools, openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        concludeName,
			Description: "End the conversation once the student's question is resolved or they say goodbye.",
			Parameters:  messageParameter,
		},
	})

	return tools, handoffs, locals
}

// HandoffFunctionName is the function exposed to the model for a transfer to agent.
func HandoffFunctionName(agent string) string {
	return handoffPrefix + strings.Trim(nonFunctionChars.ReplaceAllString(agent, "_"), "_")
}

func messageArg(arguments string) string {
	var args struct {
		Message string `json:"message"`
	}
	if arguments == "" {
		return ""
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	return args.Message
}

func addUsage(u *Usage, in openai.Usage) {
	u.InputTokens += int64(in.PromptTokens)
	u.OutputTokens += int64(in.CompletionTokens)
	if in.PromptTokensDetails != nil {
		u.CachedTokens += int64(in.PromptTokensDetails.CachedTokens)
	}
	if in.CompletionTokensDetails != nil {
		u.ReasoningTokens += int64(in.CompletionTokensDetails.ReasoningTokens)
	}
}

// classifyOpenAIError surfaces HTTP status codes as *StatusError.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		return &StatusError{StatusCode: http.StatusRequestTimeout, Err: err}
	}

	return err
}
