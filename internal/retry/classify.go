// ABOUTME: Error taxonomy for completion backend failures
// ABOUTME: Maps HTTP status codes and timeouts onto Retryable, Fatal or Unclassified

package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
)

// Class says what to do about a backend failure.
type Class int

const (
	// Unclassified errors are not understood here and pass through untouched.
	Unclassified Class = iota
	// Retryable errors are transient; the call is retried after a backoff.
	Retryable
	// Fatal errors will not succeed on retry; the conversation should end.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unclassified"
	}
}

// Error is a classified backend failure. Hint tells operators what to check.
type Error struct {
	Class Class
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var statusHints = map[int]string{
	http.StatusBadRequest:      "The backend rejected the request as malformed. Check the agent instructions and conversation length.",
	http.StatusUnauthorized:    "The backend rejected the API key. Check ai.api_key.",
	http.StatusForbidden:       "The API key is not allowed to use this model or endpoint.",
	http.StatusNotFound:        "The model or endpoint does not exist. Check the agent model name and ai.base_url.",
	http.StatusConflict:        "The backend reported a conflicting request.",
	http.StatusTooManyRequests: "Rate limit or quota exceeded. Check the account's usage limits and billing.",
}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusUnprocessableEntity: true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Classify sorts err into a Class and, for Fatal errors, a remediation hint.
// A per-attempt deadline counts as a timeout and is Retryable; callers must
// check their own context before classifying.
func Classify(err error) (Class, string) {
	if err == nil {
		return Unclassified, ""
	}

	if errors.Is(err, llm.ErrTooManyToolCalls) {
		return Fatal, "The agent kept calling tools without answering. Check its tool instructions."
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		if retryableStatus[se.StatusCode] {
			return Retryable, ""
		}
		if hint, ok := statusHints[se.StatusCode]; ok {
			return Fatal, hint
		}
		return Unclassified, ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable, ""
	}

	return Unclassified, ""
}
