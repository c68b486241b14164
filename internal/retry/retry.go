// ABOUTME: Retry wrapper around a completion backend with bounded exponential backoff
// ABOUTME: Sends a one-time notice on the first retry and allows one call in flight at a time

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
)

// Policy is the static retry configuration.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	// AttemptTimeout bounds each backend call. Zero means no bound.
	AttemptTimeout time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Completer.
type Option func(*Completer)

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Completer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Completer) { c.sleep = s }
}

// WithMetrics records attempts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Completer) { c.metrics = m }
}

// Completer wraps a Backend with classification and retries. One Completer
// serves one conversation.
type Completer struct {
	backend llm.Backend
	policy  Policy
	sleep   Sleeper
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// New wraps backend with policy.
func New(backend llm.Backend, policy Policy, opts ...Option) *Completer {
	c := &Completer{
		backend: backend,
		policy:  policy,
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "retry")
	return c
}

// Complete returns exactly one response or one error.
//
// Retryable failures are retried up to MaxRetries times, sleeping
// InitialDelay, then InitialDelay*BackoffMultiplier, and so on. notice, if
// non-nil, is called once before the first retry. Fatal failures and an
// exhausted retry budget return *Error with Class Fatal. Unclassified
// failures and cancellation of ctx are returned as they are.
func (c *Completer) Complete(ctx context.Context, req *llm.Request, notice func(context.Context)) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := c.policy.InitialDelay
	retries := 0

	for {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class, hint := Classify(err)
		switch class {
		case Fatal:
			c.logger.Error("backend call failed", "agent", req.Agent, "thread_id", req.ThreadID, "error", err)
			return nil, &Error{Class: Fatal, Hint: hint, Err: err}
		case Unclassified:
			return nil, err
		}

		if retries >= c.policy.MaxRetries {
			c.logger.Error("retry limit exceeded",
				"agent", req.Agent,
				"thread_id", req.ThreadID,
				"retries", retries,
				"error", err)
			return nil, &Error{
				Class: Fatal,
				Hint:  fmt.Sprintf("Retry limit exceeded after %d retries. The backend may be down.", retries),
				Err:   err,
			}
		}
		retries++

		if retries == 1 && notice != nil {
			notice(ctx)
		}

		c.logger.Warn("retrying backend call",
			"agent", req.Agent,
			"thread_id", req.ThreadID,
			"attempt", retries,
			"delay", delay,
			"error", err)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = time.Duration(float64(delay) * c.policy.BackoffMultiplier)
	}
}

func (c *Completer) attempt(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.backend.Complete(ctx, req)
	if err != nil {
		class, _ := Classify(err)
		c.metrics.BackendAttempt(class.String(), time.Since(start))
		return nil, err
	}
	c.metrics.BackendAttempt("success", time.Since(start))
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
