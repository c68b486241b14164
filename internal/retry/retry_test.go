// ABOUTME: Tests for the retry wrapper and error classification
// ABOUTME: Uses a scripted backend and a recording sleeper, so no real waiting happens

package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
)

// scripted returns the queued results in order, then fails the test.
type scripted struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scripted) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return llm.Reply("hello"), nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	if err != nil {
		return nil, err
	}
	return llm.Reply("hello"), nil
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func status(code int) error {
	return &llm.StatusError{StatusCode: code, Err: errors.New(http.StatusText(code))}
}

var testPolicy = Policy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	backend := &scripted{results: []error{status(503), status(500)}}
	slept := &sleeps{}
	c := New(backend, testPolicy, WithSleeper(slept.Sleep))

	notices := 0
	resp, err := c.Complete(context.Background(), &llm.Request{Agent: "Tutor"}, func(context.Context) { notices++ })

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 1, notices, "notice only on the first retry")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept.delays)
}

func TestComplete_DelaySequence(t *testing.T) {
	backend := &scripted{results: []error{status(502), status(502), status(502), status(502), status(502)}}
	slept := &sleeps{}
	c := New(backend, Policy{MaxRetries: 4, InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 3}, WithSleeper(slept.Sleep))

	_, err := c.Complete(context.Background(), &llm.Request{}, nil)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, Fatal, rerr.Class)
	assert.Contains(t, rerr.Hint, "Retry limit exceeded")
	assert.Equal(t, 5, backend.calls, "one attempt plus MaxRetries retries")
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		900 * time.Millisecond,
		2700 * time.Millisecond,
	}, slept.delays)
}

func TestComplete_FatalIsNotRetried(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404, 409, 429} {
		backend := &scripted{results: []error{status(code)}}
		slept := &sleeps{}
		c := New(backend, testPolicy, WithSleeper(slept.Sleep))

		notices := 0
		_, err := c.Complete(context.Background(), &llm.Request{}, func(context.Context) { notices++ })

		var rerr *Error
		require.ErrorAs(t, err, &rerr, "status %d", code)
		assert.Equal(t, Fatal, rerr.Class)
		assert.NotEmpty(t, rerr.Hint)
		assert.Equal(t, 1, backend.calls)
		assert.Zero(t, notices)
		assert.Empty(t, slept.delays)
	}
}

func TestComplete_UnclassifiedPassesThrough(t *testing.T) {
	boom := errors.New("unexpected response shape")
	backend := &scripted{results: []error{boom}}
	c := New(backend, testPolicy, WithSleeper((&sleeps{}).Sleep))

	_, err := c.Complete(context.Background(), &llm.Request{}, nil)
	assert.Same(t, boom, err)

	var rerr *Error
	assert.False(t, errors.As(err, &rerr))
}

func TestComplete_AttemptTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	backend := llm.BackendFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return llm.Reply("late but fine"), nil
	})
	slept := &sleeps{}
	c := New(backend, Policy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 2, AttemptTimeout: 10 * time.Millisecond},
		WithSleeper(slept.Sleep))

	resp, err := c.Complete(context.Background(), &llm.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "late but fine", resp.Text)
	assert.Len(t, slept.delays, 1)
}

func TestComplete_CancelledDuringBackoff(t *testing.T) {
	backend := &scripted{results: []error{status(503), status(503)}}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(backend, testPolicy, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Complete(ctx, &llm.Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.calls)
}

func TestComplete_OneCallInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	backend := llm.BackendFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return llm.Reply("ok"), nil
	})
	c := New(backend, testPolicy)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Complete(context.Background(), &llm.Request{}, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestComplete_RecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	backend := &scripted{results: []error{status(503)}}
	c := New(backend, testPolicy, WithSleeper((&sleeps{}).Sleep), WithMetrics(m))

	_, err := c.Complete(context.Background(), &llm.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues("retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues("success")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"timeout status", status(408), Retryable},
		{"unprocessable", status(422), Retryable},
		{"internal", status(500), Retryable},
		{"gateway timeout", status(504), Retryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"bad request", status(400), Fatal},
		{"auth", status(401), Fatal},
		{"rate limit", status(429), Fatal},
		{"not found", status(404), Fatal},
		{"conflict", status(409), Fatal},
		{"tool loop", llm.ErrTooManyToolCalls, Fatal},
		{"teapot", status(418), Unclassified},
		{"plain", errors.New("nope"), Unclassified},
		{"nil", nil, Unclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, hint := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			if got == Fatal {
				assert.NotEmpty(t, hint)
			}
		})
	}
}
