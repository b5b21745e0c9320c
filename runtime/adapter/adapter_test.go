package adapter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/adapter"
	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/tools"
)

var acme = contract.Scope{TenantID: "acme", WorkspaceID: "main"}

func call(tool string, step int) tools.Call {
	return tools.Call{
		Scope:      acme,
		RequestID:  "req-1",
		StepNumber: step,
		ToolName:   tool,
		Args:       map[string]any{"channel": "#oncall"},
	}
}

// countingHandler returns the scripted results in order, then repeats the
// last one.
type countingHandler struct {
	mu      sync.Mutex
	results []tools.Result
	calls   int
}

func (h *countingHandler) handle(_ context.Context, _ tools.Call) (tools.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.calls
	if i >= len(h.results) {
		i = len(h.results) - 1
	}
	h.calls++
	return h.results[i], nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func noSleep(policy adapter.RetryPolicy) *adapter.RetryPolicy {
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return &policy
}

type staticResolver struct {
	bundle *tools.Credentials
	err    error
}

func (r staticResolver) Resolve(context.Context, contract.Scope, string) (*tools.Credentials, error) {
	return r.bundle, r.err
}

func TestRetrySucceedsAfterRateLimit(t *testing.T) {
	h := &countingHandler{results: []tools.Result{
		tools.Errorf("HTTP_429", false, "rate limited"),
		tools.Errorf("HTTP_503", false, "unavailable"),
		tools.OK("notify", "slack", nil),
	}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Retry: noSleep(adapter.DefaultRetryPolicy())})

	result, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, tools.ResultOK, result.Status)
	require.Equal(t, 3, h.count())
}

func TestRetryStopsOnNonRetryableFailure(t *testing.T) {
	h := &countingHandler{results: []tools.Result{
		tools.Errorf("HTTP_403", false, "forbidden"),
	}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Retry: noSleep(adapter.DefaultRetryPolicy())})

	_, err := wrapped(context.Background(), call("send_message", 0))
	var rerr *adapter.RetryExhaustedError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, adapter.TerminalNonRetryable, rerr.Reason)
	require.Equal(t, 1, rerr.Attempts)
	require.Equal(t, 1, h.count())
	require.False(t, rerr.AsExecutionError().Retryable)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	h := &countingHandler{results: []tools.Result{
		tools.Errorf("HTTP_500", false, "server error"),
	}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Retry: noSleep(adapter.DefaultRetryPolicy())})

	result, err := wrapped(context.Background(), call("send_message", 0))
	var rerr *adapter.RetryExhaustedError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, adapter.TerminalMaxAttemptsExhausted, rerr.Reason)
	require.Equal(t, 3, rerr.Attempts)
	require.Equal(t, 3, h.count())
	require.Equal(t, "HTTP_500", result.ErrorCode)
	require.True(t, rerr.AsExecutionError().Retryable)
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name   string
		result tools.Result
		want   bool
	}{
		{"explicit flag", tools.Result{Status: tools.ResultError, Retryable: true}, true},
		{"rate limit", tools.Errorf("HTTP_429", false, "slow down"), true},
		{"server error", tools.Errorf("HTTP_502", false, "bad gateway"), true},
		{"timeout message", tools.Errorf("PROVIDER", false, "request timeout"), true},
		{"client error", tools.Errorf("HTTP_404", false, "not found"), false},
		{"logic error", tools.Errorf("INVALID_CHANNEL", false, "no such channel"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, adapter.Retryable(tc.result))
		})
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	policy := adapter.RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 200*time.Millisecond, policy.Delay(2))
	require.Equal(t, 400*time.Millisecond, policy.Delay(3))
	require.Equal(t, 400*time.Millisecond, policy.Delay(9))

	jittered := adapter.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, JitterRatio: 0.2}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(1)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestIdempotencyReplaysStoredResult(t *testing.T) {
	h := &countingHandler{results: []tools.Result{tools.OK("notify", "slack", map[string]any{"ts": "1"})}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Idempotency: adapter.NewMemoryIdempotencyStore()})

	first, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	second, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.count())

	// A different step is a different key.
	_, err = wrapped(context.Background(), call("send_message", 1))
	require.NoError(t, err)
	require.Equal(t, 2, h.count())
}

func TestIdempotencyDoesNotCacheFailures(t *testing.T) {
	h := &countingHandler{results: []tools.Result{
		tools.Errorf("HTTP_404", false, "not found"),
		tools.OK("notify", "slack", nil),
	}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Idempotency: adapter.NewMemoryIdempotencyStore()})

	result, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, tools.ResultError, result.Status)

	// The failure was not recorded, so the next attempt executes again.
	result, err = wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, tools.ResultOK, result.Status)
	require.Equal(t, 2, h.count())
}

func TestIdempotencyDetectsFingerprintCollision(t *testing.T) {
	store := adapter.NewMemoryIdempotencyStore()
	c := call("send_message", 0)
	key, _, err := adapter.IdempotencyKey(c)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), adapter.IdempotencyRecord{
		Key:         key,
		Fingerprint: "different material",
		Result:      tools.OK("notify", "slack", nil),
	}))

	h := &countingHandler{results: []tools.Result{tools.OK("notify", "slack", nil)}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{Idempotency: store})

	_, err = wrapped(context.Background(), c)
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 0, h.count())
}

func TestIdempotencyKeyIgnoresArgOrder(t *testing.T) {
	a := call("send_message", 0)
	a.Args = map[string]any{"channel": "#oncall", "text": "hi"}
	b := call("send_message", 0)
	b.Args = map[string]any{"text": "hi", "channel": "#oncall"}

	keyA, fpA, err := adapter.IdempotencyKey(a)
	require.NoError(t, err)
	keyB, fpB, err := adapter.IdempotencyKey(b)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)
	require.Equal(t, fpA, fpB)

	b.Args["text"] = "bye"
	keyC, _, err := adapter.IdempotencyKey(b)
	require.NoError(t, err)
	require.NotEqual(t, keyA, keyC)
}

func TestCredentialLayerInjectsBundle(t *testing.T) {
	bundle := &tools.Credentials{Scope: acme, Provider: "slack", Secrets: map[string]string{"token": "xoxb"}}
	var seen *tools.Credentials
	handler := func(_ context.Context, c tools.Call) (tools.Result, error) {
		seen = c.Credentials
		return tools.OK("notify", "slack", nil), nil
	}
	wrapped := adapter.Wrap(handler, adapter.Options{Credentials: staticResolver{bundle: bundle}})

	_, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, bundle, seen)
}

func TestCredentialScopeMismatchRejectsCall(t *testing.T) {
	bundle := &tools.Credentials{
		Scope:    contract.Scope{TenantID: "rival", WorkspaceID: "main"},
		Provider: "slack",
	}
	executed := false
	handler := func(context.Context, tools.Call) (tools.Result, error) {
		executed = true
		return tools.OK("notify", "slack", nil), nil
	}
	wrapped := adapter.Wrap(handler, adapter.Options{Credentials: staticResolver{bundle: bundle}})

	_, err := wrapped(context.Background(), call("send_message", 0))
	var verr *contract.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, err.Error(), "tenant_mismatch")
	require.False(t, executed)
}

func TestWrapLayerOrder(t *testing.T) {
	// Credentials resolve once per call even when retry re-executes the
	// handler, and the idempotency record covers the whole retried exchange.
	resolves := 0
	resolver := resolverFunc(func(context.Context, contract.Scope, string) (*tools.Credentials, error) {
		resolves++
		return nil, nil
	})
	h := &countingHandler{results: []tools.Result{
		tools.Errorf("HTTP_429", false, "rate limited"),
		tools.OK("notify", "slack", nil),
	}}
	wrapped := adapter.Wrap(h.handle, adapter.Options{
		Credentials: resolver,
		Idempotency: adapter.NewMemoryIdempotencyStore(),
		Retry:       noSleep(adapter.DefaultRetryPolicy()),
	})

	_, err := wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, 1, resolves)
	require.Equal(t, 2, h.count())

	// Replay resolves credentials again but serves the stored result without
	// re-executing the handler.
	_, err = wrapped(context.Background(), call("send_message", 0))
	require.NoError(t, err)
	require.Equal(t, 2, resolves)
	require.Equal(t, 2, h.count())
}

type resolverFunc func(ctx context.Context, scope contract.Scope, toolName string) (*tools.Credentials, error)

func (f resolverFunc) Resolve(ctx context.Context, scope contract.Scope, toolName string) (*tools.Credentials, error) {
	return f(ctx, scope, toolName)
}
