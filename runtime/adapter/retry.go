package adapter

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/loomworks/loom/runtime/tools"
)

type (
	// RetryPolicy bounds re-execution of retryable tool failures. Delay for
	// attempt n is min(MaxDelay, BaseDelay*2^(n-1)), jittered by
	// +/- JitterRatio of the delay.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts, including the first.
		MaxAttempts int
		// BaseDelay seeds the exponential backoff.
		BaseDelay time.Duration
		// MaxDelay caps the computed delay before jitter.
		MaxDelay time.Duration
		// JitterRatio scales the random jitter, e.g. 0.2 for +/-20%.
		JitterRatio float64
		// Sleep overrides the backoff wait, primarily for tests. Defaults to
		// a context-cancellable timer sleep.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// TerminalReason explains why the retry layer stopped attempting.
	TerminalReason string

	// RetryExhaustedError reports a tool failure the retry layer gave up on,
	// along with the last attempt's metadata.
	RetryExhaustedError struct {
		// ToolName is the failing tool.
		ToolName string
		// Reason is non_retryable or max_attempts_exhausted.
		Reason TerminalReason
		// Attempts counts the executions performed.
		Attempts int
		// LastErrorCode and LastErrorMessage describe the final failure.
		LastErrorCode    string
		LastErrorMessage string
		// LastAttemptAt records when the final attempt finished.
		LastAttemptAt time.Time
	}
)

// Terminal reasons.
const (
	TerminalNonRetryable         TerminalReason = "non_retryable"
	TerminalMaxAttemptsExhausted TerminalReason = "max_attempts_exhausted"
)

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return "tool " + e.ToolName + " failed (" + string(e.Reason) + "): " + e.LastErrorCode + ": " + e.LastErrorMessage
}

// AsExecutionError converts the exhausted failure into the normalized tool
// error carried to the planner loop.
func (e *RetryExhaustedError) AsExecutionError() *tools.ExecutionError {
	return &tools.ExecutionError{
		ToolName:  e.ToolName,
		Code:      e.LastErrorCode,
		Message:   e.LastErrorMessage,
		Retryable: e.Reason == TerminalMaxAttemptsExhausted,
	}
}

// DefaultRetryPolicy mirrors the worker defaults: three attempts starting at
// 250ms, capped at 10s, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		JitterRatio: 0.2,
	}
}

// Retryable classifies an error result. A failure is retryable when its code
// is HTTP_429 or any HTTP_5xx, its message mentions a timeout, or the caller
// marked the result retryable.
func Retryable(result tools.Result) bool {
	if result.Retryable {
		return true
	}
	code := strings.ToUpper(result.ErrorCode)
	if code == "HTTP_429" {
		return true
	}
	if strings.HasPrefix(code, "HTTP_5") {
		return true
	}
	return strings.Contains(strings.ToLower(result.Message), "timeout")
}

// Delay computes the backoff before attempt n (1-based), jitter applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	if p.JitterRatio > 0 {
		delay += delay * p.JitterRatio * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry re-executes the handler on retryable error results until success,
// a non-retryable failure, or attempt exhaustion. Handler errors (transport
// or validation) are returned immediately; only structured error results go
// through classification.
func withRetry(next tools.Handler, policy RetryPolicy) tools.Handler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return func(ctx context.Context, call tools.Call) (tools.Result, error) {
		var last tools.Result
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			result, err := next(ctx, call)
			if err != nil {
				return tools.Result{}, err
			}
			if result.Status != tools.ResultError {
				return result, nil
			}
			last = result
			if !Retryable(result) {
				return result, &RetryExhaustedError{
					ToolName:         call.ToolName,
					Reason:           TerminalNonRetryable,
					Attempts:         attempt,
					LastErrorCode:    result.ErrorCode,
					LastErrorMessage: result.Message,
					LastAttemptAt:    time.Now().UTC(),
				}
			}
			if attempt == policy.MaxAttempts {
				break
			}
			if err := policy.sleep(ctx, policy.Delay(attempt)); err != nil {
				return tools.Result{}, err
			}
		}
		return last, &RetryExhaustedError{
			ToolName:         call.ToolName,
			Reason:           TerminalMaxAttemptsExhausted,
			Attempts:         policy.MaxAttempts,
			LastErrorCode:    last.ErrorCode,
			LastErrorMessage: last.Message,
			LastAttemptAt:    time.Now().UTC(),
		}
	}
}
