// Package adapter layers provider concerns on top of registered tools:
// tenant credential resolution, idempotent execution, and bounded retry with
// jitter. Each layer is optional and composable; the wrapped handler keeps
// the tools.Handler signature so it can be registered or stacked further.
package adapter

import (
	"context"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/tools"
)

type (
	// CredentialResolver returns the credential bundle for a tool call. The
	// returned bundle's scope must equal the call scope; any mismatch is a
	// validation error and the provider is never invoked.
	CredentialResolver interface {
		Resolve(ctx context.Context, scope contract.Scope, toolName string) (*tools.Credentials, error)
	}

	// Options configures the adapter layers. Nil fields disable the layer.
	Options struct {
		// Credentials resolves tenant-scoped provider credentials.
		Credentials CredentialResolver
		// Idempotency dedups repeated executions of the same step.
		Idempotency IdempotencyStore
		// Retry bounds re-execution of retryable failures.
		Retry *RetryPolicy
	}
)

// Wrap composes the configured layers around the handler. Layer order is
// fixed: credentials resolve first, then the idempotency layer consults its
// store, then retry drives the provider call.
func Wrap(handler tools.Handler, opts Options) tools.Handler {
	wrapped := handler
	if opts.Retry != nil {
		wrapped = withRetry(wrapped, *opts.Retry)
	}
	if opts.Idempotency != nil {
		wrapped = withIdempotency(wrapped, opts.Idempotency)
	}
	if opts.Credentials != nil {
		wrapped = withCredentials(wrapped, opts.Credentials)
	}
	return wrapped
}

func withCredentials(next tools.Handler, resolver CredentialResolver) tools.Handler {
	return func(ctx context.Context, call tools.Call) (tools.Result, error) {
		bundle, err := resolver.Resolve(ctx, call.Scope, call.ToolName)
		if err != nil {
			return tools.Result{}, err
		}
		if bundle != nil && !bundle.Scope.Equal(call.Scope) {
			return tools.Result{}, contract.Validationf(
				"credential_bundle", "scope", "tenant_mismatch",
				"bundle scope %s does not match call scope %s", bundle.Scope, call.Scope,
			)
		}
		call.Credentials = bundle
		return next(ctx, call)
	}
}
