// Package chain composes planner adapters into a failover sequence: each
// provider is tried in order and the first intent wins. Chains keep a single
// provider outage from failing every workflow step.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
	"github.com/loomworks/loom/runtime/telemetry"
)

// Provider is one named planning backend in the chain.
type Provider struct {
	Name string
	Plan planner.PlanFunc
}

// Chain tries providers in order.
type Chain struct {
	providers []Provider
	logger    telemetry.Logger
}

// New validates the providers and builds a chain.
func New(logger telemetry.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	for _, p := range providers {
		if p.Name == "" || p.Plan == nil {
			return nil, errors.New("provider name and plan function are required")
		}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Chain{providers: providers, logger: logger}, nil
}

// PlanFunc returns the chained planning function.
func (c *Chain) PlanFunc() planner.PlanFunc { return c.Plan }

// Plan tries each provider until one returns an intent. Context cancellation
// stops the chain; otherwise the last provider's error is returned with every
// failure logged along the way.
func (c *Chain) Plan(ctx context.Context, input contract.PlannerInputV1) (contract.PlannerIntent, error) {
	var lastErr error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return contract.PlannerIntent{}, err
		}
		intent, err := p.Plan(ctx, input)
		if err == nil {
			return intent, nil
		}
		lastErr = fmt.Errorf("%s: %w", p.Name, err)
		c.logger.Warn(ctx, "planner provider failed", "provider", p.Name, "err", err.Error())
	}
	return contract.PlannerIntent{}, lastErr
}
