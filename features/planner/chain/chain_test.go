package chain_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/features/planner/chain"
	"github.com/loomworks/loom/runtime/contract"
)

func static(intent contract.PlannerIntent) func(context.Context, contract.PlannerInputV1) (contract.PlannerIntent, error) {
	return func(context.Context, contract.PlannerInputV1) (contract.PlannerIntent, error) {
		return intent, nil
	}
}

func failing(err error, calls *int) func(context.Context, contract.PlannerInputV1) (contract.PlannerIntent, error) {
	return func(context.Context, contract.PlannerInputV1) (contract.PlannerIntent, error) {
		*calls++
		return contract.PlannerIntent{}, err
	}
}

func TestNewRequiresProviders(t *testing.T) {
	_, err := chain.New(nil)
	require.ErrorContains(t, err, "at least one provider")

	_, err = chain.New(nil, chain.Provider{Name: "anthropic"})
	require.ErrorContains(t, err, "name and plan function")
}

func TestPlanReturnsFirstSuccess(t *testing.T) {
	want := contract.PlannerIntent{Type: contract.IntentComplete}
	calls := 0
	c, err := chain.New(nil,
		chain.Provider{Name: "primary", Plan: static(want)},
		chain.Provider{Name: "secondary", Plan: failing(errors.New("unused"), &calls)},
	)
	require.NoError(t, err)

	intent, err := c.Plan(context.Background(), contract.PlannerInputV1{})
	require.NoError(t, err)
	require.Equal(t, want, intent)
	require.Zero(t, calls)
}

func TestPlanFailsOverToNextProvider(t *testing.T) {
	want := contract.PlannerIntent{Type: contract.IntentAskUser, Question: "which channel?"}
	calls := 0
	c, err := chain.New(nil,
		chain.Provider{Name: "primary", Plan: failing(errors.New("rate limited"), &calls)},
		chain.Provider{Name: "secondary", Plan: static(want)},
	)
	require.NoError(t, err)

	intent, err := c.Plan(context.Background(), contract.PlannerInputV1{})
	require.NoError(t, err)
	require.Equal(t, want, intent)
	require.Equal(t, 1, calls)
}

func TestPlanReturnsLastErrorWithProviderName(t *testing.T) {
	calls := 0
	sentinel := errors.New("model overloaded")
	c, err := chain.New(nil,
		chain.Provider{Name: "primary", Plan: failing(errors.New("boom"), &calls)},
		chain.Provider{Name: "secondary", Plan: failing(sentinel, &calls)},
	)
	require.NoError(t, err)

	_, err = c.Plan(context.Background(), contract.PlannerInputV1{})
	require.ErrorIs(t, err, sentinel)
	require.Contains(t, err.Error(), "secondary:")
	require.Equal(t, 2, calls)
}

func TestPlanStopsOnCanceledContext(t *testing.T) {
	calls := 0
	c, err := chain.New(nil,
		chain.Provider{Name: "primary", Plan: failing(errors.New("boom"), &calls)},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Plan(ctx, contract.PlannerInputV1{})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}
