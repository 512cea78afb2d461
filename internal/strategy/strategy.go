// Package strategy defines the pluggable execution contract consumed by the
// dispatch engine, plus the bundled simulator and scriptable implementations.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/internal/schema"
)

// Outcome reports the result of a single execution attempt.
type Outcome struct {
	Filled bool

	// Populated when Filled.
	Route               string
	ExecutedPrice       decimal.Decimal
	SettlementReference string

	// Populated when not Filled. Diagnostic only; never surfaced to callers.
	Reason string
}

// ExecutionStrategy attempts to fulfil an order. Each call is a fully
// independent attempt: implementations must not assume retries share state.
// A returned error is treated identically to Outcome{Filled: false}.
type ExecutionStrategy interface {
	Execute(ctx context.Context, order *schema.Order) (Outcome, error)
}

// Func adapts a plain function to the ExecutionStrategy interface.
type Func func(ctx context.Context, order *schema.Order) (Outcome, error)

// Execute implements ExecutionStrategy.
func (f Func) Execute(ctx context.Context, order *schema.Order) (Outcome, error) {
	return f(ctx, order)
}
