package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

// Script executes orders through a user-supplied JavaScript decision function.
// The source is compiled once; every attempt runs in a fresh VM so repeated
// calls for the same order share no state.
//
// The script must define:
//
//	function execute(order) {
//	    return { fill: true, route: "js:static", price: 101.5, reference: "abc" };
//	}
//
// where order carries id, kind, input_asset, output_asset, input_amount,
// max_slippage and retry_count. A falsy fill (or a reason field) reports a
// failed attempt.
type Script struct {
	name    string
	program *goja.Program
}

// NewScript compiles the provided JavaScript source.
func NewScript(name, source string) (*Script, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, errs.New("strategy/script", errs.CodeInvalid, errs.WithMessage("script source required"))
	}
	if strings.TrimSpace(name) == "" {
		name = "strategy.js"
	}
	program, err := goja.Compile(name, trimmed, true)
	if err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage("compile script"), errs.WithCause(err))
	}
	return &Script{name: name, program: program}, nil
}

// Execute evaluates the script against the order in a fresh VM.
func (s *Script) Execute(ctx context.Context, order *schema.Order) (Outcome, error) {
	if order == nil {
		return Outcome{}, errs.New("strategy/script", errs.CodeInvalid, errs.WithMessage("order required"))
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("script execution: %w", err)
	}

	rt := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := rt.RunProgram(s.program); err != nil {
		return Outcome{}, errs.New("strategy/script", errs.CodeExecution,
			errs.WithMessage("evaluate script"), errs.WithOrderID(order.ID), errs.WithCause(err))
	}

	fn, ok := goja.AssertFunction(rt.Get("execute"))
	if !ok {
		return Outcome{}, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage("script must define execute(order)"))
	}

	amount, _ := order.InputAmount.Float64()
	slippage, _ := order.MaxSlippage.Float64()
	arg := rt.ToValue(map[string]any{
		"id":           order.ID,
		"kind":         string(order.Kind),
		"input_asset":  order.InputAsset,
		"output_asset": order.OutputAsset,
		"input_amount": amount,
		"max_slippage": slippage,
		"retry_count":  order.RetryCount,
	})

	result, err := fn(goja.Undefined(), arg)
	if err != nil {
		return Outcome{}, errs.New("strategy/script", errs.CodeExecution,
			errs.WithMessage("execute(order) threw"), errs.WithOrderID(order.ID), errs.WithCause(err))
	}

	return s.decode(order, result)
}

func (s *Script) decode(order *schema.Order, value goja.Value) (Outcome, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return Outcome{}, errs.New("strategy/script", errs.CodeExecution,
			errs.WithMessage("execute(order) returned no result"), errs.WithOrderID(order.ID))
	}
	raw, ok := value.Export().(map[string]any)
	if !ok {
		return Outcome{}, errs.New("strategy/script", errs.CodeExecution,
			errs.WithMessage("execute(order) must return an object"), errs.WithOrderID(order.ID))
	}

	if fill, _ := raw["fill"].(bool); !fill {
		reason, _ := raw["reason"].(string)
		if reason == "" {
			reason = "script declined fill"
		}
		return Outcome{Filled: false, Reason: reason}, nil
	}

	route, _ := raw["route"].(string)
	if route == "" {
		route = "js:" + s.name
	}
	reference, _ := raw["reference"].(string)
	if reference == "" {
		reference = fmt.Sprintf("%s-attempt-%d", order.ID, order.RetryCount+1)
	}
	return Outcome{
		Filled:              true,
		Route:               route,
		ExecutedPrice:       decimal.NewFromFloat(asFloat(raw["price"])),
		SettlementReference: reference,
	}, nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
