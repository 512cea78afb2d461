package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
)

func validOrder() *Order {
	return &Order{
		ID:          "ord-1",
		Kind:        OrderKindMarketBuy,
		InputAsset:  "USDT",
		OutputAsset: "BTC",
		InputAmount: decimal.NewFromInt(100),
		MaxSlippage: decimal.NewFromFloat(0.01),
		Status:      OrderStatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestOrderValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Order)
		ok     bool
	}{
		{name: "valid", mutate: func(*Order) {}, ok: true},
		{name: "zero slippage", mutate: func(o *Order) { o.MaxSlippage = decimal.Zero }, ok: true},
		{name: "slippage at ceiling", mutate: func(o *Order) { o.MaxSlippage = decimal.NewFromFloat(0.5) }, ok: true},
		{name: "missing id", mutate: func(o *Order) { o.ID = "" }, ok: false},
		{name: "bad kind", mutate: func(o *Order) { o.Kind = "limit" }, ok: false},
		{name: "missing asset", mutate: func(o *Order) { o.OutputAsset = "" }, ok: false},
		{name: "same assets", mutate: func(o *Order) { o.OutputAsset = o.InputAsset }, ok: false},
		{name: "zero amount", mutate: func(o *Order) { o.InputAmount = decimal.Zero }, ok: false},
		{name: "negative amount", mutate: func(o *Order) { o.InputAmount = decimal.NewFromInt(-5) }, ok: false},
		{name: "negative slippage", mutate: func(o *Order) { o.MaxSlippage = decimal.NewFromFloat(-0.1) }, ok: false},
		{name: "slippage above ceiling", mutate: func(o *Order) { o.MaxSlippage = decimal.NewFromFloat(0.51) }, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := validOrder()
			tc.mutate(order)
			err := order.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if errs.CodeOf(err) != errs.CodeInvalid {
					t.Fatalf("code = %q, want %q", errs.CodeOf(err), errs.CodeInvalid)
				}
			}
		})
	}
}

func TestOrderValidateNil(t *testing.T) {
	var order *Order
	if err := order.Validate(); err == nil {
		t.Fatal("expected error for nil order")
	}
}

func TestOrderCloneIndependence(t *testing.T) {
	order := validOrder()
	clone := order.Clone()
	clone.Status = OrderStatusExecuting
	clone.RetryCount = 3
	if order.Status != OrderStatusPending || order.RetryCount != 0 {
		t.Fatal("mutating clone affected original")
	}
}

func TestOrderSnapshot(t *testing.T) {
	order := validOrder()
	order.Status = OrderStatusCompleted
	order.SelectedRoute = "sim"
	order.ExecutedPrice = decimal.NewFromFloat(42000.5)
	order.SettlementReference = "fill-7"
	order.RetryCount = 1

	snap := order.Snapshot()
	if snap.OrderID != order.ID {
		t.Fatalf("snapshot order id = %q", snap.OrderID)
	}
	if snap.Status != OrderStatusCompleted {
		t.Fatalf("snapshot status = %q", snap.Status)
	}
	if snap.RetryCount != 1 {
		t.Fatalf("snapshot retry count = %d", snap.RetryCount)
	}
	if !snap.ExecutedPrice.Equal(order.ExecutedPrice) {
		t.Fatalf("snapshot price = %s", snap.ExecutedPrice)
	}
	if snap.SettlementReference != "fill-7" {
		t.Fatalf("snapshot settlement ref = %q", snap.SettlementReference)
	}
}
