// Package schema defines the canonical order types shared across the dispatch pipeline.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
)

// OrderKind enumerates supported order types.
type OrderKind string

const (
	// OrderKindMarketBuy buys the output asset with the full input amount.
	OrderKindMarketBuy OrderKind = "market_buy"
	// OrderKindMarketSell sells the input amount into the output asset.
	OrderKindMarketSell OrderKind = "market_sell"
)

// Valid reports whether the kind is a recognised order type.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarketBuy, OrderKindMarketSell:
		return true
	default:
		return false
	}
}

// MaxSlippageCeiling is the inclusive upper bound for order slippage tolerance.
var MaxSlippageCeiling = decimal.NewFromFloat(0.5)

// Order is the unit of work driven through the dispatch engine.
type Order struct {
	ID          string          `json:"id"`
	Kind        OrderKind       `json:"kind"`
	InputAsset  string          `json:"input_asset"`
	OutputAsset string          `json:"output_asset"`
	InputAmount decimal.Decimal `json:"input_amount"`
	MaxSlippage decimal.Decimal `json:"max_slippage"`

	Status OrderStatus `json:"status"`

	// Populated only when Status is OrderStatusCompleted.
	SelectedRoute       string          `json:"selected_route,omitempty"`
	ExecutedPrice       decimal.Decimal `json:"executed_price,omitempty"`
	SettlementReference string          `json:"settlement_reference,omitempty"`

	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the immutable order fields against submission policy.
func (o *Order) Validate() error {
	if o == nil {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("order required"))
	}
	if o.ID == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if !o.Kind.Valid() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("unsupported order kind"), errs.WithOrderID(o.ID))
	}
	if o.InputAsset == "" || o.OutputAsset == "" {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("input and output assets required"), errs.WithOrderID(o.ID))
	}
	if o.InputAsset == o.OutputAsset {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("input and output assets must differ"), errs.WithOrderID(o.ID))
	}
	if !o.InputAmount.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("input amount must be positive"), errs.WithOrderID(o.ID))
	}
	if o.MaxSlippage.IsNegative() || o.MaxSlippage.GreaterThan(MaxSlippageCeiling) {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("max slippage must be within [0, 0.5]"), errs.WithOrderID(o.ID))
	}
	return nil
}

// Clone returns an independent copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// Terminal reports whether the order has reached a terminal status.
func (o *Order) Terminal() bool {
	if o == nil {
		return false
	}
	return o.Status.Terminal()
}

// StatusUpdate is the payload pushed to live subscribers on every transition.
type StatusUpdate struct {
	OrderID             string          `json:"order_id"`
	Status              OrderStatus     `json:"status"`
	RetryCount          int             `json:"retry_count"`
	SelectedRoute       string          `json:"selected_route,omitempty"`
	ExecutedPrice       decimal.Decimal `json:"executed_price,omitempty"`
	SettlementReference string          `json:"settlement_reference,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Snapshot derives the live status payload from the current order state.
func (o *Order) Snapshot() StatusUpdate {
	if o == nil {
		return StatusUpdate{}
	}
	return StatusUpdate{
		OrderID:             o.ID,
		Status:              o.Status,
		RetryCount:          o.RetryCount,
		SelectedRoute:       o.SelectedRoute,
		ExecutedPrice:       o.ExecutedPrice,
		SettlementReference: o.SettlementReference,
		Timestamp:           o.UpdatedAt,
	}
}
