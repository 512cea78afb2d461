// Package store defines durable keyed storage for order records. The dispatch
// engine writes every transition here; the store is a durable mirror, never
// the source of truth for in-flight admission decisions.
package store

import (
	"context"

	"github.com/calderane/orderflow/internal/schema"
)

// OrderStore persists order lifecycle information.
type OrderStore interface {
	// Insert stores a newly created order. Inserting an existing id is a
	// conflict.
	Insert(ctx context.Context, order *schema.Order) error
	// Update overwrites the mutable fields (status, retry count, fill
	// details, updated-at) of an existing order.
	Update(ctx context.Context, order *schema.Order) error
	// Get returns an independent copy of the order.
	Get(ctx context.Context, id string) (*schema.Order, error)
	// ListByStatus returns copies of all orders currently in the given
	// status, unordered.
	ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error)
}
