package schema

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending marks a newly created order awaiting admission.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusValidating marks an admitted order under pre-execution checks.
	OrderStatusValidating OrderStatus = "VALIDATING"
	// OrderStatusExecuting marks an order with an execution attempt in flight.
	OrderStatusExecuting OrderStatus = "EXECUTING"
	// OrderStatusRetrying marks an order waiting out a backoff delay.
	OrderStatusRetrying OrderStatus = "RETRYING"
	// OrderStatusCompleted marks a successfully filled order. Terminal.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusFailed marks an order that exhausted its attempts or failed
	// validation. Terminal.
	OrderStatusFailed OrderStatus = "FAILED"
)

// transitions is the authoritative edge table for the order state machine.
// Status mutation happens only through the dispatch engine, which consults
// CanTransition before every write.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusValidating},
	OrderStatusValidating: {OrderStatusExecuting, OrderStatusFailed},
	OrderStatusExecuting:  {OrderStatusCompleted, OrderStatusRetrying, OrderStatusFailed},
	OrderStatusRetrying:   {OrderStatusExecuting},
}

// CanTransition reports whether the edge from one status to another is legal.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can occur from the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// Valid reports whether the status is a recognised lifecycle state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusValidating, OrderStatusExecuting,
		OrderStatusRetrying, OrderStatusCompleted, OrderStatusFailed:
		return true
	default:
		return false
	}
}
