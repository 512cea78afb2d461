package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

// MemoryStore is an in-memory implementation of the OrderStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*schema.Order
}

// NewMemoryStore creates a memory-backed order store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string]*schema.Order)
	return store
}

// Insert stores a new order record.
func (s *MemoryStore) Insert(ctx context.Context, order *schema.Order) error {
	if err := checkContext(ctx, "insert"); err != nil {
		return err
	}
	if order == nil || order.ID == "" {
		return errs.New("store/memory", errs.CodeInvalid, errs.WithMessage("order with id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[order.ID]; exists {
		return errs.New("store/memory", errs.CodeConflict,
			errs.WithMessage("order already exists"), errs.WithOrderID(order.ID))
	}
	s.records[order.ID] = order.Clone()
	return nil
}

// Update overwrites the stored record for the order's id.
func (s *MemoryStore) Update(ctx context.Context, order *schema.Order) error {
	if err := checkContext(ctx, "update"); err != nil {
		return err
	}
	if order == nil || order.ID == "" {
		return errs.New("store/memory", errs.CodeInvalid, errs.WithMessage("order with id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[order.ID]; !exists {
		return errs.New("store/memory", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(order.ID))
	}
	s.records[order.ID] = order.Clone()
	return nil
}

// Get returns a copy of the stored order.
func (s *MemoryStore) Get(ctx context.Context, id string) (*schema.Order, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, errs.New("store/memory", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(id))
	}
	return record.Clone(), nil
}

// ListByStatus returns copies of all orders in the given status.
func (s *MemoryStore) ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Order
	for _, record := range s.records {
		if record.Status == status {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
