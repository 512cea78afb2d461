package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

func newOrder(id string) *schema.Order {
	now := time.Now()
	return &schema.Order{
		ID:          id,
		Kind:        schema.OrderKindMarketSell,
		InputAsset:  "BTC",
		OutputAsset: "USDT",
		InputAmount: decimal.NewFromFloat(0.5),
		MaxSlippage: decimal.NewFromFloat(0.01),
		Status:      schema.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStoreInsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	order := newOrder("ord-1")
	if err := s.Insert(ctx, order); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "ord-1" || got.Status != schema.OrderStatusPending {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Returned record is a copy; mutating it must not leak into the store.
	got.Status = schema.OrderStatusFailed
	again, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Status != schema.OrderStatusPending {
		t.Fatal("store record mutated through returned copy")
	}
}

func TestMemoryStoreInsertDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Insert(ctx, newOrder("ord-1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	err := s.Insert(ctx, newOrder("ord-1"))
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("duplicate insert code = %q, want conflict", errs.CodeOf(err))
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	order := newOrder("ord-1")
	if err := s.Insert(ctx, order); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	order.Status = schema.OrderStatusCompleted
	order.SelectedRoute = "sim:BTC/USDT"
	order.ExecutedPrice = decimal.NewFromInt(60000)
	order.SettlementReference = "fill-1"
	order.RetryCount = 2
	if err := s.Update(ctx, order); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != schema.OrderStatusCompleted || got.RetryCount != 2 {
		t.Fatalf("unexpected record after update: %+v", got)
	}
	if got.SettlementReference != "fill-1" {
		t.Fatalf("settlement reference = %q", got.SettlementReference)
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), newOrder("ghost"))
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("code = %q, want not_found", errs.CodeOf(err))
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "ghost")
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("code = %q, want not_found", errs.CodeOf(err))
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Insert(ctx, newOrder(id)); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}
	done := newOrder("b")
	done.Status = schema.OrderStatusCompleted
	if err := s.Update(ctx, done); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	pending, err := s.ListByStatus(ctx, schema.OrderStatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}

	completed, err := s.ListByStatus(ctx, schema.OrderStatusCompleted)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "b" {
		t.Fatalf("completed = %+v", completed)
	}
}

func TestMemoryStoreRespectsContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Insert(ctx, newOrder("ord-1")); err == nil {
		t.Fatal("expected context error on insert")
	}
	if _, err := s.Get(ctx, "ord-1"); err == nil {
		t.Fatal("expected context error on get")
	}
}
