// Package postgres implements the order record store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/calderane/orderflow/errs"
	"github.com/calderane/orderflow/internal/schema"
)

// Store persists order records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    kind,
    input_asset,
    output_asset,
    input_amount,
    max_slippage,
    status,
    selected_route,
    executed_price,
    settlement_reference,
    retry_count,
    created_at,
    updated_at
)
VALUES (
    @id,
    @kind,
    @input_asset,
    @output_asset,
    @input_amount,
    @max_slippage,
    @status,
    @selected_route,
    @executed_price,
    @settlement_reference,
    @retry_count,
    @created_at,
    @updated_at
);
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    selected_route = @selected_route,
    executed_price = @executed_price,
    settlement_reference = @settlement_reference,
    retry_count = @retry_count,
    updated_at = @updated_at
WHERE id = @id;
`

	orderSelectBase = `
SELECT
    id::text,
    kind,
    input_asset,
    output_asset,
    input_amount::text,
    max_slippage::text,
    status,
    COALESCE(selected_route, ''),
    COALESCE(executed_price::text, ''),
    COALESCE(settlement_reference, ''),
    retry_count,
    created_at,
    updated_at
FROM orders
`
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New("store/postgres", errs.CodeUnavailable, errs.WithMessage("pool not configured"))
	}
	return s.pool, nil
}

// Insert stores a newly created order record.
func (s *Store) Insert(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return errs.New("store/postgres", errs.CodeInvalid, errs.WithMessage("order with id required"))
	}
	args := pgx.NamedArgs{
		"id":                   order.ID,
		"kind":                 string(order.Kind),
		"input_asset":          order.InputAsset,
		"output_asset":         order.OutputAsset,
		"input_amount":         order.InputAmount.String(),
		"max_slippage":         order.MaxSlippage.String(),
		"status":               string(order.Status),
		"selected_route":       nullableText(order.SelectedRoute),
		"executed_price":       nullablePrice(order),
		"settlement_reference": nullableText(order.SettlementReference),
		"retry_count":          order.RetryCount,
		"created_at":           order.CreatedAt,
		"updated_at":           order.UpdatedAt,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.New("store/postgres", errs.CodeConflict,
				errs.WithMessage("order already exists"), errs.WithOrderID(order.ID), errs.WithCause(err))
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// Update overwrites the mutable order fields.
func (s *Store) Update(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return errs.New("store/postgres", errs.CodeInvalid, errs.WithMessage("order with id required"))
	}
	args := pgx.NamedArgs{
		"id":                   order.ID,
		"status":               string(order.Status),
		"selected_route":       nullableText(order.SelectedRoute),
		"executed_price":       nullablePrice(order),
		"settlement_reference": nullableText(order.SettlementReference),
		"retry_count":          order.RetryCount,
		"updated_at":           order.UpdatedAt,
	}
	tag, err := pool.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("store/postgres", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithOrderID(order.ID))
	}
	return nil
}

// Get returns the stored order record.
func (s *Store) Get(ctx context.Context, id string) (*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+"WHERE id = $1", id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New("store/postgres", errs.CodeNotFound,
				errs.WithMessage("order not found"), errs.WithOrderID(id))
		}
		return nil, fmt.Errorf("order store: get order: %w", err)
	}
	return order, nil
}

// ListByStatus returns all orders currently in the given status.
func (s *Store) ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderSelectBase+"WHERE status = $1 ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var out []*schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*schema.Order, error) {
	var (
		order         schema.Order
		kind          string
		status        string
		inputAmount   string
		maxSlippage   string
		executedPrice string
		createdAt     time.Time
		updatedAt     time.Time
	)
	err := row.Scan(
		&order.ID,
		&kind,
		&order.InputAsset,
		&order.OutputAsset,
		&inputAmount,
		&maxSlippage,
		&status,
		&order.SelectedRoute,
		&executedPrice,
		&order.SettlementReference,
		&order.RetryCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Kind = schema.OrderKind(kind)
	order.Status = schema.OrderStatus(status)
	order.CreatedAt = createdAt
	order.UpdatedAt = updatedAt
	if order.InputAmount, err = decimal.NewFromString(inputAmount); err != nil {
		return nil, fmt.Errorf("parse input amount %q: %w", inputAmount, err)
	}
	if order.MaxSlippage, err = decimal.NewFromString(maxSlippage); err != nil {
		return nil, fmt.Errorf("parse max slippage %q: %w", maxSlippage, err)
	}
	if executedPrice != "" {
		if order.ExecutedPrice, err = decimal.NewFromString(executedPrice); err != nil {
			return nil, fmt.Errorf("parse executed price %q: %w", executedPrice, err)
		}
	}
	return &order, nil
}

func nullableText(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullablePrice(order *schema.Order) any {
	if order.Status != schema.OrderStatusCompleted {
		return nil
	}
	return order.ExecutedPrice.String()
}
