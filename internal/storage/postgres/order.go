package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderq/internal/domain/order"
)

const (
	orderColumns = `order_id, user_id, item_ids, total_amount, status, created_at, completed_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO NOTHING`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`

	getStatusSQL = `SELECT status FROM orders WHERE order_id = $1`

	updateStatusSQL = `UPDATE orders
		SET status = $3, completed_at = COALESCE($4, completed_at)
		WHERE order_id = $1 AND status = $2`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at, order_id`
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order. A conflicting order_id leaves the existing row
// untouched and reports order.ErrAlreadyExists.
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	tag, err := s.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, o.ItemIDs, o.TotalAmount, string(o.Status), o.CreatedAt, o.CompletedAt,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("creating order %q", o.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrAlreadyExists
	}
	return nil
}

// Get returns a single order by its identifier.
func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := s.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("getting order %q", id), err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, unavailable(fmt.Sprintf("getting order %q", id), err)
	}
	return &o, nil
}

// Status returns the stored status of an order.
func (s *OrderStore) Status(ctx context.Context, id string) (order.Status, error) {
	var st string
	if err := s.pool.QueryRow(ctx, getStatusSQL, id).Scan(&st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", order.ErrNotFound
		}
		return "", unavailable(fmt.Sprintf("getting status of order %q", id), err)
	}
	return order.Status(st), nil
}

// UpdateStatus applies u in a single conditional UPDATE. When no row matches,
// the order is looked up again to tell a missing order from a stale status.
func (s *OrderStore) UpdateStatus(ctx context.Context, u order.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, updateStatusSQL,
		u.ID, string(u.From), string(u.To), u.CompletedAt,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("updating order %q to %s", u.ID, u.To), err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.Status(ctx, u.ID); err != nil {
		return err
	}
	return order.ErrStatusMismatch
}

// List returns all orders ordered by creation time.
func (s *OrderStore) List(ctx context.Context) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, listOrdersSQL)
	if err != nil {
		return nil, unavailable("listing orders", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, unavailable("listing orders", err)
	}
	return orders, nil
}

// Ping verifies the database is reachable.
func (s *OrderStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o           order.Order
		status      string
		amount      decimal.Decimal
		createdAt   time.Time
		completedAt *time.Time
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ItemIDs, &amount, &status, &createdAt, &completedAt)
	o.TotalAmount = amount
	o.Status = order.Status(status)
	o.CreatedAt = createdAt.UTC()
	if completedAt != nil {
		at := completedAt.UTC()
		o.CompletedAt = &at
	}
	return o, err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", order.ErrStoreUnavailable, op, err)
}
