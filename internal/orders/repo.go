package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo persists orders and their items. Every method joins the transaction
// carried on ctx when there is one.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, user_id, status, total_cents, currency,
	COALESCE(payment_reference, ''), COALESCE(payment_id, ''), shipping_address, created_at, updated_at`

func (r *Repo) InsertOrder(ctx context.Context, o Order) error {
	q := postgres.DB(ctx, r.DB)
	_, err := q.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_cents, currency, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		o.ID, o.UserID, o.Status, o.TotalCents, o.Currency, o.ShippingAddress, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for _, it := range o.Items {
		_, err = q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			it.ID, o.ID, it.ProductID, it.Qty, it.PriceCents)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// SetPaymentReference stores the remote order id on a pending order. It is a
// no-op when the same reference is already stored and fails when a different
// one is.
func (r *Repo) SetPaymentReference(ctx context.Context, orderID, ref string) error {
	ct, err := postgres.DB(ctx, r.DB).Exec(ctx, `
		UPDATE orders SET payment_reference = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (payment_reference IS NULL OR payment_reference = $2)`, orderID, ref)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrPaymentRefConflict
		}
		return fmt.Errorf("set payment reference: %w", err)
	}
	if ct.RowsAffected() == 0 {
		o, err := r.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrOrderNotPending
		}
		return ErrPaymentRefConflict
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// GetOrderForUpdate loads the order and holds its row lock until the
// surrounding transaction ends.
func (r *Repo) GetOrderForUpdate(ctx context.Context, orderID string) (Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (r *Repo) GetOrderByPaymentRefForUpdate(ctx context.Context, ref string) (Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1 FOR UPDATE`, ref)
}

func (r *Repo) getOrder(ctx context.Context, query string, arg string) (Order, error) {
	o, err := scanOrder(postgres.DB(ctx, r.DB).QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidUUID(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	items, err := r.items(ctx, o.ID)
	if err != nil {
		return Order{}, err
	}
	o.Items = items
	return o, nil
}

func (r *Repo) items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := postgres.DB(ctx, r.DB).Query(ctx, `
		SELECT id, order_id, product_id, quantity, price_cents
		FROM order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateStatus moves an order from one status to another. The WHERE clause
// guards against a concurrent writer having moved it first.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, from, to Status, paymentID string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ct, err := postgres.DB(ctx, r.DB).Exec(ctx, `
		UPDATE orders
		SET status = $3, payment_id = COALESCE(NULLIF($4, ''), payment_id), updated_at = NOW()
		WHERE id = $1 AND status = $2`, orderID, from, to, paymentID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ListByUser returns the user's orders newest first, items included.
func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := postgres.DB(ctx, r.DB).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Items, err = r.items(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StalePending returns ids of pending orders not touched since cutoff. A
// pending order is only touched at creation and when its payment reference
// is stored, so a late retry restarts the clock.
func (r *Repo) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := postgres.DB(ctx, r.DB).Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := postgres.DB(ctx, r.DB).Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := postgres.DB(ctx, r.DB).Query(ctx, `SELECT id, sku, name, stock, price_cents, created_at, updated_at
                                FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.Currency,
		&o.PaymentReference, &o.PaymentID, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}
