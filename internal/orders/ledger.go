package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/storefront-settlement/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the only code path that mutates products.stock.
type Ledger struct {
	DB *pgxpool.Pool
	Tx *postgres.TxManager
}

// Reserve locks the product row (FOR UPDATE), checks stock and decrements it.
// It joins the transaction on ctx, so a failed reservation later in the same
// transaction rolls every earlier one back.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (Product, error) {
	if qty <= 0 {
		return Product{}, ErrInvalidQuantity
	}
	var p Product
	err := l.Tx.WithTx(ctx, func(ctx context.Context) error {
		q := postgres.DB(ctx, l.DB)
		err := q.QueryRow(ctx, `
			SELECT id, sku, name, stock, price_cents, created_at, updated_at
			FROM products WHERE id = $1 FOR UPDATE`, productID).
			Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidUUID(err) {
				return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
			}
			return fmt.Errorf("lock product: %w", err)
		}
		if p.Stock < qty {
			return &InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
		}
		if _, err := q.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = NOW() WHERE id = $1`, productID, qty); err != nil {
			if postgres.IsCheckViolation(err) {
				return &InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
			}
			return fmt.Errorf("decrement stock: %w", err)
		}
		p.Stock -= qty
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// Release gives qty units back to the product.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ct, err := postgres.DB(ctx, l.DB).Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = NOW() WHERE id = $1`, productID, qty)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return nil
}

func (l *Ledger) Stock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := postgres.DB(ctx, l.DB).QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return stock, err
}
