package orders

import (
	"context"
	"fmt"

	"github.com/ariefcatur/storefront-settlement/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CartReader reads cart snapshots. Lines are only deleted once an order built
// from them is persisted in the same transaction.
type CartReader struct{ DB *pgxpool.Pool }

// Lines returns the user's cart ordered by product id, which is also the
// order in which reservations take row locks. Inside a transaction the rows
// stay locked, so a concurrent checkout of the same cart waits and then sees
// the lines gone.
func (c *CartReader) Lines(ctx context.Context, userID string) ([]CartLine, error) {
	rows, err := postgres.DB(ctx, c.DB).Query(ctx, `
		SELECT product_id, quantity, unit_price_cents
		FROM cart_items WHERE user_id = $1
		ORDER BY product_id
		FOR UPDATE`, userID)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	defer rows.Close()

	var out []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ProductID, &l.Qty, &l.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Consume deletes the given product lines from the user's cart.
func (c *CartReader) Consume(ctx context.Context, userID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := postgres.DB(ctx, c.DB).Exec(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id::text = ANY($2::text[])`, userID, productIDs)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
