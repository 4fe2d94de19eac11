package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/postgres"
	"github.com/ariefcatur/storefront-settlement/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReserve_NoOversellUnderConcurrency(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	productID := testutil.InsertProduct(t, ctx, pool, "SKU-LAST", 5, 1000)

	ledger := &Ledger{DB: pool, Tx: postgres.NewTxManager(pool)}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, productID, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	stock, err := ledger.Stock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, stock)
}

func TestLedgerReserve_RollsBackWithTransaction(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	a := testutil.InsertProduct(t, ctx, pool, "SKU-A", 2, 1000)
	b := testutil.InsertProduct(t, ctx, pool, "SKU-B", 0, 500)

	tx := postgres.NewTxManager(pool)
	ledger := &Ledger{DB: pool, Tx: tx}

	err := tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := ledger.Reserve(ctx, a, 2); err != nil {
			return err
		}
		_, err := ledger.Reserve(ctx, b, 1)
		return err
	})
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, b, ise.ProductID)

	stock, err := ledger.Stock(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, stock, "reservation of A must roll back with the transaction")
}

func TestLedgerRejectsNonPositiveQuantity(t *testing.T) {
	ledger := &Ledger{}
	_, err := ledger.Reserve(context.Background(), "p", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.ErrorIs(t, ledger.Release(context.Background(), "p", -1), ErrInvalidQuantity)
}

func TestRepo_OrderRoundTrip(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	productID := testutil.InsertProduct(t, ctx, pool, "SKU-DRESS", 3, 249900)
	repo := &Repo{DB: pool}

	o := Order{
		ID:         uuid.NewString(),
		UserID:     "user-1",
		Status:     StatusPending,
		TotalCents: 499800,
		Currency:   "INR",
		ShippingAddress: Address{
			Line1: "1 Residency Rd", City: "Bengaluru", PostalCode: "560025", Country: "IN",
		},
		CreatedAt: time.Now().UTC(),
	}
	o.Items = []OrderItem{{ID: uuid.NewString(), OrderID: o.ID, ProductID: productID, Qty: 2, PriceCents: 249900}}
	require.NoError(t, repo.InsertOrder(ctx, o))

	require.NoError(t, repo.SetPaymentReference(ctx, o.ID, "order_remote_1"))
	require.NoError(t, repo.SetPaymentReference(ctx, o.ID, "order_remote_1"))
	assert.ErrorIs(t, repo.SetPaymentReference(ctx, o.ID, "order_remote_2"), ErrPaymentRefConflict)

	got, err := repo.GetOrderByPaymentRefForUpdate(ctx, "order_remote_1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
	assert.Equal(t, got.TotalCents, got.ItemsTotal())

	require.NoError(t, repo.UpdateStatus(ctx, o.ID, StatusPending, StatusCompleted, "pay_1"))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, o.ID, StatusPending, StatusFailed, ""), ErrInvalidTransition)

	got, err = repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "pay_1", got.PaymentID)

	_, err = repo.GetOrder(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
