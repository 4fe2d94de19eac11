package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"go.uber.org/zap"
)

const (
	defaultPendingTTL = 30 * time.Minute
	sweepBatch        = 100

	ReasonPaymentTimeout = "payment_timeout"
	ReasonAdminCancel    = "cancelled_by_admin"
)

// Cancel moves a pending order to cancelled and releases its stock in one
// transaction, under the same row lock the webhook path takes.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (orders.Order, error) {
	var order orders.Order
	err := s.Tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.Orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return orders.ErrOrderNotPending
		}
		if err := s.releaseItems(ctx, o); err != nil {
			return err
		}
		if err := s.Orders.UpdateStatus(ctx, o.ID, orders.StatusPending, orders.StatusCancelled, ""); err != nil {
			return err
		}
		o.Status = orders.StatusCancelled
		order = o
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}

	s.invalidate(ctx, order.ID)
	s.log().Info("order_cancelled",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
		zap.Bool("had_payment_reference", order.PaymentReference != ""),
	)
	s.publishFinalized(order, reason)
	return order, nil
}

// SweepExpired cancels pending orders whose last payment intent (or creation,
// when none was issued) is older than PendingTTL and returns how many it
// cancelled. Orders settled by a webhook in the meantime are skipped.
//
// The remote order stays payable at the provider after cancellation. A
// capture arriving later is not applied; Reconcile reports it as a conflict.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ttl := s.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	cutoff := s.Clock.Now().Add(-ttl)

	ids, err := s.Orders.StalePending(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.Cancel(ctx, id, ReasonPaymentTimeout); err != nil {
			if errors.Is(err, orders.ErrOrderNotPending) {
				continue
			}
			s.log().Error("order_expiry_failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		n++
		if s.Metrics != nil {
			s.Metrics.OrdersExpired.Inc()
		}
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.log().Error("order_sweep_failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log().Info("order_sweep_done", zap.Int("cancelled", n))
			}
		}
	}
}
