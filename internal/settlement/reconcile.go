package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/payment"
	"go.uber.org/zap"
)

// Outcome classifies how a payment event was handled. Every outcome is
// acknowledged to the provider; only returned errors ask for a redelivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // pending order moved to a terminal state
	OutcomeDuplicate Outcome = "duplicate" // order already terminal, nothing to do
	OutcomeConflict  Outcome = "conflict"  // needs manual reconciliation
	OutcomeUnmatched Outcome = "unmatched" // no order carries the reference
	OutcomeIgnored   Outcome = "ignored"   // event type not acted on
)

// Reconcile applies a verified payment event to the order it references. The
// lookup and the transition share one transaction holding the order row lock,
// so duplicate deliveries are serialized and only the first one applies.
func (s *Service) Reconcile(ctx context.Context, ev payment.Event) (Outcome, error) {
	log := s.log().With(
		zap.String("event", ev.Type),
		zap.String("event_id", ev.ID),
		zap.String("payment_reference", ev.RemoteOrderID),
		zap.String("payment_id", ev.RemotePaymentID),
	)

	if !ev.Succeeded() && !ev.Failed() {
		s.countWebhook(ev.Type, OutcomeIgnored)
		log.Debug("payment_event_ignored")
		return OutcomeIgnored, nil
	}
	if ev.RemoteOrderID == "" {
		s.countWebhook(ev.Type, OutcomeUnmatched)
		s.alert("missing_reference")
		log.Warn("payment_event_unmatched", zap.String("reason", "missing order reference"))
		return OutcomeUnmatched, nil
	}

	var (
		outcome   Outcome
		order     orders.Order
		alertWhy  string
		fromState orders.Status
	)
	err := s.Tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.Orders.GetOrderByPaymentRefForUpdate(ctx, ev.RemoteOrderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			outcome = OutcomeUnmatched
			return nil
		}
		if err != nil {
			return err
		}
		fromState = o.Status

		if o.Status.Terminal() {
			outcome = OutcomeDuplicate
			if ev.Succeeded() && o.Status != orders.StatusCompleted {
				// Stock may already be back on sale; never re-complete silently.
				outcome, alertWhy = OutcomeConflict, "late_success_on_"+string(o.Status)
			}
			order = o
			return nil
		}

		if ev.Succeeded() {
			if ev.AmountMinor > 0 && ev.AmountMinor != o.TotalCents {
				outcome, alertWhy = OutcomeConflict, "amount_mismatch"
				order = o
				return nil
			}
			if err := s.Orders.UpdateStatus(ctx, o.ID, orders.StatusPending, orders.StatusCompleted, ev.RemotePaymentID); err != nil {
				return err
			}
			o.Status = orders.StatusCompleted
			o.PaymentID = ev.RemotePaymentID
		} else {
			if err := s.releaseItems(ctx, o); err != nil {
				return err
			}
			if err := s.Orders.UpdateStatus(ctx, o.ID, orders.StatusPending, orders.StatusFailed, ev.RemotePaymentID); err != nil {
				return err
			}
			o.Status = orders.StatusFailed
		}
		order = o
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		s.countWebhook(ev.Type, "error")
		log.Error("payment_event_failed", zap.Error(err))
		return "", fmt.Errorf("reconcile %s: %w", ev.RemoteOrderID, err)
	}
	s.countWebhook(ev.Type, outcome)

	switch outcome {
	case OutcomeApplied:
		s.invalidate(ctx, order.ID)
		log.Info("order_settled",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)
		var reasons []string
		if ev.ErrorDescription != "" {
			reasons = append(reasons, ev.ErrorDescription)
		}
		s.publishFinalized(order, reasons...)
	case OutcomeDuplicate:
		log.Info("payment_event_duplicate",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)
	case OutcomeConflict:
		s.alert(alertWhy)
		log.Error("payment_reconciliation_required",
			zap.String("order_id", order.ID),
			zap.String("status", string(fromState)),
			zap.String("reason", alertWhy),
			zap.Int64("event_amount", ev.AmountMinor),
			zap.Int64("order_total", order.TotalCents),
		)
	case OutcomeUnmatched:
		s.alert("unknown_reference")
		log.Warn("payment_event_unmatched", zap.String("reason", "unknown order reference"))
	}
	return outcome, nil
}

// releaseItems gives back every unit reserved for o. Must run inside the
// transaction that moves o out of pending.
func (s *Service) releaseItems(ctx context.Context, o orders.Order) error {
	for _, it := range o.Items {
		if err := s.Ledger.Release(ctx, it.ProductID, it.Qty); err != nil {
			return fmt.Errorf("release %s for order %s: %w", it.ProductID, o.ID, err)
		}
	}
	return nil
}

func (s *Service) countWebhook(event string, outcome Outcome) {
	if s.Metrics != nil {
		s.Metrics.WebhookEvents.WithLabelValues(event, string(outcome)).Inc()
	}
}

func (s *Service) alert(reason string) {
	if s.Metrics != nil {
		s.Metrics.ReconciliationAlerts.WithLabelValues(reason).Inc()
	}
}
