package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/storefront-settlement/internal/kafka"
	"github.com/ariefcatur/storefront-settlement/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deduper remembers which events were already handled.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) (bool, error)
}

// Service turns order.finalized events into invoices and customer mail. It
// never writes order state.
type Service struct {
	Dedup  Deduper
	Mailer Mailer
	Log    *zap.Logger
}

// HandleOrderFinalized is installed as the consumer handler. Returning an
// error makes the consumer retry the message before its partition moves on.
func (s *Service) HandleOrderFinalized(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.Log.Error("finalized_event_malformed", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderFinalized {
		return nil
	}
	log := s.Log.With(zap.String("event_id", env.EventID), zap.String("order_id", env.CorrelationID))

	// 2) dedup by event id
	if seen, err := s.Dedup.Seen(ctx, env.EventID); err != nil {
		log.Warn("dedup_lookup_failed", zap.Error(err))
	} else if seen {
		log.Debug("finalized_event_duplicate")
		return nil
	}

	// 3) decode payload
	p, err := kafkax.UnwrapPayload[orders.OrderFinalizedPayload](env.Payload)
	if err != nil {
		log.Error("finalized_event_malformed", zap.Error(err))
		return nil
	}

	msg, inv := s.compose(p, env)
	if err := s.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s notice for order %s: %w", p.FinalStatus, p.OrderID, err)
	}
	if inv != nil {
		log.Info("invoice_issued",
			zap.String("invoice_number", inv.Number),
			zap.Int64("total_cents", inv.TotalCents),
			zap.String("currency", inv.Currency),
		)
	}

	// 4) mark after delivery so a failed send is retried
	if _, err := s.Dedup.Mark(ctx, env.EventID); err != nil {
		log.Warn("dedup_mark_failed", zap.Error(err))
	}
	return nil
}

func (s *Service) compose(p orders.OrderFinalizedPayload, env orders.Envelope) (Message, *Invoice) {
	msg := Message{
		UserID: p.UserID,
		Tags:   map[string]string{"order_id": p.OrderID, "status": string(p.FinalStatus)},
	}
	switch p.FinalStatus {
	case orders.StatusCompleted:
		inv := NewInvoice(p, env.OccurredAt)
		msg.Subject = "Order confirmed: " + inv.Number
		msg.Body = "Thanks for your order.\n\n" + inv.Text()
		msg.Tags["invoice_number"] = inv.Number
		return msg, &inv
	case orders.StatusFailed:
		msg.Subject = "Payment failed for your order"
		msg.Body = fmt.Sprintf("We could not collect payment of %s for order %s. The items were released.\n",
			FormatMoney(p.TotalCents, p.Currency), p.OrderID)
	default:
		msg.Subject = "Your order was cancelled"
		msg.Body = fmt.Sprintf("Order %s was cancelled and its items were released.\n", p.OrderID)
	}
	if len(p.Reasons) > 0 {
		msg.Body += "Reason: " + p.Reasons[0] + "\n"
	}
	return msg, nil
}
