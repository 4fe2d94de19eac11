package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/clock"
	kafkax "github.com/ariefcatur/storefront-settlement/internal/kafka"
	"github.com/ariefcatur/storefront-settlement/internal/metrics"
	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/payment"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type CartReader interface {
	Lines(ctx context.Context, userID string) ([]orders.CartLine, error)
	Consume(ctx context.Context, userID string, productIDs []string) error
}

type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) (orders.Product, error)
	Release(ctx context.Context, productID string, qty int) error
}

type OrderStore interface {
	InsertOrder(ctx context.Context, o orders.Order) error
	SetPaymentReference(ctx context.Context, orderID, ref string) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderByPaymentRefForUpdate(ctx context.Context, ref string) (orders.Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to orders.Status, paymentID string) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

type Gateway interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency, idempotencyKey string) (payment.Intent, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, orderID string) error
}

// Service coordinates the cart, the inventory ledger, the order store and the
// payment gateway. Database work runs inside Tx; gateway calls never do.
type Service struct {
	Tx        TxRunner
	Cart      CartReader
	Ledger    Ledger
	Orders    OrderStore
	Gateway   Gateway
	Publisher Publisher        // order.finalized, optional
	Cache     CacheInvalidator // optional
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.Settlement

	Currency    string
	ServiceName string
	PendingTTL  time.Duration
}

// Checkout is what the caller needs to pay for an order.
type Checkout struct {
	Order  orders.Order
	Intent payment.Intent
}

// PaymentInitError means the order is durably created but the gateway could
// not be reached. The order can be resumed with RetryPayment.
type PaymentInitError struct {
	OrderID string
	Err     error
}

func (e *PaymentInitError) Error() string {
	return fmt.Sprintf("order %s created but payment initiation failed: %v", e.OrderID, e.Err)
}

func (e *PaymentInitError) Unwrap() error { return e.Err }

var ErrZeroTotal = errors.New("order total must be positive")

// CreateOrder turns the user's cart into a pending order with reserved stock,
// then asks the gateway for a payment intent.
func (s *Service) CreateOrder(ctx context.Context, userID string, addr orders.Address) (Checkout, error) {
	if err := addr.Validate(); err != nil {
		s.countCreate("invalid_address")
		return Checkout{}, err
	}

	now := s.Clock.Now()
	order := orders.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Status:          orders.StatusPending,
		Currency:        s.Currency,
		ShippingAddress: addr,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.Tx.WithTx(ctx, func(ctx context.Context) error {
		lines, err := s.Cart.Lines(ctx, userID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return orders.ErrEmptyCart
		}
		// Lock rows in a stable order so two checkouts sharing products cannot deadlock.
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		order.Items = order.Items[:0]
		consumed := make([]string, 0, len(lines))
		for _, l := range lines {
			p, err := s.Ledger.Reserve(ctx, l.ProductID, l.Qty)
			if err != nil {
				return err
			}
			order.Items = append(order.Items, orders.OrderItem{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				ProductID:  l.ProductID,
				Qty:        l.Qty,
				PriceCents: p.PriceCents,
			})
			consumed = append(consumed, l.ProductID)
		}
		order.TotalCents = order.ItemsTotal()
		if order.TotalCents <= 0 {
			return ErrZeroTotal
		}

		if err := s.Orders.InsertOrder(ctx, order); err != nil {
			return err
		}
		return s.Cart.Consume(ctx, userID, consumed)
	})
	if err != nil {
		s.countCreate(createOutcome(err))
		return Checkout{}, err
	}

	s.log().Info("order_created",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.Int64("total_cents", order.TotalCents),
		zap.Int("items", len(order.Items)),
	)

	intent, err := s.initiatePayment(ctx, &order)
	if err != nil {
		s.countCreate("payment_pending")
		return Checkout{Order: order}, err
	}
	s.countCreate("created")
	return Checkout{Order: order, Intent: intent}, nil
}

// RetryPayment resumes payment for a pending order owned by userID. Stock is
// not touched. An already stored intent is returned as is.
func (s *Service) RetryPayment(ctx context.Context, userID, orderID string) (Checkout, error) {
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return Checkout{}, err
	}
	if o.UserID != userID {
		return Checkout{}, orders.ErrOrderNotFound
	}
	if o.Status != orders.StatusPending {
		return Checkout{}, orders.ErrOrderNotPending
	}
	if o.PaymentReference != "" {
		return Checkout{Order: o, Intent: storedIntent(o)}, nil
	}

	intent, err := s.initiatePayment(ctx, &o)
	if err != nil {
		return Checkout{Order: o}, err
	}
	return Checkout{Order: o, Intent: intent}, nil
}

func (s *Service) initiatePayment(ctx context.Context, o *orders.Order) (payment.Intent, error) {
	key := payment.IdempotencyKey(o.ID)

	start := time.Now()
	intent, err := s.Gateway.CreateIntent(ctx, o.TotalCents, o.Currency, key)
	s.observeGateway("create_intent", start, err)
	if err != nil {
		s.log().Warn("payment_intent_failed",
			zap.String("order_id", o.ID),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return payment.Intent{}, &PaymentInitError{OrderID: o.ID, Err: err}
	}

	if err := s.Orders.SetPaymentReference(ctx, o.ID, intent.RemoteID); err != nil {
		if errors.Is(err, orders.ErrPaymentRefConflict) {
			// A concurrent retry stored its intent first; hand that one back.
			cur, gerr := s.Orders.GetOrder(ctx, o.ID)
			if gerr == nil && cur.PaymentReference != "" {
				*o = cur
				return storedIntent(cur), nil
			}
		}
		if errors.Is(err, orders.ErrOrderNotPending) {
			return payment.Intent{}, err
		}
		return payment.Intent{}, &PaymentInitError{OrderID: o.ID, Err: err}
	}
	o.PaymentReference = intent.RemoteID
	s.invalidate(ctx, o.ID)

	s.log().Info("payment_intent_created",
		zap.String("order_id", o.ID),
		zap.String("payment_reference", intent.RemoteID),
		zap.Int64("amount", intent.AmountMinor),
	)
	return intent, nil
}

func storedIntent(o orders.Order) payment.Intent {
	return payment.Intent{
		RemoteID:    o.PaymentReference,
		AmountMinor: o.TotalCents,
		Currency:    o.Currency,
		Receipt:     payment.IdempotencyKey(o.ID),
	}
}

// publishFinalized emits order.finalized. Failures are logged only; the order
// state is already committed.
func (s *Service) publishFinalized(o orders.Order, reasons ...string) {
	if s.Publisher == nil {
		return
	}
	env, err := orders.NewEnvelope(orders.EventOrderFinalized, s.ServiceName, o.ID, "", orders.FinalizedPayload(o, reasons...))
	if err == nil {
		err = s.Publisher.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(env),
			kafkax.EventHeaders(orders.EventOrderFinalized, env.EventVersion)...)
	}
	if err != nil {
		s.log().Error("order_finalized_publish_failed",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, orderID); err != nil {
		s.log().Warn("order_cache_invalidate_failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) countCreate(outcome string) {
	if s.Metrics != nil {
		s.Metrics.OrdersCreated.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) observeGateway(op string, start time.Time, err error) {
	if s.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.Metrics.GatewayDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func createOutcome(err error) string {
	switch {
	case errors.Is(err, orders.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrZeroTotal):
		return "zero_total"
	default:
		return "error"
	}
}
