package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderFinalized = "OrderFinalized"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderFinalizedPayload struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	FinalStatus Status      `json:"final_status"`
	PaymentID   string      `json:"payment_id,omitempty"`
	TotalCents  int64       `json:"total_cents"`
	Currency    string      `json:"currency"`
	Items       []ItemPrice `json:"items"`
	ShipTo      Address     `json:"ship_to"`
	Reasons     []string    `json:"reasons,omitempty"`
}

// FinalizedPayload builds the event payload for an order that reached a terminal state.
func FinalizedPayload(o Order, reasons ...string) OrderFinalizedPayload {
	items := make([]ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemPrice{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return OrderFinalizedPayload{
		OrderID:     o.ID,
		UserID:      o.UserID,
		FinalStatus: o.Status,
		PaymentID:   o.PaymentID,
		TotalCents:  o.TotalCents,
		Currency:    o.Currency,
		Items:       items,
		ShipTo:      o.ShippingAddress,
		Reasons:     reasons,
	}
}

// NewEnvelope wraps payload as a version 1 event correlated with orderID.
func NewEnvelope(eventType, producer, orderID, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}
