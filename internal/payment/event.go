package payment

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventPaymentCaptured   = "payment.captured"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentFailed     = "payment.failed"
	EventOrderPaid         = "order.paid"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is the part of a provider webhook the settlement pipeline acts on.
type Event struct {
	ID               string // delivery id from the event-id header, may be empty
	Type             string
	RemoteOrderID    string
	RemotePaymentID  string
	AmountMinor      int64
	Currency         string
	ErrorDescription string
}

// Succeeded reports whether the event means the customer has paid.
func (e Event) Succeeded() bool {
	return e.Type == EventPaymentCaptured || e.Type == EventOrderPaid
}

func (e Event) Failed() bool {
	return e.Type == EventPaymentFailed
}

type webhookBody struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

// ParseEvent decodes an already authenticated webhook body.
func ParseEvent(raw []byte, deliveryID string) (Event, error) {
	var b webhookBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if b.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	ev := Event{ID: deliveryID, Type: b.Event}
	if p := b.Payload.Payment; p != nil {
		ev.RemoteOrderID = p.Entity.OrderID
		ev.RemotePaymentID = p.Entity.ID
		ev.AmountMinor = p.Entity.Amount
		ev.Currency = p.Entity.Currency
		ev.ErrorDescription = p.Entity.ErrorDescription
	}
	if ev.RemoteOrderID == "" && b.Payload.Order != nil {
		ev.RemoteOrderID = b.Payload.Order.Entity.ID
	}
	return ev, nil
}
