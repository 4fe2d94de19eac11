package orders

import (
	"strings"
	"time"
)

type Product struct {
	ID         string
	SKU        string
	Name       string
	Stock      int
	PriceCents int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CartLine is a read-only snapshot of one cart row owned by the cart subsystem.
type CartLine struct {
	ProductID      string
	Qty            int
	UnitPriceCents int64
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a Address) Validate() error {
	for _, v := range []string{a.Line1, a.City, a.PostalCode, a.Country} {
		if strings.TrimSpace(v) == "" {
			return ErrInvalidAddress
		}
	}
	return nil
}

type Order struct {
	ID               string
	UserID           string
	Status           Status // lihat status.go
	TotalCents       int64
	Currency         string
	PaymentReference string // remote order id from the gateway, unique per order
	PaymentID        string // remote payment id, set on completion
	ShippingAddress  Address
	Items            []OrderItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ItemsTotal sums quantity x price_at_purchase over the order's items.
func (o Order) ItemsTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Qty) * it.PriceCents
	}
	return total
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Qty        int
	PriceCents int64 // price at purchase
}
