package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
)

type InvoiceLine struct {
	ProductID  string
	Qty        int
	PriceCents int64
	LineCents  int64
}

type Invoice struct {
	Number     string
	OrderID    string
	UserID     string
	PaymentID  string
	IssuedAt   time.Time
	Currency   string
	Lines      []InvoiceLine
	TotalCents int64
	ShipTo     orders.Address
}

// InvoiceNumber is INV-<yyyymmdd>-<first 8 hex of the order id>. The same
// order and day always give the same number, so redelivered events render
// identical invoices.
func InvoiceNumber(orderID string, issued time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(orderID, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("20060102"), short)
}

// NewInvoice builds the invoice for a completed order. The total is the
// order's frozen total, not a recomputation.
func NewInvoice(p orders.OrderFinalizedPayload, issued time.Time) Invoice {
	inv := Invoice{
		Number:     InvoiceNumber(p.OrderID, issued),
		OrderID:    p.OrderID,
		UserID:     p.UserID,
		PaymentID:  p.PaymentID,
		IssuedAt:   issued.UTC(),
		Currency:   p.Currency,
		TotalCents: p.TotalCents,
		ShipTo:     p.ShipTo,
	}
	for _, it := range p.Items {
		inv.Lines = append(inv.Lines, InvoiceLine{
			ProductID:  it.ProductID,
			Qty:        it.Qty,
			PriceCents: it.PriceCents,
			LineCents:  int64(it.Qty) * it.PriceCents,
		})
	}
	return inv
}

// Text renders the invoice as a plain text mail body.
func (inv Invoice) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice %s\n", inv.Number)
	fmt.Fprintf(&b, "Order:   %s\n", inv.OrderID)
	if inv.PaymentID != "" {
		fmt.Fprintf(&b, "Payment: %s\n", inv.PaymentID)
	}
	fmt.Fprintf(&b, "Date:    %s\n\n", inv.IssuedAt.Format("2006-01-02"))
	for _, l := range inv.Lines {
		fmt.Fprintf(&b, "%-36s %3d x %10s = %10s\n", l.ProductID, l.Qty,
			FormatMoney(l.PriceCents, inv.Currency), FormatMoney(l.LineCents, inv.Currency))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", FormatMoney(inv.TotalCents, inv.Currency))
	a := inv.ShipTo
	fmt.Fprintf(&b, "\nShip to:\n%s\n%s\n", a.Name, a.Line1)
	if a.Line2 != "" {
		fmt.Fprintf(&b, "%s\n", a.Line2)
	}
	fmt.Fprintf(&b, "%s %s %s\n%s\n", a.City, a.State, a.PostalCode, a.Country)
	return b.String()
}

// FormatMoney prints minor units as a decimal amount with the currency code.
func FormatMoney(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}
