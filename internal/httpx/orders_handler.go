package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/settlement"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Checkouts is the creation side of the settlement service.
type Checkouts interface {
	CreateOrder(ctx context.Context, userID string, addr orders.Address) (settlement.Checkout, error)
	RetryPayment(ctx context.Context, userID, orderID string) (settlement.Checkout, error)
}

// OrderReader serves read-only views straight from the store.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]orders.Order, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type ViewCache interface {
	Get(ctx context.Context, orderID string) ([]byte, bool)
	Set(ctx context.Context, orderID string, view []byte) error
}

type OrdersHandler struct {
	Checkouts Checkouts
	Reader    OrderReader
	Cache     ViewCache // optional
	Log       *zap.Logger
}

type CreateOrderReq struct {
	ShippingAddress orders.Address `json:"shipping_address"`
}

type PaymentDetails struct {
	OrderID  string `json:"order_id"` // remote order id at the gateway
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type CheckoutResp struct {
	OrderID        string         `json:"order_id"`
	TotalAmount    int64          `json:"total_amount"`
	Status         orders.Status  `json:"status"`
	PaymentDetails PaymentDetails `json:"payment_details"`
}

type OrderItemView struct {
	ProductID       string `json:"product_id"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
}

type OrderView struct {
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id"`
	Status           orders.Status   `json:"status"`
	TotalAmount      int64           `json:"total_amount"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	PaymentID        string          `json:"payment_id,omitempty"`
	ShippingAddress  orders.Address  `json:"shipping_address"`
	Items            []OrderItemView `json:"items"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type ProductView struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Stock     int    `json:"available_stock"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Register mounts the customer routes. Everything except the product list
// requires an authenticated principal.
func (h *OrdersHandler) Register(r chi.Router, auth *Authenticator) {
	r.Get("/products", h.listProducts)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/payment", h.retryPayment)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
		return
	}

	// Detached from the client so a disconnect cannot abort checkout mid gateway call.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 20*time.Second)
	defer cancel()

	co, err := h.Checkouts.CreateOrder(ctx, p.UserID, req.ShippingAddress)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, toCheckoutResp(co))
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	co, err := h.Checkouts.RetryPayment(ctx, p.UserID, orderID)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutResp(co))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		if b, ok := h.Cache.Get(ctx, orderID); ok {
			var v OrderView
			if err := json.Unmarshal(b, &v); err == nil {
				if v.UserID != p.UserID {
					writeError(w, http.StatusNotFound, codeOrderNotFound, "order not found")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(b)
				return
			}
		}
	}

	// 2) fallback DB
	o, err := h.Reader.GetOrder(ctx, orderID)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	if o.UserID != p.UserID {
		writeError(w, http.StatusNotFound, codeOrderNotFound, "order not found")
		return
	}
	v := toOrderView(o)
	// Only terminal views are cached: a pending view written here could land
	// after the settlement invalidation and outlive the status change.
	if h.Cache != nil && o.Status.Terminal() {
		if b, err := json.Marshal(v); err == nil {
			if err := h.Cache.Set(ctx, o.ID, b); err != nil {
				h.log().Debug("order_cache_set_failed", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Reader.ListByUser(ctx, p.UserID, limit)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	out := make([]OrderView, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Reader.ListProducts(ctx)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	out := make([]ProductView, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProductView{ID: p.ID, SKU: p.SKU, Name: p.Name, UnitPrice: p.PriceCents, Stock: p.Stock})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func toCheckoutResp(co settlement.Checkout) CheckoutResp {
	return CheckoutResp{
		OrderID:     co.Order.ID,
		TotalAmount: co.Order.TotalCents,
		Status:      co.Order.Status,
		PaymentDetails: PaymentDetails{
			OrderID:  co.Intent.RemoteID,
			Amount:   co.Intent.AmountMinor,
			Currency: co.Intent.Currency,
			Receipt:  co.Intent.Receipt,
		},
	}
}

func toOrderView(o orders.Order) OrderView {
	v := OrderView{
		OrderID:          o.ID,
		UserID:           o.UserID,
		Status:           o.Status,
		TotalAmount:      o.TotalCents,
		Currency:         o.Currency,
		PaymentReference: o.PaymentReference,
		PaymentID:        o.PaymentID,
		ShippingAddress:  o.ShippingAddress,
		Items:            make([]OrderItemView, 0, len(o.Items)),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, OrderItemView{ProductID: it.ProductID, Quantity: it.Qty, PriceAtPurchase: it.PriceCents})
	}
	return v
}
