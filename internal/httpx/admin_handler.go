package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/settlement"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Canceller interface {
	Cancel(ctx context.Context, orderID, reason string) (orders.Order, error)
}

type StatsReader interface {
	CountByStatus(ctx context.Context) (map[orders.Status]int, error)
}

type AdminHandler struct {
	Orders Canceller
	Stats  StatsReader
	Log    *zap.Logger
}

type StatsResp struct {
	OrdersByStatus map[orders.Status]int `json:"orders_by_status"`
	TotalOrders    int                   `json:"total_orders"`
}

// Register mounts /admin behind authentication and the admin role.
func (h *AdminHandler) Register(r chi.Router, auth *Authenticator) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware, RequireRole(RoleAdmin))
		r.Get("/stats", h.stats)
		r.Post("/orders/{id}/cancel", h.cancel)
	})
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	counts, err := h.Stats.CountByStatus(ctx)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	resp := StatsResp{OrdersByStatus: map[orders.Status]int{}}
	for _, s := range []orders.Status{orders.StatusPending, orders.StatusCompleted, orders.StatusFailed, orders.StatusCancelled} {
		resp.OrdersByStatus[s] = counts[s]
		resp.TotalOrders += counts[s]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) cancel(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, orderID, settlement.ReasonAdminCancel)
	if err != nil {
		writeDomainError(w, h.log(), err)
		return
	}
	h.log().Info("admin_order_cancelled", zap.String("order_id", o.ID), zap.String("admin", p.UserID))
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *AdminHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}
