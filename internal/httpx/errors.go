package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/settlement"
	"go.uber.org/zap"
)

const (
	codeInvalidRequestBody   = "invalid_request_body"
	codeInvalidAddress       = "invalid_address"
	codeEmptyCart            = "empty_cart"
	codeInsufficientStock    = "insufficient_stock"
	codeInvalidQuantity      = "invalid_quantity"
	codeProductNotFound      = "product_not_found"
	codeOrderNotFound        = "order_not_found"
	codeOrderNotPending      = "order_not_pending"
	codeGatewayUnavailable   = "payment_gateway_unavailable"
	codeInvalidSignature     = "invalid_signature"
	codePayloadTooLarge      = "payload_too_large"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeInternalError        = "internal_error"
	codeReconciliationFailed = "reconciliation_failed"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	OrderID   string `json:"order_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps settlement and order errors onto HTTP responses.
// Anything unrecognised is logged and answered with a bare 500.
func writeDomainError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		stockErr *orders.InsufficientStockError
		initErr  *settlement.PaymentInitError
	)
	switch {
	case errors.As(err, &stockErr):
		available := stockErr.Available
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     stockErr.Error(),
			Code:      codeInsufficientStock,
			ProductID: stockErr.ProductID,
			Requested: stockErr.Requested,
			Available: &available,
		})
	case errors.As(err, &initErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:   "order created but payment could not be initiated, retry payment for this order",
			Code:    codeGatewayUnavailable,
			OrderID: initErr.OrderID,
		})
	case errors.Is(err, orders.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, codeInvalidAddress, err.Error())
	case errors.Is(err, orders.ErrEmptyCart):
		writeError(w, http.StatusBadRequest, codeEmptyCart, err.Error())
	case errors.Is(err, orders.ErrInvalidQuantity), errors.Is(err, settlement.ErrZeroTotal):
		writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
	case errors.Is(err, orders.ErrProductNotFound):
		writeError(w, http.StatusBadRequest, codeProductNotFound, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, codeOrderNotFound, "order not found")
	case errors.Is(err, orders.ErrOrderNotPending):
		writeError(w, http.StatusConflict, codeOrderNotPending, err.Error())
	default:
		log.Error("request_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
