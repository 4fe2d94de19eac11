package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrGatewayUnavailable wraps transport failures and 5xx answers; callers
// treat it as retryable.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Intent is a remote payment order created at the gateway.
type Intent struct {
	RemoteID    string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

// GatewayError is a non-retryable rejection from the gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway rejected request: status %d: %s", e.StatusCode, e.Body)
}

// IdempotencyKey derives the gateway receipt for an order. Retries for the
// same order always produce the same key.
func IdempotencyKey(orderID string) string {
	return "order_" + orderID
}

type Client struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	HTTP      *http.Client
}

func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		KeyID:     keyID,
		KeySecret: keySecret,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

type createOrderReq struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

// CreateIntent creates a remote order for amountMinor. An intent already
// created under the same idempotency key is returned instead of a new one.
func (c *Client) CreateIntent(ctx context.Context, amountMinor int64, currency, idempotencyKey string) (Intent, error) {
	if amountMinor <= 0 {
		return Intent{}, fmt.Errorf("create intent: amount must be positive, got %d", amountMinor)
	}
	if existing, ok, err := c.findByReceipt(ctx, idempotencyKey); err != nil {
		return Intent{}, err
	} else if ok {
		return existing, nil
	}

	body, err := json.Marshal(createOrderReq{
		Amount:         amountMinor,
		Currency:       currency,
		Receipt:        idempotencyKey,
		PaymentCapture: 1,
	})
	if err != nil {
		return Intent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	var out Intent
	if err := c.do(req, &out); err != nil {
		return Intent{}, fmt.Errorf("create intent: %w", err)
	}
	if out.RemoteID == "" {
		return Intent{}, fmt.Errorf("create intent: %w: empty order id in response", ErrGatewayUnavailable)
	}
	return out, nil
}

func (c *Client) findByReceipt(ctx context.Context, receipt string) (Intent, bool, error) {
	q := url.Values{"receipt": {receipt}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/orders?"+q.Encode(), nil)
	if err != nil {
		return Intent{}, false, err
	}
	var out struct {
		Items []Intent `json:"items"`
	}
	if err := c.do(req, &out); err != nil {
		return Intent{}, false, fmt.Errorf("lookup intent: %w", err)
	}
	for _, it := range out.Items {
		if it.Receipt == receipt && it.RemoteID != "" {
			return it, true, nil
		}
	}
	return Intent{}, false, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}
