package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/storefront-settlement/internal/clock"
	"github.com/ariefcatur/storefront-settlement/internal/metrics"
	"github.com/ariefcatur/storefront-settlement/internal/orders"
	"github.com/ariefcatur/storefront-settlement/internal/payment"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"
)

// memStore is an in-memory stand-in for the Postgres repos. WithTx holds a
// single lock for the whole transaction and restores a snapshot on error,
// which gives the same serialization the row locks give in production.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products map[string]orders.Product
	carts    map[string][]orders.CartLine
	orders   map[string]orders.Order

	now func() time.Time
}

type txKey struct{}

func newMemStore() *memStore {
	return &memStore{
		products: map[string]orders.Product{},
		carts:    map[string][]orders.CartLine{},
		orders:   map[string]orders.Order{},
	}
}

func (m *memStore) addProduct(id string, stock int, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = orders.Product{ID: id, SKU: "SKU-" + id, Name: id, Stock: stock, PriceCents: price}
}

func (m *memStore) addCartLine(userID, productID string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[userID] = append(m.carts[userID], orders.CartLine{
		ProductID: productID, Qty: qty, UnitPriceCents: m.products[productID].PriceCents,
	})
}

func (m *memStore) stock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memStore) cart(userID string) []orders.CartLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]orders.CartLine(nil), m.carts[userID]...)
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) setTimes(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.CreatedAt, o.UpdatedAt = t, t
	m.orders[id] = o
}

type snapshot struct {
	products map[string]orders.Product
	carts    map[string][]orders.CartLine
	orders   map[string]orders.Order
}

func (m *memStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		products: map[string]orders.Product{},
		carts:    map[string][]orders.CartLine{},
		orders:   map[string]orders.Order{},
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.carts {
		s.carts[k] = append([]orders.CartLine(nil), v...)
	}
	for k, v := range m.orders {
		v.Items = append([]orders.OrderItem(nil), v.Items...)
		s.orders[k] = v
	}
	return s
}

func (m *memStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products, m.carts, m.orders = s.products, s.carts, s.orders
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) Lines(_ context.Context, userID string) ([]orders.CartLine, error) {
	return m.cart(userID), nil
}

func (m *memStore) Consume(_ context.Context, userID string, productIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range productIDs {
		drop[id] = true
	}
	var keep []orders.CartLine
	for _, l := range m.carts[userID] {
		if !drop[l.ProductID] {
			keep = append(keep, l)
		}
	}
	m.carts[userID] = keep
	return nil
}

func (m *memStore) Reserve(_ context.Context, productID string, qty int) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, orders.ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, productID)
	}
	if p.Stock < qty {
		return orders.Product{}, &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	p.Stock -= qty
	m.products[productID] = p
	return p, nil
}

func (m *memStore) Release(_ context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return orders.ErrProductNotFound
	}
	p.Stock += qty
	m.products[productID] = p
	return nil
}

func (m *memStore) InsertOrder(_ context.Context, o orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	m.orders[o.ID] = o
	return nil
}

func (m *memStore) SetPaymentReference(_ context.Context, orderID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if o.Status != orders.StatusPending {
		return orders.ErrOrderNotPending
	}
	if o.PaymentReference == ref {
		return nil
	}
	if o.PaymentReference != "" {
		return orders.ErrPaymentRefConflict
	}
	for id, other := range m.orders {
		if id != orderID && other.PaymentReference == ref {
			return orders.ErrPaymentRefConflict
		}
	}
	o.PaymentReference = ref
	if m.now != nil {
		o.UpdatedAt = m.now()
	}
	m.orders[orderID] = o
	return nil
}

func (m *memStore) GetOrder(_ context.Context, orderID string) (orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o, nil
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	if ctx.Value(txKey{}) == nil {
		return orders.Order{}, errors.New("GetOrderForUpdate outside transaction")
	}
	return m.GetOrder(ctx, orderID)
}

func (m *memStore) GetOrderByPaymentRefForUpdate(ctx context.Context, ref string) (orders.Order, error) {
	if ctx.Value(txKey{}) == nil {
		return orders.Order{}, errors.New("GetOrderByPaymentRefForUpdate outside transaction")
	}
	m.mu.Lock()
	var id string
	for k, o := range m.orders {
		if o.PaymentReference == ref {
			id = k
		}
	}
	m.mu.Unlock()
	if id == "" {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *memStore) UpdateStatus(_ context.Context, orderID string, from, to orders.Status, paymentID string) error {
	if !orders.CanTransition(from, to) {
		return orders.ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != from {
		return orders.ErrInvalidTransition
	}
	o.Status = to
	if paymentID != "" {
		o.PaymentID = paymentID
	}
	m.orders[orderID] = o
	return nil
}

func (m *memStore) StalePending(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.orders {
		if o.Status == orders.StatusPending && o.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// fakeGateway hands out one remote order per idempotency key.
type fakeGateway struct {
	mu      sync.Mutex
	err     error
	calls   int
	created int
	byKey   map[string]payment.Intent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{byKey: map[string]payment.Intent{}}
}

func (g *fakeGateway) CreateIntent(_ context.Context, amount int64, currency, key string) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return payment.Intent{}, g.err
	}
	if in, ok := g.byKey[key]; ok {
		return in, nil
	}
	g.created++
	in := payment.Intent{
		RemoteID:    fmt.Sprintf("order_R%03d", g.created),
		AmountMinor: amount,
		Currency:    currency,
		Receipt:     key,
		Status:      "created",
	}
	g.byKey[key] = in
	return in, nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) stats() (calls, created int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.created
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (p *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (p *fakePublisher) finalized(t *testing.T) []orders.OrderFinalizedPayload {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []orders.OrderFinalizedPayload
	for _, m := range p.msgs {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		var pl orders.OrderFinalizedPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, pl)
	}
	return out
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *fakeCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, orderID)
	return nil
}

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *memStore
	gw    *fakeGateway
	pub   *fakePublisher
	cache *fakeCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	gw := newFakeGateway()
	pub := &fakePublisher{}
	cache := &fakeCache{}
	svc := &Service{
		Tx:          store,
		Cart:        store,
		Ledger:      store,
		Orders:      store,
		Gateway:     gw,
		Publisher:   pub,
		Cache:       cache,
		Clock:       clock.NewFixed(testNow),
		Log:         zaptest.NewLogger(t),
		Metrics:     metrics.NewNop(),
		Currency:    "INR",
		ServiceName: "settlement-test",
		PendingTTL:  30 * time.Minute,
	}
	store.now = func() time.Time { return svc.Clock.Now() }
	return &harness{svc: svc, store: store, gw: gw, pub: pub, cache: cache}
}

var validAddr = orders.Address{
	Name:       "Asha Rao",
	Line1:      "12 MG Road",
	City:       "Bengaluru",
	PostalCode: "560001",
	Country:    "IN",
}
