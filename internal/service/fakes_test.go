package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/shipping"
	"storefront/internal/store"

	"github.com/shopspring/decimal"
)

// fakeOrderStore keeps orders in memory with the same compare-and-set rules as the
// SQL store. Writes fail with the context error once ctx is done, as the driver does.
type fakeOrderStore struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	seq         int
	processed   map[string]string
	transitions int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders:    map[string]*models.Order{},
		processed: map[string]string{},
	}
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append(models.LineItems(nil), o.Items...)
	c.StatusHistory = append(models.StatusHistory(nil), o.StatusHistory...)
	return &c
}

func (f *fakeOrderStore) put(o *models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.OrderNumber == "" {
		f.seq++
		o.OrderNumber = fmt.Sprintf("ORD-%06d", f.seq)
	}
	f.orders[o.ID] = cloneOrder(o)
}

func (f *fakeOrderStore) get(id string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneOrder(f.orders[id])
}

func (f *fakeOrderStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.IdempotencyKey != nil {
		for _, o := range f.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return fmt.Errorf("order %s: %w", order.ID, store.ErrDuplicate)
			}
		}
	}
	f.seq++
	order.OrderNumber = fmt.Sprintf("ORD-%06d", f.seq)
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	f.orders[order.ID] = cloneOrder(order)
	return nil
}

func (f *fakeOrderStore) find(match func(*models.Order) bool, what string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if match(o) {
			return cloneOrder(o), nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", what, store.ErrNotFound)
}

func (f *fakeOrderStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	return f.find(func(o *models.Order) bool { return o.ID == id }, id)
}

func (f *fakeOrderStore) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	return f.find(func(o *models.Order) bool { return o.OrderNumber == number }, number)
}

func (f *fakeOrderStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	o, err := f.find(func(o *models.Order) bool {
		return o.IdempotencyKey != nil && *o.IdempotencyKey == key
	}, key)
	if err != nil {
		return nil, nil
	}
	return o, nil
}

func (f *fakeOrderStore) GetOrderByGatewayOrderID(_ context.Context, id string) (*models.Order, error) {
	return f.find(func(o *models.Order) bool { return o.Payment.GatewayOrderID == id }, id)
}

func (f *fakeOrderStore) GetOrderByAWB(_ context.Context, awb string) (*models.Order, error) {
	return f.find(func(o *models.Order) bool { return o.Shipment.AWBNumber == awb }, awb)
}

func (f *fakeOrderStore) ListOrdersByUser(_ context.Context, userID string, limit, offset int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	if offset >= len(out) {
		return []models.Order{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrderStore) TransitionOrder(ctx context.Context, t store.Transition) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[t.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", t.OrderID, store.ErrNotFound)
	}
	if !containsStatus(t.From, o.Status) {
		return nil, fmt.Errorf("order %s is %s: %w", t.OrderID, o.Status, store.ErrTransitionConflict)
	}

	o.Status = t.To
	o.StatusHistory = append(o.StatusHistory, t.Entry)
	if t.PaidAt != nil {
		o.PaidAt = t.PaidAt
	}
	if t.ShippedAt != nil {
		o.ShippedAt = t.ShippedAt
	}
	if t.DeliveredAt != nil {
		o.DeliveredAt = t.DeliveredAt
	}
	if t.CancelledAt != nil {
		o.CancelledAt = t.CancelledAt
	}
	if t.CancelReason != nil {
		o.CancelReason = *t.CancelReason
	}
	if t.Payment != nil {
		o.Payment = *t.Payment
	}
	if t.Shipment != nil {
		o.Shipment = *t.Shipment
	}
	o.UpdatedAt = time.Now().UTC()
	f.transitions++
	return cloneOrder(o), nil
}

func (f *fakeOrderStore) UpdatePaymentFacts(ctx context.Context, id string, facts models.PaymentFacts, onlyIn []models.OrderStatus) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if !containsStatus(onlyIn, o.Status) {
		return nil, fmt.Errorf("order %s is %s: %w", id, o.Status, store.ErrTransitionConflict)
	}
	o.Payment = facts
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (f *fakeOrderStore) UpdateShipmentFacts(ctx context.Context, id string, facts models.ShipmentFacts, note *models.StatusHistoryEntry) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	o.Shipment = facts
	if note != nil {
		o.StatusHistory = append(o.StatusHistory, *note)
	}
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (f *fakeOrderStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processed[eventID]
	return ok, nil
}

func (f *fakeOrderStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = eventType
	return nil
}

// fakeProductStore applies the conditional decrement under a mutex.
type fakeProductStore struct {
	mu       sync.Mutex
	products map[string]*models.Product
}

func newFakeProductStore(products ...models.Product) *fakeProductStore {
	f := &fakeProductStore{products: map[string]*models.Product{}}
	for i := range products {
		p := products[i]
		f.products[p.ID] = &p
	}
	return f
}

func (f *fakeProductStore) stock(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeProductStore) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeProductStore) TryDecrementStock(ctx context.Context, id string, quantity int) (models.StockResult, error) {
	if err := ctx.Err(); err != nil {
		return models.StockResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return models.StockResult{}, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	if p.Stock < quantity {
		return models.StockResult{OK: false, RemainingStock: p.Stock}, nil
	}
	p.Stock -= quantity
	p.TotalSales += quantity
	if p.Stock == 0 {
		p.Status = models.ProductStatusOutOfStock
	}
	return models.StockResult{OK: true, RemainingStock: p.Stock}, nil
}

func (f *fakeProductStore) SetStock(_ context.Context, id string, stock int) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	p.Stock = stock
	switch {
	case stock == 0:
		p.Status = models.ProductStatusOutOfStock
	case p.Status == models.ProductStatusOutOfStock:
		p.Status = models.ProductStatusActive
	}
	c := *p
	return &c, nil
}

type fakeGateway struct {
	calls     atomic.Int32
	err       error
	validSigs map[string]bool
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

func (g *fakeGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string) (*payment.GatewayOrder, error) {
	n := g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &payment.GatewayOrder{
		ID:       fmt.Sprintf("order_gw%d", n),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return g.validSigs[orderID+"|"+paymentID] && signature == "good"
}

// fakeShipments books parcels in memory. failures are returned by the next create
// calls in order; block makes create wait for its context like a hung provider.
type fakeShipments struct {
	mu          sync.Mutex
	createCalls int
	createErr   error
	failures    []error
	block       bool
	resumedFrom []string
	snapshot    *shipping.TrackingSnapshot
	cancelled   []string
	labels      *shipping.Labels
}

func (s *fakeShipments) CreateShipment(ctx context.Context, order *models.Order) (*shipping.ShipmentResult, error) {
	s.mu.Lock()
	s.createCalls++
	s.resumedFrom = append(s.resumedFrom, order.Shipment.ShipmentID)
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &shipping.ProviderError{Op: "create_order", Err: ctx.Err()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	if s.createErr != nil {
		return nil, s.createErr
	}
	shipmentID := order.Shipment.ShipmentID
	if shipmentID == "" {
		shipmentID = fmt.Sprintf("shp_%d", s.createCalls)
	}
	awb := fmt.Sprintf("AWB%06d", s.createCalls)
	return &shipping.ShipmentResult{
		ProviderOrderID: "sr_" + order.ID,
		ShipmentID:      shipmentID,
		TrackingNumber:  awb,
		Carrier:         "Delhivery",
		TrackingURL:     "https://track.example.com/" + awb,
	}, nil
}

func (s *fakeShipments) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

func (s *fakeShipments) Track(_ context.Context, awb string) (*shipping.TrackingSnapshot, error) {
	if s.snapshot == nil {
		return nil, &shipping.ProviderError{Op: "track", StatusCode: 404, Message: "awb not found"}
	}
	snap := *s.snapshot
	snap.AWB = awb
	return &snap, nil
}

func (s *fakeShipments) Cancel(_ context.Context, awbs []string, _ string) (*shipping.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, awbs...)
	return &shipping.CancelResult{Cancelled: awbs}, nil
}

func (s *fakeShipments) GenerateLabels(_ context.Context, _ []string) (*shipping.Labels, error) {
	if s.labels == nil {
		return nil, &shipping.ProviderError{Op: "labels", StatusCode: 500, Message: "boom"}
	}
	return s.labels, nil
}

type fakeEvents struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	changed []*models.OrderStatusChangedEvent
	failed  []*models.ShipmentFailedEvent
	retries []*models.ShipmentRetryRequestedEvent
	err     error
}

func (e *fakeEvents) PublishOrderCreated(_ context.Context, ev *models.OrderCreatedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, ev)
	return e.err
}

func (e *fakeEvents) PublishOrderStatusChanged(_ context.Context, ev *models.OrderStatusChangedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changed = append(e.changed, ev)
	return e.err
}

func (e *fakeEvents) PublishShipmentFailed(_ context.Context, ev *models.ShipmentFailedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, ev)
	return e.err
}

func (e *fakeEvents) PublishShipmentRetryRequested(_ context.Context, ev *models.ShipmentRetryRequestedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries = append(e.retries, ev)
	return e.err
}

// fakeLocker is an in-process mutex per key.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquired int
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.acquired++
	token := fmt.Sprintf("tok-%d", l.acquired)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		l.released++
	}
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	views       map[string]models.TrackingView
	gets        int
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{views: map[string]models.TrackingView{}}
}

func (c *fakeCache) GetTracking(_ context.Context, number string) (*models.TrackingView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.views[number]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *fakeCache) SetTracking(_ context.Context, view *models.TrackingView, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[view.OrderNumber] = *view
	return nil
}

func (c *fakeCache) InvalidateTracking(_ context.Context, number string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, number)
	c.invalidated = append(c.invalidated, number)
	return nil
}

// fixture wires the services over the fakes.
type fixture struct {
	orders    *fakeOrderStore
	products  *fakeProductStore
	gateway   *fakeGateway
	shipments *fakeShipments
	events    *fakeEvents
	locker    *fakeLocker
	cache     *fakeCache
	lifecycle *Lifecycle
	svc       *OrderService
}

var (
	buyer = Actor{ID: "user-1", Role: "user"}
	other = Actor{ID: "user-2", Role: "user"}
	admin = Actor{ID: "admin-1", Role: "admin"}
)

func newFixture(products ...models.Product) *fixture {
	f := &fixture{
		orders:    newFakeOrderStore(),
		products:  newFakeProductStore(products...),
		gateway:   &fakeGateway{validSigs: map[string]bool{}},
		shipments: &fakeShipments{},
		events:    &fakeEvents{},
		locker:    newFakeLocker(),
		cache:     newFakeCache(),
	}
	ledger := NewInventoryLedger(f.products)
	f.lifecycle = NewLifecycle(f.orders, ledger, f.shipments, f.events, f.locker, f.cache, LifecycleConfig{
		LockTTL:  time.Second,
		LockWait: 2 * time.Second,
	})
	f.svc = NewOrderService(f.orders, f.products, f.gateway, f.lifecycle, ledger, f.events, f.cache, OrderServiceConfig{
		Currency:              "INR",
		TaxRate:               decimal.RequireFromString("0.12"),
		FreeShippingThreshold: decimal.RequireFromString("500"),
		FlatShippingFee:       decimal.RequireFromString("50"),
		TrackingCacheTTL:      time.Minute,
	})
	return f
}

func product(id string, price string, stock int) models.Product {
	return models.Product{
		ID:        id,
		Brand:     "acme",
		SKU:       "SKU-" + id,
		Title:     "Product " + id,
		Price:     decimal.RequireFromString(price),
		Stock:     stock,
		Status:    models.ProductStatusActive,
		WeightKg:  decimal.RequireFromString("0.5"),
		LengthCm:  decimal.NewFromInt(10),
		BreadthCm: decimal.NewFromInt(10),
		HeightCm:  decimal.NewFromInt(5),
	}
}

func validAddress() AddressRequest {
	return AddressRequest{
		Name:       "Asha Rao",
		Phone:      "9876543210",
		Line1:      "12 MG Road",
		City:       "Bengaluru",
		State:      "KA",
		PostalCode: "560001",
	}
}

// seedOrder stores an order directly in the given status.
func (f *fixture) seedOrder(id string, status models.OrderStatus, owner Actor) *models.Order {
	o := &models.Order{
		ID:            id,
		UserID:        owner.ID,
		Status:        status,
		PaymentMethod: models.PaymentMethodOnline,
		Items: models.LineItems{{
			ProductID: "p1",
			Title:     "Product p1",
			Price:     decimal.NewFromInt(1000),
			Quantity:  1,
		}},
		ItemsPrice: decimal.NewFromInt(1000),
		TaxPrice:   decimal.NewFromInt(120),
		TotalPrice: decimal.NewFromInt(1120),
		Payment:    models.PaymentFacts{GatewayOrderID: "gw_" + id, Status: models.PaymentStatusPending},
		StatusHistory: models.StatusHistory{{
			Status: status,
			At:     time.Now().UTC().Add(-time.Hour),
			Actor:  owner.String(),
		}},
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if status == models.OrderStatusShipped || status == models.OrderStatusInTransit || status == models.OrderStatusDelivered {
		o.Shipment = models.ShipmentFacts{
			ShipmentID:     "shp_" + id,
			AWBNumber:      "AWB_" + id,
			Carrier:        "Delhivery",
			ShipmentStatus: models.ShipmentStatusShipped,
		}
	}
	f.orders.put(o)
	return f.orders.get(id)
}

func historyStatuses(o *models.Order) []models.OrderStatus {
	out := make([]models.OrderStatus, len(o.StatusHistory))
	for i, e := range o.StatusHistory {
		out[i] = e.Status
	}
	return out
}
