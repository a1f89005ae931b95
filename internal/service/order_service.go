package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StepPaymentIntent is the gateway order created for an online order.
const StepPaymentIntent = "payment_intent"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// OrderServiceConfig holds pricing and caching settings.
type OrderServiceConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	TrackingCacheTTL      time.Duration
	Clock                 func() time.Time
}

// OrderService handles order placement and the read side of orders
type OrderService struct {
	orders    OrderStore
	products  ProductStore
	gateway   PaymentGateway
	lifecycle *Lifecycle
	ledger    *InventoryLedger
	events    EventPublisher
	cache     TrackingCache
	cfg       OrderServiceConfig
	logger    *zap.Logger
}

// NewOrderService creates a new order service. events and cache may be nil.
func NewOrderService(
	orders OrderStore,
	products ProductStore,
	gateway PaymentGateway,
	lifecycle *Lifecycle,
	ledger *InventoryLedger,
	events EventPublisher,
	cache TrackingCache,
	cfg OrderServiceConfig,
) *OrderService {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.TrackingCacheTTL <= 0 {
		cfg.TrackingCacheTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &OrderService{
		orders:    orders,
		products:  products,
		gateway:   gateway,
		lifecycle: lifecycle,
		ledger:    ledger,
		events:    events,
		cache:     cache,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress AddressRequest     `json:"shippingAddress" binding:"required"`
	PaymentMethod   string             `json:"paymentMethod" binding:"required,oneof=online cod"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// AddressRequest is the shipping address as submitted.
type AddressRequest struct {
	Name       string `json:"name" binding:"required"`
	Phone      string `json:"phone" binding:"required"`
	Email      string `json:"email" binding:"omitempty,email"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state" binding:"required"`
	PostalCode string `json:"postalCode" binding:"required"`
	Country    string `json:"country"`
}

// CreateOrderResult is the created (or replayed) order. KeyID is the public gateway
// key the checkout page needs.
type CreateOrderResult struct {
	Order    *models.Order
	Replayed bool
	Steps    []StepResult
	KeyID    string
}

// VerifyPaymentRequest is the checkout callback from the gateway's client widget.
type VerifyPaymentRequest struct {
	GatewayOrderID string `json:"gatewayOrderId" binding:"required"`
	PaymentID      string `json:"paymentId" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
}

// CreateOrder validates the request, prices it and stores a pending order. Online
// orders also get a gateway payment intent; failing to create one is recorded on the
// order and does not fail the request.
func (s *OrderService) CreateOrder(ctx context.Context, actor Actor, idempotencyKey string, req *CreateOrderRequest) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.replay(existing, actor, idempotencyKey)
		}
	}

	if err := validateCreateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	items, err := s.snapshotItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	now := s.cfg.Clock().UTC()
	itemsPrice, shippingPrice, taxPrice := s.price(items)
	order := &models.Order{
		ID:              "ord_" + ulid.Make().String(),
		UserID:          actor.ID,
		Status:          models.OrderStatusPending,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toModel(),
		PaymentMethod:   req.PaymentMethod,
		ItemsPrice:      itemsPrice,
		ShippingPrice:   shippingPrice,
		TaxPrice:        taxPrice,
		TotalPrice:      itemsPrice.Add(shippingPrice).Add(taxPrice),
		Payment:         models.PaymentFacts{Status: models.PaymentStatusPending},
		StatusHistory: models.StatusHistory{{
			Status: models.OrderStatusPending,
			At:     now,
			Actor:  actor.String(),
			Note:   "Order placed",
		}},
	}
	if idempotencyKey != "" {
		order.IdempotencyKey = &idempotencyKey
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrDuplicate) && idempotencyKey != "" {
			existing, getErr := s.orders.GetOrderByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && existing != nil {
				return s.replay(existing, actor, idempotencyKey)
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.TotalPrice.StringFixed(2)))

	result := &CreateOrderResult{Order: order}
	if order.PaymentMethod == models.PaymentMethodOnline && s.gateway != nil {
		result.KeyID = s.gateway.KeyID()
		updated, step := s.createPaymentIntent(ctx, order)
		result.Order = updated
		result.Steps = append(result.Steps, step)
	}

	result.Steps = append(result.Steps, s.publishCreated(ctx, result.Order))
	return result, nil
}

func (s *OrderService) replay(existing *models.Order, actor Actor, key string) (*CreateOrderResult, error) {
	if existing.UserID != actor.ID {
		return nil, fmt.Errorf("%w: idempotency key belongs to another user", ErrForbidden)
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", existing.ID))
	result := &CreateOrderResult{Order: existing, Replayed: true}
	if existing.PaymentMethod == models.PaymentMethodOnline && s.gateway != nil {
		result.KeyID = s.gateway.KeyID()
	}
	return result, nil
}

// snapshotItems reads every product once and freezes the fields the order keeps.
func (s *OrderService) snapshotItems(ctx context.Context, reqItems []OrderItemRequest) (models.LineItems, error) {
	ids := make([]string, 0, len(reqItems))
	requested := make(map[string]int, len(reqItems))
	for _, item := range reqItems {
		if _, seen := requested[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	products, err := s.products.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	verr := &ValidationError{}
	items := make(models.LineItems, 0, len(reqItems))
	for i, item := range reqItems {
		p, ok := byID[item.ProductID]
		switch {
		case !ok:
			verr.Add(fmt.Sprintf("items[%d].productId", i), "product not found")
			continue
		case p.Status == models.ProductStatusInactive:
			verr.Add(fmt.Sprintf("items[%d].productId", i), "product is not available")
			continue
		case p.Stock < requested[p.ID]:
			verr.Add(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("only %d in stock", p.Stock))
			continue
		}
		items = append(items, models.LineItem{
			ProductID: p.ID,
			Title:     p.Title,
			Brand:     p.Brand,
			SKU:       p.SKU,
			Price:     p.Price,
			Quantity:  item.Quantity,
			WeightKg:  p.WeightKg,
			LengthCm:  p.LengthCm,
			BreadthCm: p.BreadthCm,
			HeightCm:  p.HeightCm,
			TaxCode:   p.TaxCode,
		})
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return items, nil
}

// price returns items, shipping and tax. Tax is rounded to paise.
func (s *OrderService) price(items models.LineItems) (itemsPrice, shippingPrice, taxPrice decimal.Decimal) {
	itemsPrice = decimal.Zero
	for _, item := range items {
		itemsPrice = itemsPrice.Add(item.Subtotal())
	}
	taxPrice = itemsPrice.Mul(s.cfg.TaxRate).Round(2)
	shippingPrice = s.cfg.FlatShippingFee
	if itemsPrice.GreaterThanOrEqual(s.cfg.FreeShippingThreshold) {
		shippingPrice = decimal.Zero
	}
	return itemsPrice, shippingPrice, taxPrice
}

func (s *OrderService) createPaymentIntent(ctx context.Context, order *models.Order) (*models.Order, StepResult) {
	step := StepResult{Name: StepPaymentIntent}
	now := s.cfg.Clock().UTC()
	facts := order.Payment
	facts.UpdatedAt = &now

	gwOrder, err := s.gateway.CreateOrder(ctx, order.AmountInPaise(), s.cfg.Currency, order.OrderNumber)
	if err != nil {
		s.logger.Error("Failed to create payment intent",
			zap.String("order_id", order.ID),
			zap.Error(err))
		step.Err = err
		facts.Error = err.Error()
	} else {
		facts.GatewayOrderID = gwOrder.ID
		facts.Amount = gwOrder.Amount
	}

	updated, err := s.orders.UpdatePaymentFacts(ctx, order.ID, facts, []models.OrderStatus{models.OrderStatusPending})
	if err != nil {
		s.logger.Error("Failed to store payment intent", zap.String("order_id", order.ID), zap.Error(err))
		if step.Err == nil {
			step.Err = err
		}
		return order, step
	}
	return updated, step
}

func (s *OrderService) publishCreated(ctx context.Context, order *models.Order) StepResult {
	if s.events == nil {
		return StepResult{Name: StepPublish, Skipped: true}
	}
	err := s.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated, s.cfg.Clock()),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalPrice:  order.TotalPrice.StringFixed(2),
		ItemCount:   len(order.Items),
	})
	if err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
		return StepResult{Name: StepPublish, Err: err}
	}
	return StepResult{Name: StepPublish}
}

// GetOrder retrieves an order for its owner or an admin
func (s *OrderService) GetOrder(ctx context.Context, orderID string, actor Actor) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns the caller's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, actor Actor, limit, offset int) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.orders.ListOrdersByUser(ctx, actor.ID, limit, offset)
}

// PublicTracking returns the reduced projection for an order number. It is served
// from the cache when possible.
func (s *OrderService) PublicTracking(ctx context.Context, orderNumber string) (*models.TrackingView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PublicTracking")
	defer span.End()

	if s.cache != nil {
		view, err := s.cache.GetTracking(ctx, orderNumber)
		if err != nil {
			s.logger.Warn("Tracking cache read failed", zap.String("order_number", orderNumber), zap.Error(err))
		} else if view != nil {
			return view, nil
		}
	}

	order, err := s.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	view := order.Tracking()
	if s.cache == nil {
		return &view, nil
	}

	if err := s.cache.SetTracking(ctx, &view, s.cfg.TrackingCacheTTL); err != nil {
		s.logger.Warn("Tracking cache write failed", zap.String("order_number", orderNumber), zap.Error(err))
		return &view, nil
	}

	// A transition that committed between the read and the cache write has already
	// invalidated, so the entry just written may be stale. Check once and drop it.
	current, err := s.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil || current.UpdatedAt.Equal(order.UpdatedAt) {
		return &view, nil
	}
	if err := s.cache.InvalidateTracking(ctx, orderNumber); err != nil {
		s.logger.Warn("Tracking cache invalidation failed", zap.String("order_number", orderNumber), zap.Error(err))
	}
	view = current.Tracking()
	return &view, nil
}

// VerifyPayment checks the checkout callback signature and, when it holds, treats the
// payment as captured for the order's full amount.
func (s *OrderService) VerifyPayment(ctx context.Context, orderID string, actor Actor, req *VerifyPaymentRequest) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.VerifyPayment")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, ErrForbidden
	}
	if order.Payment.GatewayOrderID == "" || order.Payment.GatewayOrderID != req.GatewayOrderID {
		verr := &ValidationError{}
		verr.Add("gatewayOrderId", "does not match the order")
		return nil, verr
	}
	if !s.gateway.VerifyPaymentSignature(req.GatewayOrderID, req.PaymentID, req.Signature) {
		util.WebhookVerificationsTotal.WithLabelValues("checkout", "invalid").Inc()
		s.logger.Warn("Checkout signature mismatch",
			zap.String("order_id", orderID),
			zap.Bool("security", true))
		return nil, payment.ErrInvalidSignature
	}
	util.WebhookVerificationsTotal.WithLabelValues("checkout", "valid").Inc()

	return s.lifecycle.HandlePaymentFact(ctx, "", payment.Captured{
		Event:          "checkout.verified",
		GatewayOrderID: req.GatewayOrderID,
		PaymentID:      req.PaymentID,
		Amount:         order.AmountInPaise(),
	}, actor)
}

// UpdateStock is the admin stock edit.
func (s *OrderService) UpdateStock(ctx context.Context, productID string, stock int, actor Actor) (*models.Product, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.ledger.SetStock(ctx, productID, stock)
}

func validateCreateRequest(req *CreateOrderRequest) error {
	verr := &ValidationError{}
	if req == nil {
		verr.Add("items", "at least one item is required")
		return verr
	}
	if len(req.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			verr.Add(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		if item.Quantity <= 0 {
			verr.Add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
	}
	if req.PaymentMethod != models.PaymentMethodOnline && req.PaymentMethod != models.PaymentMethodCOD {
		verr.Add("paymentMethod", "must be one of online, cod")
	}

	addr := req.ShippingAddress
	required := []struct{ field, value string }{
		{"shippingAddress.name", addr.Name},
		{"shippingAddress.phone", addr.Phone},
		{"shippingAddress.line1", addr.Line1},
		{"shippingAddress.city", addr.City},
		{"shippingAddress.state", addr.State},
		{"shippingAddress.postalCode", addr.PostalCode},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			verr.Add(r.field, "is required")
		}
	}
	return verr.OrNil()
}

func (a AddressRequest) toModel() models.Address {
	country := a.Country
	if country == "" {
		country = "India"
	}
	return models.Address{
		Name:       strings.TrimSpace(a.Name),
		Phone:      strings.TrimSpace(a.Phone),
		Email:      strings.TrimSpace(a.Email),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    country,
	}
}
