package service

import (
	"context"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/shipping"
	"storefront/internal/store"
)

// OrderStore is the persistence the lifecycle needs. *store.Store implements it.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	GetOrderByAWB(ctx context.Context, awb string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, error)
	TransitionOrder(ctx context.Context, t store.Transition) (*models.Order, error)
	UpdatePaymentFacts(ctx context.Context, orderID string, facts models.PaymentFacts, onlyIn []models.OrderStatus) (*models.Order, error)
	UpdateShipmentFacts(ctx context.Context, orderID string, facts models.ShipmentFacts, note *models.StatusHistoryEntry) (*models.Order, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ProductStore is the inventory side of the catalog.
type ProductStore interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	TryDecrementStock(ctx context.Context, productID string, quantity int) (models.StockResult, error)
	SetStock(ctx context.Context, productID string, stock int) (*models.Product, error)
}

// PaymentGateway creates payment intents and checks checkout signatures.
type PaymentGateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string) (*payment.GatewayOrder, error)
	VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool
}

// ShipmentProvider books and tracks parcels.
type ShipmentProvider interface {
	CreateShipment(ctx context.Context, order *models.Order) (*shipping.ShipmentResult, error)
	Track(ctx context.Context, awb string) (*shipping.TrackingSnapshot, error)
	Cancel(ctx context.Context, awbs []string, reason string) (*shipping.CancelResult, error)
	GenerateLabels(ctx context.Context, shipmentIDs []string) (*shipping.Labels, error)
}

// EventPublisher emits lifecycle events. *broker.EventPublisher implements it.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishShipmentFailed(ctx context.Context, event *models.ShipmentFailedEvent) error
	PublishShipmentRetryRequested(ctx context.Context, event *models.ShipmentRetryRequestedEvent) error
}

// OrderLocker serialises handlers working on the same order.
type OrderLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// TrackingCache holds public tracking projections keyed by order number.
type TrackingCache interface {
	GetTracking(ctx context.Context, orderNumber string) (*models.TrackingView, error)
	SetTracking(ctx context.Context, view *models.TrackingView, ttl time.Duration) error
	InvalidateTracking(ctx context.Context, orderNumber string) error
}
