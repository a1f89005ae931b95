package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusInTransit  OrderStatus = "in_transit"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// AllOrderStatuses lists the wire-visible order statuses in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusInTransit,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal indicates whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus is tracked independently of the order status.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCaptured   PaymentStatus = "captured"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// ShipmentStatus is tracked independently of the order status.
type ShipmentStatus string

// Shipment statuses
const (
	ShipmentStatusPending        ShipmentStatus = "pending"
	ShipmentStatusProcessing     ShipmentStatus = "processing"
	ShipmentStatusShipped        ShipmentStatus = "shipped"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusFailed         ShipmentStatus = "failed"
	ShipmentStatusCancelled      ShipmentStatus = "cancelled"
)

// Valid reports whether s is a known shipment status.
func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentStatusPending, ShipmentStatusProcessing, ShipmentStatusShipped,
		ShipmentStatusInTransit, ShipmentStatusOutForDelivery, ShipmentStatusDelivered,
		ShipmentStatusFailed, ShipmentStatusCancelled:
		return true
	}
	return false
}

// Product statuses
const (
	ProductStatusActive     = "active"
	ProductStatusOutOfStock = "out_of_stock"
	ProductStatusInactive   = "inactive"
)

// Payment methods
const (
	PaymentMethodOnline = "online"
	PaymentMethodCOD    = "cod"
)

// Product is the inventory aspect of a catalog product.
type Product struct {
	ID            string          `db:"id" json:"id"`
	Brand         string          `db:"brand" json:"brand"`
	SKU           string          `db:"sku" json:"sku"`
	Title         string          `db:"title" json:"title"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Stock         int             `db:"stock" json:"stock"`
	ReservedStock int             `db:"reserved_stock" json:"reservedStock"`
	TotalSales    int             `db:"total_sales" json:"totalSales"`
	Status        string          `db:"status" json:"status"`
	WeightKg      decimal.Decimal `db:"weight_kg" json:"weightKg"`
	LengthCm      decimal.Decimal `db:"length_cm" json:"lengthCm"`
	BreadthCm     decimal.Decimal `db:"breadth_cm" json:"breadthCm"`
	HeightCm      decimal.Decimal `db:"height_cm" json:"heightCm"`
	TaxCode       string          `db:"tax_code" json:"taxCode"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// StockResult is the outcome of a conditional stock decrement.
type StockResult struct {
	OK             bool `json:"ok"`
	RemainingStock int  `json:"remainingStock"`
}

// LineItem is an immutable snapshot of a product taken at order creation.
type LineItem struct {
	ProductID string          `json:"productId"`
	Title     string          `json:"title"`
	Brand     string          `json:"brand,omitempty"`
	SKU       string          `json:"sku,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	WeightKg  decimal.Decimal `json:"weightKg"`
	LengthCm  decimal.Decimal `json:"lengthCm"`
	BreadthCm decimal.Decimal `json:"breadthCm"`
	HeightCm  decimal.Decimal `json:"heightCm"`
	TaxCode   string          `json:"taxCode,omitempty"`
}

// Subtotal returns price × quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Address is the shipping address snapshot.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// PaymentFacts holds what the payment gateway has told us about the order.
type PaymentFacts struct {
	GatewayOrderID string        `json:"gatewayOrderId,omitempty"`
	PaymentID      string        `json:"paymentId,omitempty"`
	Signature      string        `json:"signature,omitempty"`
	Method         string        `json:"method,omitempty"`
	Amount         int64         `json:"amount,omitempty"`
	Status         PaymentStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	UpdatedAt      *time.Time    `json:"updatedAt,omitempty"`
}

// ShipmentFacts holds what the shipment provider has told us about the order.
type ShipmentFacts struct {
	ProviderOrderID   string         `json:"providerOrderId,omitempty"`
	ShipmentID        string         `json:"shipmentId,omitempty"`
	AWBNumber         string         `json:"awbNumber,omitempty"`
	Carrier           string         `json:"carrier,omitempty"`
	TrackingURL       string         `json:"trackingUrl,omitempty"`
	LabelURL          string         `json:"labelUrl,omitempty"`
	EstimatedDelivery *time.Time     `json:"estimatedDelivery,omitempty"`
	ShipmentStatus    ShipmentStatus `json:"shipmentStatus,omitempty"`
	ShipmentError     string         `json:"shipmentError,omitempty"`
	UpdatedAt         *time.Time     `json:"updatedAt,omitempty"`
}

// StatusHistoryEntry is one append-only audit record.
type StatusHistoryEntry struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Note   string      `json:"note,omitempty"`
}

// Order is the aggregate root of the lifecycle.
type Order struct {
	ID              string          `db:"id" json:"id"`
	OrderNumber     string          `db:"order_number" json:"orderNumber"`
	UserID          string          `db:"user_id" json:"userId"`
	Status          OrderStatus     `db:"status" json:"status"`
	Items           LineItems       `db:"items" json:"items"`
	ShippingAddress Address         `db:"shipping_address" json:"shippingAddress"`
	PaymentMethod   string          `db:"payment_method" json:"paymentMethod"`
	ItemsPrice      decimal.Decimal `db:"items_price" json:"itemsPrice"`
	ShippingPrice   decimal.Decimal `db:"shipping_price" json:"shippingPrice"`
	TaxPrice        decimal.Decimal `db:"tax_price" json:"taxPrice"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"totalPrice"`
	Payment         PaymentFacts    `db:"payment" json:"paymentDetails"`
	Shipment        ShipmentFacts   `db:"shipment" json:"shipmentDetails"`
	StatusHistory   StatusHistory   `db:"status_history" json:"statusHistory"`
	PaidAt          *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	ShippedAt       *time.Time      `db:"shipped_at" json:"shippedAt,omitempty"`
	DeliveredAt     *time.Time      `db:"delivered_at" json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time      `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CancelReason    string          `db:"cancel_reason" json:"cancelReason,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// LastHistoryEntry returns the most recent status history entry, if any.
func (o *Order) LastHistoryEntry() (StatusHistoryEntry, bool) {
	if len(o.StatusHistory) == 0 {
		return StatusHistoryEntry{}, false
	}
	return o.StatusHistory[len(o.StatusHistory)-1], true
}

// AmountInPaise converts the frozen total into the gateway's minor unit.
func (o *Order) AmountInPaise() int64 {
	return o.TotalPrice.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// TrackingView is the public, reduced projection of an order.
type TrackingView struct {
	OrderNumber       string         `json:"orderNumber"`
	Status            OrderStatus    `json:"status"`
	PaymentStatus     PaymentStatus  `json:"paymentStatus"`
	ShipmentStatus    ShipmentStatus `json:"shipmentStatus,omitempty"`
	Carrier           string         `json:"carrier,omitempty"`
	TrackingURL       string         `json:"trackingUrl,omitempty"`
	EstimatedDelivery *time.Time     `json:"estimatedDelivery,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	PaidAt            *time.Time     `json:"paidAt,omitempty"`
	ShippedAt         *time.Time     `json:"shippedAt,omitempty"`
	DeliveredAt       *time.Time     `json:"deliveredAt,omitempty"`
	CancelledAt       *time.Time     `json:"cancelledAt,omitempty"`
}

// Tracking builds the public projection. Prices, payment ids and addresses stay out.
func (o *Order) Tracking() TrackingView {
	return TrackingView{
		OrderNumber:       o.OrderNumber,
		Status:            o.Status,
		PaymentStatus:     o.Payment.Status,
		ShipmentStatus:    o.Shipment.ShipmentStatus,
		Carrier:           o.Shipment.Carrier,
		TrackingURL:       o.Shipment.TrackingURL,
		EstimatedDelivery: o.Shipment.EstimatedDelivery,
		CreatedAt:         o.CreatedAt,
		PaidAt:            o.PaidAt,
		ShippedAt:         o.ShippedAt,
		DeliveredAt:       o.DeliveredAt,
		CancelledAt:       o.CancelledAt,
	}
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
