package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/lib/pq"
)

// Transition is a compare-and-set status change. The update only applies while the
// order is in one of From; the history entry is appended in the same statement.
type Transition struct {
	OrderID string
	From    []models.OrderStatus
	To      models.OrderStatus
	Entry   models.StatusHistoryEntry

	PaidAt       *time.Time
	ShippedAt    *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	CancelReason *string
	Payment      *models.PaymentFacts
	Shipment     *models.ShipmentFacts
}

// CreateOrder inserts a new order; the order number comes from the database sequence
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, status, items, shipping_address, payment_method,
			items_price, shipping_price, tax_price, total_price, payment, shipment,
			status_history, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING order_number, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.ID, order.UserID, order.Status, order.Items, order.ShippingAddress,
		order.PaymentMethod, order.ItemsPrice, order.ShippingPrice, order.TaxPrice,
		order.TotalPrice, order.Payment, order.Shipment, order.StatusHistory,
		order.IdempotencyKey,
	).Scan(&order.OrderNumber, &order.CreatedAt, &order.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("order %s: %w", order.ID, ErrDuplicate)
	}
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE id = $1", id)
}

// GetOrderByNumber retrieves an order by its human-readable number
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE order_number = $1", number)
}

// GetOrderByGatewayOrderID locates an order from an asynchronous payment event
func (s *Store) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE payment ->> 'gatewayOrderId' = $1", gatewayOrderID)
}

// GetOrderByAWB locates an order from a carrier tracking number
func (s *Store) GetOrderByAWB(ctx context.Context, awb string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT * FROM orders WHERE shipment ->> 'awbNumber' = $1", awb)
}

// GetOrderByIdempotencyKey returns nil without error when no order carries the key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	order, err := s.getOrder(ctx, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return order, err
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	return orders, err
}

// TransitionOrder applies t atomically and returns the updated order. It returns
// ErrTransitionConflict when the order is no longer in one of t.From.
func (s *Store) TransitionOrder(ctx context.Context, t Transition) (*models.Order, error) {
	entry, err := json.Marshal(t.Entry)
	if err != nil {
		return nil, fmt.Errorf("marshal history entry: %w", err)
	}
	payment, err := nullableJSON(t.Payment)
	if err != nil {
		return nil, err
	}
	shipment, err := nullableJSON(t.Shipment)
	if err != nil {
		return nil, err
	}

	var order models.Order
	err = s.db.GetContext(ctx, &order, `
		UPDATE orders SET
			status = $3,
			status_history = status_history || jsonb_build_array($4::jsonb),
			paid_at = COALESCE($5, paid_at),
			shipped_at = COALESCE($6, shipped_at),
			delivered_at = COALESCE($7, delivered_at),
			cancelled_at = COALESCE($8, cancelled_at),
			cancel_reason = COALESCE($9, cancel_reason),
			payment = COALESCE($10::jsonb, payment),
			shipment = COALESCE($11::jsonb, shipment),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING *`,
		t.OrderID, statusArray(t.From), t.To, string(entry),
		t.PaidAt, t.ShippedAt, t.DeliveredAt, t.CancelledAt, t.CancelReason,
		payment, shipment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, t.OrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("transition order %s to %s: %w", t.OrderID, t.To, err)
	}
	return &order, nil
}

// UpdatePaymentFacts replaces the payment sub-document while the order is in one of
// onlyIn. The order status is not touched.
func (s *Store) UpdatePaymentFacts(ctx context.Context, orderID string, facts models.PaymentFacts, onlyIn []models.OrderStatus) (*models.Order, error) {
	payload, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("marshal payment facts: %w", err)
	}

	var order models.Order
	err = s.db.GetContext(ctx, &order, `
		UPDATE orders SET payment = $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING *`, orderID, string(payload), statusArray(onlyIn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("update payment facts for %s: %w", orderID, err)
	}
	return &order, nil
}

// UpdateShipmentFacts replaces the shipment sub-document. A non-nil note is appended
// to the history in the same statement without changing the status.
func (s *Store) UpdateShipmentFacts(ctx context.Context, orderID string, facts models.ShipmentFacts, note *models.StatusHistoryEntry) (*models.Order, error) {
	payload, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("marshal shipment facts: %w", err)
	}
	noteJSON, err := nullableJSON(note)
	if err != nil {
		return nil, err
	}

	var order models.Order
	err = s.db.GetContext(ctx, &order, `
		UPDATE orders SET
			shipment = $2::jsonb,
			status_history = CASE
				WHEN $3::jsonb IS NULL THEN status_history
				ELSE status_history || jsonb_build_array($3::jsonb) END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING *`, orderID, string(payload), noteJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update shipment facts for %s: %w", orderID, err)
	}
	return &order, nil
}

func (s *Store) getOrder(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) conflictOrNotFound(ctx context.Context, orderID string) error {
	var current string
	err := s.db.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s is %s: %w", orderID, current, ErrTransitionConflict)
}

func statusArray(statuses []models.OrderStatus) any {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return pq.Array(out)
}

func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
