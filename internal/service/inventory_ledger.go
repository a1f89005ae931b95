package service

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// InventoryLedger owns every stock decrement. Stock only moves through here and
// through the admin stock edit.
type InventoryLedger struct {
	products ProductStore
	logger   *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger(products ProductStore) *InventoryLedger {
	return &InventoryLedger{
		products: products,
		logger:   util.GetLogger(),
	}
}

// TryDecrement removes quantity units of productID if that many are available.
// OK is false, with the current stock, when there are not enough.
func (l *InventoryLedger) TryDecrement(ctx context.Context, productID string, quantity int) (models.StockResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.TryDecrement")
	defer span.End()

	if quantity <= 0 {
		return models.StockResult{}, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	start := time.Now()
	res, err := l.products.TryDecrementStock(ctx, productID, quantity)
	util.InventoryDecrementLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		util.InventoryDecrementsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return models.StockResult{}, fmt.Errorf("failed to decrement stock: %w", err)
	case !res.OK:
		util.InventoryDecrementsTotal.WithLabelValues("insufficient").Inc()
	default:
		util.InventoryDecrementsTotal.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// DecrementItems runs one decrement per line item and reports each as a step.
// A failed item never stops the others.
func (l *InventoryLedger) DecrementItems(ctx context.Context, orderID string, items []models.LineItem) []StepResult {
	steps := make([]StepResult, 0, len(items))
	for _, item := range items {
		step := StepResult{Name: StepInventory + ":" + item.ProductID}

		res, err := l.TryDecrement(ctx, item.ProductID, item.Quantity)
		switch {
		case err != nil:
			step.Err = err
			l.logger.Error("Failed to decrement stock",
				zap.String("order_id", orderID),
				zap.String("product_id", item.ProductID),
				zap.Error(err))
		case !res.OK:
			step.Err = fmt.Errorf("%w: product %s has %d, order needs %d",
				ErrInsufficientStock, item.ProductID, res.RemainingStock, item.Quantity)
			l.logger.Error("Paid order could not be covered from stock",
				zap.String("order_id", orderID),
				zap.String("product_id", item.ProductID),
				zap.Int("available", res.RemainingStock),
				zap.Int("quantity", item.Quantity))
		default:
			l.logger.Debug("Stock decremented",
				zap.String("order_id", orderID),
				zap.String("product_id", item.ProductID),
				zap.Int("remaining", res.RemainingStock))
		}
		steps = append(steps, step)
	}
	return steps
}

// SetStock is the admin stock edit.
func (l *InventoryLedger) SetStock(ctx context.Context, productID string, stock int) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.SetStock")
	defer span.End()

	if stock < 0 {
		verr := &ValidationError{}
		verr.Add("stock", "must be zero or greater")
		return nil, verr
	}

	product, err := l.products.SetStock(ctx, productID, stock)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	l.logger.Info("Stock set",
		zap.String("product_id", productID),
		zap.Int("stock", product.Stock),
		zap.String("status", product.Status))
	return product, nil
}
