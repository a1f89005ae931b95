package worker

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// Consumer is the message source. *broker.Consumer implements it.
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ShipmentCreator books a shipment for an order. *service.Lifecycle implements it.
type ShipmentCreator interface {
	CreateShipment(ctx context.Context, orderID string, actor service.Actor) (*service.Outcome, error)
}

// ShipmentWorker re-runs shipment creation when an operator asks for a retry
type ShipmentWorker struct {
	consumer     Consumer
	eventHandler *broker.EventHandler
	shipments    ShipmentCreator
	logger       *zap.Logger
}

// NewShipmentWorker creates a new shipment worker
func NewShipmentWorker(consumer Consumer, shipments ShipmentCreator) *ShipmentWorker {
	w := &ShipmentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		shipments:    shipments,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnShipmentRetryRequested(w.handleRetry)
	return w
}

// Start starts the worker
func (w *ShipmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting shipment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ShipmentWorker) Stop() error {
	w.logger.Info("Stopping shipment worker")
	return w.consumer.Close()
}

// handleRetry drops requests for orders that already moved on; a second provider
// failure is recorded on the order by the lifecycle and is not an error here.
func (w *ShipmentWorker) handleRetry(ctx context.Context, event *models.ShipmentRetryRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "ShipmentWorker.handleRetry")
	defer span.End()

	out, err := w.shipments.CreateShipment(ctx, event.OrderID, service.ActorShipmentWorker)
	if errors.Is(err, service.ErrInvalidTransition) {
		w.logger.Info("Shipment retry no longer needed",
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("shipment retry for %s: %w", event.OrderID, err)
	}

	if step, ok := out.Step(service.StepShipment); ok && step.Err != nil {
		w.logger.Warn("Shipment retry failed again",
			zap.String("order_id", event.OrderID),
			zap.String("requested_by", event.RequestedBy),
			zap.Error(step.Err))
		return nil
	}

	w.logger.Info("Shipment retry succeeded",
		zap.String("order_id", event.OrderID),
		zap.String("requested_by", event.RequestedBy),
		zap.String("awb", out.Order.Shipment.AWBNumber))
	return nil
}
