package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes a keyed event. *Producer implements it.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event any) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishShipmentFailed publishes ShipmentFailed event
func (ep *EventPublisher) PublishShipmentFailed(ctx context.Context, event *models.ShipmentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishShipmentRetryRequested publishes ShipmentRetryRequested event
func (ep *EventPublisher) PublishShipmentRetryRequested(ctx context.Context, event *models.ShipmentRetryRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onShipmentRetry func(context.Context, *models.ShipmentRetryRequestedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnShipmentRetryRequested registers a handler for ShipmentRetryRequested events
func (eh *EventHandler) OnShipmentRetryRequested(handler func(context.Context, *models.ShipmentRetryRequestedEvent) error) {
	eh.onShipmentRetry = handler
}

// HandleMessage routes messages to appropriate handlers. The topic also carries the
// service's own lifecycle events; those are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeShipmentRetryRequested:
		if eh.onShipmentRetry == nil {
			return nil
		}
		var event models.ShipmentRetryRequestedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal ShipmentRetryRequested event: %w", err)
		}
		eh.logger.Info("Handling event",
			zap.String("type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID),
			zap.String("order_id", event.OrderID))
		return eh.onShipmentRetry(ctx, &event)

	default:
		eh.logger.Debug("Skipping event", zap.String("type", baseEvent.EventType))
	}

	return nil
}
