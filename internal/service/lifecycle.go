package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/shipping"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step names reported in Outcome.Steps. Inventory steps are suffixed with the
// product id.
const (
	StepTransition    = "transition"
	StepInventory     = "inventory"
	StepProcessing    = "processing"
	StepShipment      = "shipment"
	StepPaymentFacts  = "payment_facts"
	StepShipmentFacts = "shipment_facts"
	StepPublish       = "publish"
	StepCache         = "cache"
)

const (
	lockPollInterval = 50 * time.Millisecond
	lockMargin       = 30 * time.Second
)

var cancellableStatuses = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusConfirmed,
	models.OrderStatusPaid,
	models.OrderStatusProcessing,
}

// StepResult is the result of one side-effecting step.
type StepResult struct {
	Name    string
	Err     error
	Skipped bool
}

// Outcome is what a lifecycle operation did. Transitioned is false when the event
// turned out to be a no-op, for example a replayed capture.
type Outcome struct {
	Order        *models.Order
	Transitioned bool
	Steps        []StepResult
}

func (o *Outcome) add(steps ...StepResult) {
	o.Steps = append(o.Steps, steps...)
}

// Step returns the first step with the given name.
func (o *Outcome) Step(name string) (StepResult, bool) {
	for _, s := range o.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Failed lists the steps that returned an error.
func (o *Outcome) Failed() []StepResult {
	var failed []StepResult
	for _, s := range o.Steps {
		if s.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// LifecycleConfig tunes the controller. ShipmentTimeout bounds one provider
// booking; LockTTL is raised to outlast it.
type LifecycleConfig struct {
	LockTTL         time.Duration
	LockWait        time.Duration
	ShipmentTimeout time.Duration
	Clock           func() time.Time
}

// Lifecycle is the only writer of order status. Every status change goes through a
// compare-and-set transition in the store.
type Lifecycle struct {
	orders    OrderStore
	ledger    *InventoryLedger
	shipments       ShipmentProvider
	events          EventPublisher
	locker          OrderLocker
	cache           TrackingCache
	lockTTL         time.Duration
	lockWait        time.Duration
	shipmentTimeout time.Duration
	clock           func() time.Time
	logger          *zap.Logger
}

// NewLifecycle creates a new lifecycle controller. events, locker and cache may be nil.
func NewLifecycle(
	orders OrderStore,
	ledger *InventoryLedger,
	shipments ShipmentProvider,
	events EventPublisher,
	locker OrderLocker,
	cache TrackingCache,
	cfg LifecycleConfig,
) *Lifecycle {
	if cfg.ShipmentTimeout <= 0 {
		cfg.ShipmentTimeout = 70 * time.Second
	}
	if cfg.LockTTL < cfg.ShipmentTimeout+lockMargin {
		cfg.LockTTL = cfg.ShipmentTimeout + lockMargin
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Lifecycle{
		orders:    orders,
		ledger:    ledger,
		shipments:       shipments,
		events:          events,
		locker:          locker,
		cache:           cache,
		lockTTL:         cfg.LockTTL,
		lockWait:        cfg.LockWait,
		shipmentTimeout: cfg.ShipmentTimeout,
		clock:           cfg.Clock,
		logger:          util.GetLogger(),
	}
}

// HandlePaymentFact applies a verified gateway event. A non-empty eventID that was
// already handled makes the call a no-op.
func (c *Lifecycle) HandlePaymentFact(ctx context.Context, eventID string, fact payment.Fact, actor Actor) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.HandlePaymentFact")
	defer span.End()

	if eventID != "" {
		processed, err := c.orders.IsEventProcessed(ctx, eventID)
		if err != nil {
			c.logger.Warn("Failed to check processed events, relying on transition guard",
				zap.String("event_id", eventID), zap.Error(err))
		} else if processed {
			c.logger.Info("Event already processed", zap.String("event_id", eventID))
			return &Outcome{Steps: []StepResult{{Name: StepTransition, Skipped: true}}}, nil
		}
	}

	order, err := c.orders.GetOrderByGatewayOrderID(ctx, fact.GatewayOrder())
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to find order for gateway order %s: %w", fact.GatewayOrder(), err)
	}

	var out *Outcome
	err = c.withOrderLock(ctx, order.ID, func(ctx context.Context) error {
		current, err := c.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return err
		}
		switch f := fact.(type) {
		case payment.Captured:
			out, err = c.capture(ctx, current, f, actor)
		case payment.Failed:
			out, err = c.failPayment(ctx, current, f, actor)
		case payment.Authorized:
			out, err = c.authorize(ctx, current, f)
		default:
			err = fmt.Errorf("unsupported payment fact %T", fact)
		}
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if eventID != "" {
		if err := c.orders.MarkEventProcessed(context.WithoutCancel(ctx), eventID, fmt.Sprintf("%T", fact)); err != nil {
			c.logger.Error("Failed to mark event processed", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return out, nil
}

// capture moves pending to paid, decrements stock once, then advances to processing
// and books the shipment.
func (c *Lifecycle) capture(ctx context.Context, order *models.Order, f payment.Captured, actor Actor) (*Outcome, error) {
	out := &Outcome{Order: order}

	now := c.stamp(order)
	facts := order.Payment
	facts.PaymentID = f.PaymentID
	if f.Method != "" {
		facts.Method = f.Method
	}
	facts.Amount = f.Amount
	facts.Status = models.PaymentStatusCaptured
	facts.Error = ""
	facts.UpdatedAt = &now

	note := "Payment captured"
	if expected := order.AmountInPaise(); f.Amount != expected {
		note = fmt.Sprintf("Payment captured with amount mismatch: expected %d, got %d", expected, f.Amount)
		c.logger.Warn("Captured amount differs from order total",
			zap.String("order_id", order.ID),
			zap.Int64("expected", expected),
			zap.Int64("captured", f.Amount))
	}

	updated, err := c.orders.TransitionOrder(ctx, store.Transition{
		OrderID: order.ID,
		From:    []models.OrderStatus{models.OrderStatusPending},
		To:      models.OrderStatusPaid,
		Entry:   models.StatusHistoryEntry{Status: models.OrderStatusPaid, At: now, Actor: actor.String(), Note: note},
		PaidAt:  &now,
		Payment: &facts,
	})
	if errors.Is(err, store.ErrTransitionConflict) {
		util.OrderTransitionConflictsTotal.Inc()
		c.logger.Info("Capture ignored, order already past pending",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)))
		out.add(StepResult{Name: StepTransition, Skipped: true})
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	// The order is paid. Stock, processing and the shipment must follow even if
	// the webhook caller hangs up.
	ctx = context.WithoutCancel(ctx)

	util.OrdersPaidTotal.Inc()
	out.Order = updated
	out.Transitioned = true
	out.add(StepResult{Name: StepTransition})
	out.add(c.afterTransition(ctx, order.Status, updated, actor, note)...)
	out.add(c.ledger.DecrementItems(ctx, updated.ID, updated.Items)...)

	processing, err := c.transition(ctx, updated, models.OrderStatusProcessing, ActorLifecycle, "processing for shipment creation")
	if err != nil {
		c.logger.Error("Failed to advance order to processing", zap.String("order_id", updated.ID), zap.Error(err))
		out.add(StepResult{Name: StepProcessing, Err: err})
		return out, nil
	}
	out.Order = processing
	out.add(StepResult{Name: StepProcessing})
	out.add(c.afterTransition(ctx, updated.Status, processing, ActorLifecycle, "")...)

	shipped, steps := c.createShipment(ctx, processing)
	out.Order = shipped
	out.add(steps...)
	return out, nil
}

func (c *Lifecycle) failPayment(ctx context.Context, order *models.Order, f payment.Failed, actor Actor) (*Outcome, error) {
	out := &Outcome{Order: order}

	now := c.stamp(order)
	facts := order.Payment
	facts.PaymentID = f.PaymentID
	if f.Method != "" {
		facts.Method = f.Method
	}
	facts.Status = models.PaymentStatusFailed
	facts.Error = f.Reason
	facts.UpdatedAt = &now

	reason := "Payment failed"
	note := reason + ": " + f.Reason
	updated, err := c.orders.TransitionOrder(ctx, store.Transition{
		OrderID:      order.ID,
		From:         []models.OrderStatus{models.OrderStatusPending},
		To:           models.OrderStatusCancelled,
		Entry:        models.StatusHistoryEntry{Status: models.OrderStatusCancelled, At: now, Actor: actor.String(), Note: note},
		CancelledAt:  &now,
		CancelReason: &reason,
		Payment:      &facts,
	})
	if errors.Is(err, store.ErrTransitionConflict) {
		util.OrderTransitionConflictsTotal.Inc()
		c.logger.Info("Payment failure ignored, order no longer pending",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)))
		out.add(StepResult{Name: StepTransition, Skipped: true})
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order after payment failure: %w", err)
	}

	util.OrdersCancelledTotal.WithLabelValues("payment").Inc()
	out.Order = updated
	out.Transitioned = true
	out.add(StepResult{Name: StepTransition})
	out.add(c.afterTransition(ctx, order.Status, updated, actor, note)...)
	return out, nil
}

// authorize records the hold on funds. Status stays pending.
func (c *Lifecycle) authorize(ctx context.Context, order *models.Order, f payment.Authorized) (*Outcome, error) {
	out := &Outcome{Order: order}

	now := c.stamp(order)
	facts := order.Payment
	facts.PaymentID = f.PaymentID
	if f.Method != "" {
		facts.Method = f.Method
	}
	if f.Amount > 0 {
		facts.Amount = f.Amount
	}
	facts.Status = models.PaymentStatusAuthorized
	facts.UpdatedAt = &now

	updated, err := c.orders.UpdatePaymentFacts(ctx, order.ID, facts, []models.OrderStatus{models.OrderStatusPending})
	if errors.Is(err, store.ErrTransitionConflict) {
		out.add(StepResult{Name: StepPaymentFacts, Skipped: true})
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record authorization: %w", err)
	}

	out.Order = updated
	out.add(StepResult{Name: StepPaymentFacts})
	out.add(c.invalidateTracking(ctx, updated))
	return out, nil
}

// CreateShipment books the shipment for an order in processing. The shipment
// worker calls it when an operator asks for a retry.
func (c *Lifecycle) CreateShipment(ctx context.Context, orderID string, actor Actor) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.CreateShipment")
	defer span.End()

	var out *Outcome
	err := c.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := c.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusProcessing {
			return fmt.Errorf("%w: shipment can only be created for a processing order, order is %s",
				ErrInvalidTransition, order.Status)
		}

		c.logger.Info("Creating shipment", zap.String("order_id", orderID), zap.String("actor", actor.String()))
		shipped, steps := c.createShipment(ctx, order)
		out = &Outcome{Order: shipped, Transitioned: shipped.Status == models.OrderStatusShipped, Steps: steps}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// createShipment calls the provider for an order in processing. A provider failure
// is recorded on the order and reported as a failed step; the order stays in
// processing. Only the provider call is bounded by the shipment timeout; the
// writes that follow it run detached from the caller.
func (c *Lifecycle) createShipment(ctx context.Context, order *models.Order) (*models.Order, []StepResult) {
	ctx = context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(ctx, c.shipmentTimeout)
	res, err := c.shipments.CreateShipment(callCtx, order)
	cancel()
	if err != nil {
		return c.recordShipmentFailure(ctx, order, err)
	}

	now := c.stamp(order)
	facts := order.Shipment
	facts.ProviderOrderID = res.ProviderOrderID
	facts.ShipmentID = res.ShipmentID
	facts.AWBNumber = res.TrackingNumber
	facts.Carrier = res.Carrier
	facts.TrackingURL = res.TrackingURL
	facts.EstimatedDelivery = res.EstimatedDelivery
	facts.ShipmentStatus = models.ShipmentStatusShipped
	facts.ShipmentError = ""
	facts.UpdatedAt = &now

	note := fmt.Sprintf("Shipment created: AWB %s via %s", res.TrackingNumber, res.Carrier)
	updated, err := c.orders.TransitionOrder(ctx, store.Transition{
		OrderID:   order.ID,
		From:      []models.OrderStatus{models.OrderStatusProcessing},
		To:        models.OrderStatusShipped,
		Entry:     models.StatusHistoryEntry{Status: models.OrderStatusShipped, At: now, Actor: ActorLifecycle.String(), Note: note},
		ShippedAt: &now,
		Shipment:  &facts,
	})
	if err != nil {
		// The parcel is booked at the provider but the order moved on (usually a
		// cancellation). Operators need the AWB to cancel it there.
		c.logger.Error("Shipment booked but order could not be marked shipped",
			zap.String("order_id", order.ID),
			zap.String("awb", res.TrackingNumber),
			zap.Error(err))
		return order, []StepResult{{Name: StepShipment, Err: fmt.Errorf("failed to mark order shipped: %w", err)}}
	}

	steps := []StepResult{{Name: StepShipment}}
	steps = append(steps, c.afterTransition(ctx, order.Status, updated, ActorLifecycle, note)...)
	return updated, steps
}

func (c *Lifecycle) recordShipmentFailure(ctx context.Context, order *models.Order, cause error) (*models.Order, []StepResult) {
	util.ShipmentFailuresTotal.Inc()
	c.logger.Error("Shipment creation failed",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Error(cause))

	now := c.stamp(order)
	facts := order.Shipment
	facts.ShipmentStatus = models.ShipmentStatusFailed
	facts.ShipmentError = cause.Error()
	facts.UpdatedAt = &now
	var perr *shipping.ProviderError
	if errors.As(cause, &perr) && perr.ShipmentID != "" {
		facts.ProviderOrderID = perr.ProviderOrderID
		facts.ShipmentID = perr.ShipmentID
	}

	steps := []StepResult{{Name: StepShipment, Err: cause}}

	note := &models.StatusHistoryEntry{
		Status: order.Status,
		At:     now,
		Actor:  ActorLifecycle.String(),
		Note:   "shipment_failed: " + cause.Error(),
	}
	updated, err := c.orders.UpdateShipmentFacts(ctx, order.ID, facts, note)
	if err != nil {
		c.logger.Error("Failed to record shipment failure", zap.String("order_id", order.ID), zap.Error(err))
		steps = append(steps, StepResult{Name: StepShipmentFacts, Err: err})
		updated = order
	} else {
		steps = append(steps, StepResult{Name: StepShipmentFacts})
	}

	steps = append(steps, c.publish(ctx, func(ctx context.Context, events EventPublisher) error {
		return events.PublishShipmentFailed(ctx, &models.ShipmentFailedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeShipmentFailed, c.clock()),
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Error:       cause.Error(),
		})
	}))
	steps = append(steps, c.invalidateTracking(ctx, updated))
	return updated, steps
}

// Cancel cancels an order for its owner or an admin. Orders that have shipped can
// no longer be cancelled.
func (c *Lifecycle) Cancel(ctx context.Context, orderID string, actor Actor, reason string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.Cancel")
	defer span.End()

	var out *Outcome
	err := c.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := c.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.CanAccess(order.UserID) {
			return ErrForbidden
		}
		if !containsStatus(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, order.Status)
		}

		if reason == "" {
			reason = "Cancelled by " + actor.Role
		}
		now := c.stamp(order)
		updated, err := c.orders.TransitionOrder(ctx, store.Transition{
			OrderID:      order.ID,
			From:         cancellableStatuses,
			To:           models.OrderStatusCancelled,
			Entry:        models.StatusHistoryEntry{Status: models.OrderStatusCancelled, At: now, Actor: actor.String(), Note: reason},
			CancelledAt:  &now,
			CancelReason: &reason,
		})
		if errors.Is(err, store.ErrTransitionConflict) {
			util.OrderTransitionConflictsTotal.Inc()
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}

		util.OrdersCancelledTotal.WithLabelValues(actor.Role).Inc()
		out = &Outcome{Order: updated, Transitioned: true, Steps: []StepResult{{Name: StepTransition}}}
		out.add(c.afterTransition(ctx, order.Status, updated, actor, reason)...)
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// SetStatus is the admin override. Any non-terminal order may be moved to any
// status; milestone timestamps are filled in when first reached.
func (c *Lifecycle) SetStatus(ctx context.Context, orderID string, to models.OrderStatus, actor Actor, note string) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.SetStatus")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !to.Valid() {
		verr := &ValidationError{}
		verr.Add("status", "unknown order status")
		return nil, verr
	}

	var out *Outcome
	err := c.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := c.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
		}
		if order.Status == to {
			out = &Outcome{Order: order, Steps: []StepResult{{Name: StepTransition, Skipped: true}}}
			return nil
		}

		now := c.stamp(order)
		if note == "" {
			note = "Status set by admin"
		}
		t := store.Transition{
			OrderID: order.ID,
			From:    []models.OrderStatus{order.Status},
			To:      to,
			Entry:   models.StatusHistoryEntry{Status: to, At: now, Actor: actor.String(), Note: note},
		}
		switch to {
		case models.OrderStatusPaid:
			if order.PaidAt == nil {
				t.PaidAt = &now
			}
		case models.OrderStatusShipped:
			if order.ShippedAt == nil {
				t.ShippedAt = &now
			}
		case models.OrderStatusDelivered:
			if order.DeliveredAt == nil {
				t.DeliveredAt = &now
			}
		case models.OrderStatusCancelled:
			t.CancelledAt = &now
			t.CancelReason = &note
		}

		updated, err := c.orders.TransitionOrder(ctx, t)
		if errors.Is(err, store.ErrTransitionConflict) {
			util.OrderTransitionConflictsTotal.Inc()
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if err != nil {
			return fmt.Errorf("failed to set order status: %w", err)
		}

		if to == models.OrderStatusCancelled {
			util.OrdersCancelledTotal.WithLabelValues(actor.Role).Inc()
		}
		out = &Outcome{Order: updated, Transitioned: true, Steps: []StepResult{{Name: StepTransition}}}
		out.add(c.afterTransition(ctx, order.Status, updated, actor, note)...)
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// ApplyCarrierStatus records a carrier report and, for shipped orders, moves them to
// in_transit or delivered.
func (c *Lifecycle) ApplyCarrierStatus(ctx context.Context, update shipping.StatusUpdate, actor Actor) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.ApplyCarrierStatus")
	defer span.End()

	order, err := c.orders.GetOrderByAWB(ctx, update.AWB)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to find order for awb %s: %w", update.AWB, err)
	}

	var out *Outcome
	err = c.withOrderLock(ctx, order.ID, func(ctx context.Context) error {
		current, err := c.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return err
		}
		out, err = c.applyCarrierStatus(ctx, current, update, actor)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

func (c *Lifecycle) applyCarrierStatus(ctx context.Context, order *models.Order, update shipping.StatusUpdate, actor Actor) (*Outcome, error) {
	out := &Outcome{Order: order}

	if update.Status == "" {
		c.logger.Info("Unmapped carrier status ignored",
			zap.String("order_id", order.ID),
			zap.String("awb", update.AWB),
			zap.String("raw_status", update.RawStatus))
		out.add(StepResult{Name: StepShipmentFacts, Skipped: true})
		return out, nil
	}

	now := c.stamp(order)
	facts := order.Shipment
	facts.ShipmentStatus = update.Status
	if update.EstimatedDelivery != nil {
		facts.EstimatedDelivery = update.EstimatedDelivery
	}
	facts.UpdatedAt = &now

	var to models.OrderStatus
	switch update.Status {
	case models.ShipmentStatusInTransit, models.ShipmentStatusOutForDelivery:
		if order.Status == models.OrderStatusShipped {
			to = models.OrderStatusInTransit
		}
	case models.ShipmentStatusDelivered:
		if order.Status == models.OrderStatusShipped || order.Status == models.OrderStatusInTransit {
			to = models.OrderStatusDelivered
		}
	}

	if to != "" {
		note := "Carrier reported " + update.RawStatus
		t := store.Transition{
			OrderID:  order.ID,
			From:     []models.OrderStatus{order.Status},
			To:       to,
			Entry:    models.StatusHistoryEntry{Status: to, At: now, Actor: actor.String(), Note: note},
			Shipment: &facts,
		}
		if to == models.OrderStatusDelivered {
			t.DeliveredAt = &now
		}

		updated, err := c.orders.TransitionOrder(ctx, t)
		if err != nil && !errors.Is(err, store.ErrTransitionConflict) {
			return nil, fmt.Errorf("failed to apply carrier status: %w", err)
		}
		if err == nil {
			out.Order = updated
			out.Transitioned = true
			out.add(StepResult{Name: StepTransition})
			out.add(c.afterTransition(ctx, order.Status, updated, actor, note)...)
			return out, nil
		}
		util.OrderTransitionConflictsTotal.Inc()
		out.add(StepResult{Name: StepTransition, Skipped: true})
	}

	updated, err := c.orders.UpdateShipmentFacts(ctx, order.ID, facts, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record carrier status: %w", err)
	}
	out.Order = updated
	out.add(StepResult{Name: StepShipmentFacts})
	out.add(c.invalidateTracking(ctx, updated))
	return out, nil
}

// SyncTracking pulls the live carrier snapshot for an order and applies it.
func (c *Lifecycle) SyncTracking(ctx context.Context, orderID string, actor Actor) (*shipping.TrackingSnapshot, *Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.SyncTracking")
	defer span.End()

	order, err := c.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, nil, ErrForbidden
	}
	if order.Shipment.AWBNumber == "" {
		return nil, nil, ErrNoShipment
	}

	snap, err := c.shipments.Track(ctx, order.Shipment.AWBNumber)
	if err != nil {
		util.RecordError(span, err)
		return nil, nil, fmt.Errorf("failed to track shipment: %w", err)
	}

	update := shipping.StatusUpdate{
		AWB:               snap.AWB,
		Status:            snap.Status,
		RawStatus:         snap.RawStatus,
		EstimatedDelivery: snap.EstimatedDelivery,
	}
	var out *Outcome
	err = c.withOrderLock(ctx, order.ID, func(ctx context.Context) error {
		current, err := c.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return err
		}
		out, err = c.applyCarrierStatus(ctx, current, update, ActorShipmentWebhook)
		return err
	})
	if err != nil {
		return snap, nil, err
	}
	return snap, out, nil
}

// CancelShipment cancels the parcel at the provider. The order status is left for
// the operator to decide.
func (c *Lifecycle) CancelShipment(ctx context.Context, orderID, reason string, actor Actor) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.CancelShipment")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	var out *Outcome
	err := c.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := c.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Shipment.AWBNumber == "" {
			return ErrNoShipment
		}
		if order.Shipment.ShipmentStatus == models.ShipmentStatusCancelled {
			out = &Outcome{Order: order, Steps: []StepResult{{Name: StepShipment, Skipped: true}}}
			return nil
		}

		if _, err := c.shipments.Cancel(ctx, []string{order.Shipment.AWBNumber}, reason); err != nil {
			return fmt.Errorf("failed to cancel shipment: %w", err)
		}

		now := c.stamp(order)
		facts := order.Shipment
		facts.ShipmentStatus = models.ShipmentStatusCancelled
		facts.UpdatedAt = &now
		note := &models.StatusHistoryEntry{
			Status: order.Status,
			At:     now,
			Actor:  actor.String(),
			Note:   "Shipment cancelled: " + reason,
		}
		updated, err := c.orders.UpdateShipmentFacts(ctx, order.ID, facts, note)
		if err != nil {
			return fmt.Errorf("failed to record shipment cancellation: %w", err)
		}
		out = &Outcome{Order: updated, Steps: []StepResult{{Name: StepShipment}, {Name: StepShipmentFacts}}}
		out.add(c.invalidateTracking(ctx, updated))
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// GenerateLabels fetches printable documents for the given orders and stores the
// label URL on each of them.
func (c *Lifecycle) GenerateLabels(ctx context.Context, orderIDs []string, actor Actor) (*shipping.Labels, error) {
	ctx, span := util.StartSpan(ctx, "Lifecycle.GenerateLabels")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if len(orderIDs) == 0 {
		verr := &ValidationError{}
		verr.Add("orderIds", "at least one order is required")
		return nil, verr
	}

	orders := make([]*models.Order, 0, len(orderIDs))
	shipmentIDs := make([]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		order, err := c.orders.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if order.Shipment.ShipmentID == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoShipment, id)
		}
		orders = append(orders, order)
		shipmentIDs = append(shipmentIDs, order.Shipment.ShipmentID)
	}

	labels, err := c.shipments.GenerateLabels(ctx, shipmentIDs)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to generate labels: %w", err)
	}

	if labels.LabelURL != "" {
		for _, order := range orders {
			facts := order.Shipment
			facts.LabelURL = labels.LabelURL
			if _, err := c.orders.UpdateShipmentFacts(ctx, order.ID, facts, nil); err != nil {
				c.logger.Error("Failed to store label url", zap.String("order_id", order.ID), zap.Error(err))
			}
		}
	}
	return labels, nil
}

// RequestShipmentRetry queues another shipment attempt for an order stuck in
// processing. Without an event publisher the attempt runs inline.
func (c *Lifecycle) RequestShipmentRetry(ctx context.Context, orderID string, actor Actor) error {
	ctx, span := util.StartSpan(ctx, "Lifecycle.RequestShipmentRetry")
	defer span.End()

	if !actor.IsAdmin() {
		return ErrForbidden
	}

	order, err := c.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusProcessing {
		return fmt.Errorf("%w: shipment retry needs a processing order, order is %s",
			ErrInvalidTransition, order.Status)
	}

	if c.events == nil {
		_, err := c.CreateShipment(ctx, orderID, actor)
		return err
	}

	err = c.events.PublishShipmentRetryRequested(ctx, &models.ShipmentRetryRequestedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeShipmentRetryRequested, c.clock()),
		OrderID:     orderID,
		RequestedBy: actor.String(),
	})
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to queue shipment retry: %w", err)
	}

	c.logger.Info("Shipment retry requested", zap.String("order_id", orderID), zap.String("actor", actor.String()))
	return nil
}

// transition is a plain CAS from the order's observed status.
func (c *Lifecycle) transition(ctx context.Context, order *models.Order, to models.OrderStatus, actor Actor, note string) (*models.Order, error) {
	now := c.stamp(order)
	return c.orders.TransitionOrder(ctx, store.Transition{
		OrderID: order.ID,
		From:    []models.OrderStatus{order.Status},
		To:      to,
		Entry:   models.StatusHistoryEntry{Status: to, At: now, Actor: actor.String(), Note: note},
	})
}

func (c *Lifecycle) afterTransition(ctx context.Context, from models.OrderStatus, order *models.Order, actor Actor, note string) []StepResult {
	util.OrderTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	c.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(order.Status)),
		zap.String("actor", actor.String()))

	publish := c.publish(ctx, func(ctx context.Context, events EventPublisher) error {
		return events.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
			BaseEvent:      newBaseEvent(models.EventTypeOrderStatusChanged, c.clock()),
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: from,
			CurrentStatus:  order.Status,
			Actor:          actor.String(),
			Note:           note,
		})
	})
	return []StepResult{publish, c.invalidateTracking(ctx, order)}
}

func (c *Lifecycle) publish(ctx context.Context, fn func(context.Context, EventPublisher) error) StepResult {
	if c.events == nil {
		return StepResult{Name: StepPublish, Skipped: true}
	}
	if err := fn(ctx, c.events); err != nil {
		c.logger.Error("Failed to publish lifecycle event", zap.Error(err))
		return StepResult{Name: StepPublish, Err: err}
	}
	return StepResult{Name: StepPublish}
}

func (c *Lifecycle) invalidateTracking(ctx context.Context, order *models.Order) StepResult {
	if c.cache == nil || order == nil || order.OrderNumber == "" {
		return StepResult{Name: StepCache, Skipped: true}
	}
	if err := c.cache.InvalidateTracking(ctx, order.OrderNumber); err != nil {
		c.logger.Warn("Failed to invalidate tracking cache",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
		return StepResult{Name: StepCache, Err: err}
	}
	return StepResult{Name: StepCache}
}

// stamp returns the timestamp for the next history entry. It never goes behind the
// last entry, so history stays ordered even if clocks disagree between instances.
func (c *Lifecycle) stamp(order *models.Order) time.Time {
	now := c.clock().UTC()
	if last, ok := order.LastHistoryEntry(); ok && now.Before(last.At) {
		return last.At
	}
	return now
}

// withOrderLock runs fn while holding the per-order lock. The lock only reduces
// contention: if it cannot be taken in time fn still runs and the store's
// compare-and-set keeps the result correct.
func (c *Lifecycle) withOrderLock(ctx context.Context, orderID string, fn func(context.Context) error) error {
	if c.locker == nil {
		return fn(ctx)
	}

	key := "order:" + orderID
	deadline := time.Now().Add(c.lockWait)
	for {
		token, acquired, err := c.locker.AcquireLock(ctx, key, c.lockTTL)
		if err != nil {
			c.logger.Warn("Order lock unavailable", zap.String("order_id", orderID), zap.Error(err))
			return fn(ctx)
		}
		if acquired {
			defer func() {
				if err := c.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					c.logger.Warn("Failed to release order lock", zap.String("order_id", orderID), zap.Error(err))
				}
			}()
			return fn(ctx)
		}
		if time.Now().After(deadline) {
			c.logger.Warn("Timed out waiting for order lock", zap.String("order_id", orderID))
			return fn(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now.UTC(),
	}
}

func containsStatus(statuses []models.OrderStatus, s models.OrderStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
