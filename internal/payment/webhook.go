package payment

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway event names the controller reacts to.
const (
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventPaymentAuthorized = "payment.authorized"
	EventOrderPaid         = "order.paid"
)

var (
	// ErrInvalidSignature is returned when a webhook body does not match its signature.
	ErrInvalidSignature = errors.New("payment: invalid signature")
	// ErrIgnoredEvent is returned for well-formed events the lifecycle does not handle.
	ErrIgnoredEvent = errors.New("payment: ignored event")
	// ErrMalformedEvent is returned when a handled event is missing required fields.
	ErrMalformedEvent = errors.New("payment: malformed event")
)

// Fact is a validated payment event. It is one of Captured, Failed or Authorized.
type Fact interface {
	GatewayOrder() string
	fact()
}

// Captured means money was taken for the gateway order.
type Captured struct {
	Event          string
	GatewayOrderID string
	PaymentID      string
	Amount         int64
	Method         string
}

// Failed means the payment attempt was declined.
type Failed struct {
	GatewayOrderID string
	PaymentID      string
	Method         string
	Reason         string
}

// Authorized means funds are held but not yet captured.
type Authorized struct {
	GatewayOrderID string
	PaymentID      string
	Amount         int64
	Method         string
}

func (c Captured) GatewayOrder() string { return c.GatewayOrderID }
func (f Failed) GatewayOrder() string { return f.GatewayOrderID }
func (a Authorized) GatewayOrder() string { return a.GatewayOrderID }

func (Captured) fact() {}
func (Failed) fact() {}
func (Authorized) fact() {}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// ParseWebhook decodes a verified webhook body into a typed Fact.
func ParseWebhook(rawBody []byte) (Fact, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventPaymentCaptured, EventOrderPaid, EventPaymentFailed, EventPaymentAuthorized:
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, env.Event)
	}

	var entity paymentEntity
	if env.Payload.Payment != nil {
		entity = env.Payload.Payment.Entity
	}
	gatewayOrderID := entity.OrderID
	if gatewayOrderID == "" && env.Payload.Order != nil {
		gatewayOrderID = env.Payload.Order.Entity.ID
	}
	if gatewayOrderID == "" {
		return nil, fmt.Errorf("%w: %s without order id", ErrMalformedEvent, env.Event)
	}
	if entity.ID == "" {
		return nil, fmt.Errorf("%w: %s without payment id", ErrMalformedEvent, env.Event)
	}

	switch env.Event {
	case EventPaymentCaptured, EventOrderPaid:
		amount := entity.Amount
		if amount == 0 && env.Payload.Order != nil {
			amount = env.Payload.Order.Entity.Amount
		}
		if amount <= 0 {
			return nil, fmt.Errorf("%w: %s without amount", ErrMalformedEvent, env.Event)
		}
		return Captured{
			Event:          env.Event,
			GatewayOrderID: gatewayOrderID,
			PaymentID:      entity.ID,
			Amount:         amount,
			Method:         entity.Method,
		}, nil
	case EventPaymentFailed:
		reason := entity.ErrorDescription
		if reason == "" {
			reason = entity.ErrorCode
		}
		if reason == "" {
			reason = "payment failed"
		}
		return Failed{
			GatewayOrderID: gatewayOrderID,
			PaymentID:      entity.ID,
			Method:         entity.Method,
			Reason:         reason,
		}, nil
	default:
		return Authorized{
			GatewayOrderID: gatewayOrderID,
			PaymentID:      entity.ID,
			Amount:         entity.Amount,
			Method:         entity.Method,
		}, nil
	}
}
