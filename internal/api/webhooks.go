package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"storefront/internal/payment"
	"storefront/internal/service"
	"storefront/internal/shipping"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// paymentWebhook authenticates the raw body before anything else. Once the
// signature holds the gateway always gets a 200, so it does not retry events we
// chose to drop.
func (h *Handler) paymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.webhooks.VerifyWebhookSignature(raw, c.GetHeader(h.cfg.PaymentSignatureHeader)) {
		util.WebhookVerificationsTotal.WithLabelValues("payment", "invalid").Inc()
		h.logger.Warn("Payment webhook signature mismatch",
			zap.Bool("security", true),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}
	util.WebhookVerificationsTotal.WithLabelValues("payment", "valid").Inc()

	fact, err := payment.ParseWebhook(raw)
	if errors.Is(err, payment.ErrIgnoredEvent) {
		util.WebhookEventsTotal.WithLabelValues("payment", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("payment", "malformed").Inc()
		h.logger.Warn("Malformed payment webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "malformed"})
		return
	}
	util.WebhookEventsTotal.WithLabelValues("payment", factName(fact)).Inc()

	eventID := c.GetHeader(h.cfg.PaymentEventIDHeader)
	out, err := h.lifecycle.HandlePaymentFact(c.Request.Context(), eventID, fact, service.ActorPaymentWebhook)
	if err != nil {
		status := "failed"
		if errors.Is(err, store.ErrNotFound) {
			status = "unmatched"
			h.logger.Warn("Payment webhook for unknown order",
				zap.String("gateway_order_id", fact.GatewayOrder()),
				zap.String("event_id", eventID))
		} else {
			h.logger.Error("Failed to apply payment webhook",
				zap.String("gateway_order_id", fact.GatewayOrder()),
				zap.String("event_id", eventID),
				zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "transitioned": out.Transitioned})
}

// shipmentWebhook receives carrier status pushes authenticated by a shared token.
func (h *Handler) shipmentWebhook(c *gin.Context) {
	token := c.GetHeader(h.cfg.ShipmentWebhookHeader)
	if h.cfg.ShipmentWebhookToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.ShipmentWebhookToken)) != 1 {
		util.WebhookVerificationsTotal.WithLabelValues("shipment", "invalid").Inc()
		h.logger.Warn("Shipment webhook token mismatch",
			zap.Bool("security", true),
			zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	util.WebhookVerificationsTotal.WithLabelValues("shipment", "valid").Inc()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update, err := shipping.ParseStatusUpdate(raw)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("shipment", "malformed").Inc()
		h.logger.Warn("Malformed shipment webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "malformed"})
		return
	}
	event := string(update.Status)
	if event == "" {
		event = "unmapped"
	}
	util.WebhookEventsTotal.WithLabelValues("shipment", event).Inc()

	out, err := h.lifecycle.ApplyCarrierStatus(c.Request.Context(), *update, service.ActorShipmentWebhook)
	if err != nil {
		status := "failed"
		if errors.Is(err, store.ErrNotFound) {
			status = "unmatched"
			h.logger.Warn("Shipment webhook for unknown awb", zap.String("awb", update.AWB))
		} else {
			h.logger.Error("Failed to apply shipment webhook", zap.String("awb", update.AWB), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "transitioned": out.Transitioned})
}

func factName(fact payment.Fact) string {
	switch fact.(type) {
	case payment.Captured:
		return "captured"
	case payment.Failed:
		return "failed"
	case payment.Authorized:
		return "authorized"
	}
	return "unknown"
}
