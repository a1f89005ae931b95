package api

import (
	"net/http"
	"strconv"

	"storefront/internal/service"

	"github.com/gin-gonic/gin"
)

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), actorFrom(c), c.GetHeader("Idempotency-Key"), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	warnings := []string{}
	for _, step := range res.Steps {
		if step.Err != nil {
			warnings = append(warnings, step.Name+": "+step.Err.Error())
		}
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	body := gin.H{
		"order":    res.Order,
		"replayed": res.Replayed,
		"warnings": warnings,
	}
	if res.Order.Payment.GatewayOrderID != "" {
		body["payment"] = gin.H{
			"keyId":          res.KeyID,
			"gatewayOrderId": res.Order.Payment.GatewayOrderID,
			"amount":         res.Order.AmountInPaise(),
		}
	}
	c.JSON(status, body)
}

// listOrders returns the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	orders, err := h.orders.ListOrders(c.Request.Context(), actorFrom(c), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// cancelOrder lets the owner or an admin cancel before shipment
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
	}

	out, err := h.lifecycle.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

// verifyPayment handles the checkout callback
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	out, err := h.orders.VerifyPayment(c.Request.Context(), c.Param("id"), actorFrom(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

// syncTracking returns the live carrier snapshot and applies it to the order
func (h *Handler) syncTracking(c *gin.Context) {
	snap, out, err := h.lifecycle.SyncTracking(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tracking": snap,
		"order":    out.Order.Tracking(),
	})
}

// publicTracking serves the reduced projection without authentication
func (h *Handler) publicTracking(c *gin.Context) {
	view, err := h.orders.PublicTracking(c.Request.Context(), c.Param("orderNumber"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
