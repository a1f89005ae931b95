package api

import (
	"net/http"

	"storefront/internal/models"

	"github.com/gin-gonic/gin"
)

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note" binding:"max=500"`
}

type cancelShipmentRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

type labelsRequest struct {
	OrderIDs []string `json:"orderIds" binding:"required,min=1,dive,required"`
}

type stockRequest struct {
	Stock *int `json:"stock" binding:"required,min=0"`
}

func (h *Handler) setStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	out, err := h.lifecycle.SetStatus(c.Request.Context(), c.Param("id"), models.OrderStatus(req.Status), actorFrom(c), req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

func (h *Handler) retryShipment(c *gin.Context) {
	if err := h.lifecycle.RequestShipmentRetry(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) cancelShipment(c *gin.Context) {
	var req cancelShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	out, err := h.lifecycle.CancelShipment(c.Request.Context(), c.Param("id"), req.Reason, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(out))
}

func (h *Handler) generateLabels(c *gin.Context) {
	var req labelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	labels, err := h.lifecycle.GenerateLabels(c.Request.Context(), req.OrderIDs, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, labels)
}

func (h *Handler) updateStock(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	product, err := h.orders.UpdateStock(c.Request.Context(), c.Param("id"), *req.Stock, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}
